// Package session drives multi-step device operations (bonding, connecting)
// as small per-operation state machines. Each step issues at most one command
// through the command queue and decides, on its outcome, whether to advance,
// retry, or fail. A request for an operation already in progress joins the
// existing session and receives the same outcome; the native engine cannot
// run two bonding attempts against one device anyway.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
)

// DefaultRetryLimit is how many times a timed-out command is re-attempted
// before the session fails.
const DefaultRetryLimit = 2

// Gate reports whether device-facing operations are currently legal.
// Implemented by the adapter state machine.
type Gate interface {
	Ready() error
}

// Manager owns every active session.
type Manager struct {
	queue      *cmdq.Queue
	registry   *registry.Registry
	gate       Gate
	hub        *events.Hub
	retryLimit int

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryLimit overrides the per-command retry budget.
func WithRetryLimit(n int) Option {
	return func(m *Manager) { m.retryLimit = n }
}

func NewManager(queue *cmdq.Queue, reg *registry.Registry, gate Gate, hub *events.Hub, opts ...Option) *Manager {
	m := &Manager{
		queue:      queue,
		registry:   reg,
		gate:       gate,
		hub:        hub,
		retryLimit: DefaultRetryLimit,
		sessions:   make(map[sessionKey]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bond establishes a bonding relationship with addr. Concurrent calls for
// the same device share one underlying command sequence and outcome.
func (m *Manager) Bond(ctx context.Context, addr bthost.Address) error {
	if err := m.gate.Ready(); err != nil {
		return err
	}
	key := sessionKey{addr: addr, class: ClassBond}
	return m.join(ctx, key, m.runBond)
}

// CancelBond aborts an active bonding session for addr. Every waiter on the
// session observes Cancelled.
func (m *Manager) CancelBond(addr bthost.Address) error {
	m.mu.Lock()
	s := m.sessions[sessionKey{addr: addr, class: ClassBond}]
	m.mu.Unlock()
	if s == nil {
		return bthost.WrapError(bthost.ErrInvalidTransition, "no bonding in progress for %s", addr)
	}
	s.cancel(bthost.WrapError(bthost.ErrCancelled, "bond %s", addr))
	return nil
}

// Connect brings up a profile connection to addr.
func (m *Manager) Connect(ctx context.Context, addr bthost.Address, profile bthost.Profile) error {
	if err := m.gate.Ready(); err != nil {
		return err
	}
	key := sessionKey{addr: addr, class: ClassConnect, profile: profile}
	return m.join(ctx, key, m.runConnect)
}

// Disconnect tears down a profile connection. A disconnect requested while a
// connect is still in flight queues behind it at the command queue and
// applies once the connect completed.
func (m *Manager) Disconnect(ctx context.Context, addr bthost.Address, profile bthost.Profile) error {
	if err := m.gate.Ready(); err != nil {
		return err
	}
	key := sessionKey{addr: addr, class: ClassDisconnect, profile: profile}
	return m.join(ctx, key, m.runDisconnect)
}

// Forget cancels any active sessions for addr, releases the bond on the
// native side and removes the device record. Works with the adapter off,
// minus the native unpair.
func (m *Manager) Forget(ctx context.Context, addr bthost.Address) error {
	if m.registry.Get(addr) == nil {
		return bthost.ErrUnknownDevice
	}
	m.cancelDevice(addr, bthost.WrapError(bthost.ErrCancelled, "forget %s", addr))

	if m.gate.Ready() == nil {
		pending, err := m.queue.Submit(hal.Command{
			Resource: hal.DeviceResource(addr, ""),
			Class:    hal.ClassUnpair,
		})
		if err == nil {
			select {
			case out := <-pending.Done():
				if out.Err != nil {
					log.Warn().Stringer("address", addr).Err(out.Err).Msg("native unpair failed, forgetting anyway")
				}
			case <-ctx.Done():
				pending.Cancel()
			}
		}
	}
	return m.registry.Remove(ctx, addr)
}

// CancelAll aborts every active session with reason. Called by the adapter
// when it leaves the On state.
func (m *Manager) CancelAll(reason error) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.cancel(reason)
	}
	for _, s := range sessions {
		<-s.done
	}
}

// Active reports the number of sessions currently in flight.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) cancelDevice(addr bthost.Address, reason error) {
	m.mu.Lock()
	var sessions []*session
	for key, s := range m.sessions {
		if key.addr == addr {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.cancel(reason)
	}
	for _, s := range sessions {
		<-s.done
	}
}

// join attaches to the active session for key, starting one if none exists,
// and waits for the shared outcome. ctx cancellation detaches the caller
// only; the session itself runs to completion for the other waiters.
func (m *Manager) join(ctx context.Context, key sessionKey, run func(*session) error) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(key)
		m.sessions[key] = s
		go m.drive(s, run)
	} else {
		log.Debug().
			Stringer("address", key.addr).
			Str("class", string(key.class)).
			Msg("joining session in progress")
	}
	m.mu.Unlock()

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return bthost.WrapError(bthost.ErrCancelled, "%s %s", key.class, key.addr)
	}
}

// drive runs a session to completion and publishes its outcome.
func (m *Manager) drive(s *session, run func(*session) error) {
	err := run(s)

	m.mu.Lock()
	delete(m.sessions, s.key)
	m.mu.Unlock()
	s.finish(err)

	outcome := events.SessionOutcome{
		SessionID: s.id,
		Address:   s.key.addr,
		Operation: string(s.key.class),
		Profile:   s.key.profile,
		Success:   err == nil,
	}
	if err != nil {
		outcome.Error = err.Error()
		log.Warn().
			Stringer("address", s.key.addr).
			Str("class", string(s.key.class)).
			Err(err).
			Msg("session failed")
	}
	m.hub.SessionFinished(outcome)
}

// step submits one command and waits for its outcome, retrying timed-out
// commands within the retry budget. The queue applies the deadline; the
// session only decides whether a failure is worth another attempt.
func (m *Manager) step(s *session, cmd hal.Command) error {
	for attempt := 0; ; attempt++ {
		if reason := s.aborted(); reason != nil {
			return reason
		}
		pending, err := m.queue.Submit(cmd)
		if err != nil {
			return err
		}
		s.setCurrent(pending)
		out := <-pending.Done()
		s.setCurrent(nil)

		if reason := s.aborted(); reason != nil {
			return reason
		}
		if out.Err == nil {
			return nil
		}
		if attempt < m.retryLimit && bthost.ShouldRetry(out.Err) {
			log.Debug().
				Stringer("resource", cmd.Resource).
				Stringer("class", cmd.Class).
				Int("attempt", attempt+1).
				Err(out.Err).
				Msg("retrying command")
			continue
		}
		return out.Err
	}
}

// runBond is the bonding state machine:
// Idle -> Pairing -> ExchangingKeys -> Bonded | rollback.
func (m *Manager) runBond(s *session) error {
	addr := s.key.addr
	prior := bthost.NotBonded
	if rec := m.registry.Get(addr); rec != nil && rec.BondState == bthost.Bonded {
		// Re-bonding an already bonded device; a failure rolls back to
		// Bonded, not NotBonded.
		prior = bthost.Bonded
	}

	fail := func(err error) error {
		m.rollbackBond(addr, prior)
		return err
	}

	if err := m.setBondState(addr, bthost.Pairing); err != nil {
		return err
	}
	if err := m.step(s, hal.Command{Resource: hal.DeviceResource(addr, ""), Class: hal.ClassPair}); err != nil {
		return fail(err)
	}

	if err := m.setBondState(addr, bthost.ExchangingKeys); err != nil {
		return fail(err)
	}
	if err := m.step(s, hal.Command{Resource: hal.DeviceResource(addr, ""), Class: hal.ClassKeyExchange}); err != nil {
		return fail(err)
	}

	return m.setBondState(addr, bthost.Bonded)
}

// rollbackBond always leaves the record in a terminal bonding state.
func (m *Manager) rollbackBond(addr bthost.Address, prior bthost.BondState) {
	if err := m.setBondState(addr, prior); err != nil {
		log.Error().Stringer("address", addr).Err(err).Msg("bond rollback failed")
	}
}

func (m *Manager) setBondState(addr bthost.Address, state bthost.BondState) error {
	_, err := m.registry.Upsert(context.Background(), addr, registry.Patch{BondState: &state})
	return err
}

// runConnect is the connection state machine:
// Idle -> Connecting -> Connected | rollback to Disconnected.
func (m *Manager) runConnect(s *session) error {
	addr, profile := s.key.addr, s.key.profile

	// Setting Connecting also enforces the bonding requirement; an unbonded
	// device fails here before anything reaches the native engine.
	if err := m.setConnState(addr, profile, bthost.Connecting); err != nil {
		return err
	}

	err := m.step(s, hal.Command{Resource: hal.DeviceResource(addr, profile), Class: hal.ClassConnect})
	if err != nil {
		if bthost.MayHaveSucceeded(err) {
			// The link may be half-up on the controller; best effort teardown
			// keeps the native state aligned with the rolled-back record.
			if pending, serr := m.queue.Submit(hal.Command{
				Resource: hal.DeviceResource(addr, profile),
				Class:    hal.ClassDisconnect,
			}); serr == nil {
				go func() { <-pending.Done() }()
			}
		}
		if rerr := m.setConnState(addr, profile, bthost.Disconnected); rerr != nil {
			log.Error().Stringer("address", addr).Err(rerr).Msg("connect rollback failed")
		}
		return err
	}
	return m.setConnState(addr, profile, bthost.Connected)
}

// runDisconnect tears a connection down. The registry is only touched after
// the native side confirmed, so a disconnect queued behind an in-flight
// connect cannot scramble the record's ordering.
func (m *Manager) runDisconnect(s *session) error {
	addr, profile := s.key.addr, s.key.profile
	if err := m.step(s, hal.Command{Resource: hal.DeviceResource(addr, profile), Class: hal.ClassDisconnect}); err != nil {
		return err
	}
	return m.setConnState(addr, profile, bthost.Disconnected)
}

func (m *Manager) setConnState(addr bthost.Address, profile bthost.Profile, state bthost.ConnState) error {
	_, err := m.registry.Upsert(context.Background(), addr, registry.Patch{
		Conn: &registry.ConnPatch{Profile: profile, State: state},
	})
	return err
}

// HandleNative implements the router subscriber. The registry has already
// processed the event by the time it arrives here.
func (m *Manager) HandleNative(ev hal.Event) {
	if ev.Kind != hal.KindDisconnected {
		return
	}
	// A spontaneous disconnect fails an in-flight connect session early
	// instead of letting its command run out the deadline.
	m.mu.Lock()
	s := m.sessions[sessionKey{addr: ev.Resource.Address, class: ClassConnect, profile: ev.Resource.Profile}]
	m.mu.Unlock()
	if s != nil {
		s.cancel(bthost.WrapError(bthost.ErrNativeRejected, "link lost to %s", ev.Resource.Address))
	}
}
