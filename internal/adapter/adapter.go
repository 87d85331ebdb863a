// Package adapter drives the local adapter's lifecycle: Off, TurningOn, On,
// TurningOff. Only the On state permits discovery, sessions, and
// device-facing commands.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
)

// DefaultTransitionTimeout bounds TurningOn and TurningOff. On expiry the
// machine force-transitions to Off and reports a fault.
const DefaultTransitionTimeout = 8 * time.Second

// SessionCanceller lets the adapter abort active sessions when it leaves the
// On state. Implemented by the session manager; wired at startup.
type SessionCanceller interface {
	CancelAll(reason error)
}

// Machine is the adapter state machine. A single instance exists per daemon;
// all mutation goes through its methods.
type Machine struct {
	queue    *cmdq.Queue
	registry *registry.Registry
	hub      *events.Hub
	timeout  time.Duration

	mu           sync.Mutex
	state        bthost.PowerState
	discoverable bool
	connectable  bool
	address      bthost.Address
	name         string
	canceller    SessionCanceller
}

// Option configures a Machine.
type Option func(*Machine)

// WithTransitionTimeout overrides the TurningOn/TurningOff bound.
func WithTransitionTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithIdentity sets the local adapter address and name.
func WithIdentity(addr bthost.Address, name string) Option {
	return func(m *Machine) {
		m.address = addr
		m.name = name
	}
}

func New(queue *cmdq.Queue, reg *registry.Registry, hub *events.Hub, opts ...Option) *Machine {
	m := &Machine{
		queue:    queue,
		registry: reg,
		hub:      hub,
		timeout:  DefaultTransitionTimeout,
		state:    bthost.PowerOff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSessionCanceller wires the session manager in. Must be called before
// the first power transition.
func (m *Machine) SetSessionCanceller(c SessionCanceller) {
	m.mu.Lock()
	m.canceller = c
	m.mu.Unlock()
}

// Info returns the externally visible adapter state.
func (m *Machine) Info() bthost.AdapterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Machine) infoLocked() bthost.AdapterInfo {
	return bthost.AdapterInfo{
		Address:      m.address,
		Name:         m.name,
		Power:        m.state,
		Discoverable: m.discoverable,
		Connectable:  m.connectable,
	}
}

// Ready gates device-facing operations: nil only in the On state.
func (m *Machine) Ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != bthost.PowerOn {
		return bthost.WrapError(bthost.ErrAdapterNotReady, "adapter is %s", m.state)
	}
	return nil
}

// State returns the current power state.
func (m *Machine) State() bthost.PowerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetPower drives the adapter on or off. The call is synchronous: it returns
// once the transition completed, failed, or hit the transition timeout. A
// request that matches the current state is a no-op; a request during a
// transition fails with ErrInvalidTransition.
func (m *Machine) SetPower(ctx context.Context, on bool) error {
	m.mu.Lock()
	switch {
	case on && m.state == bthost.PowerOn,
		!on && m.state == bthost.PowerOff:
		m.mu.Unlock()
		return nil
	case on && m.state != bthost.PowerOff:
		state := m.state
		m.mu.Unlock()
		return bthost.WrapError(bthost.ErrInvalidTransition, "power on while %s", state)
	case !on && m.state != bthost.PowerOn:
		state := m.state
		m.mu.Unlock()
		return bthost.WrapError(bthost.ErrInvalidTransition, "power off while %s", state)
	}

	if on {
		m.state = bthost.PowerTurningOn
		m.mu.Unlock()
		m.hub.AdapterStateChanged(m.Info(), "")
		return m.completeTurnOn(ctx)
	}

	m.state = bthost.PowerTurningOff
	canceller := m.canceller
	m.mu.Unlock()
	m.hub.AdapterStateChanged(m.Info(), "")

	// Leaving On: fail active sessions and in-flight device commands before
	// the controller goes away, then clear transient connection state.
	if canceller != nil {
		canceller.CancelAll(bthost.ErrAdapterShuttingDown)
	}
	m.queue.CancelAll(bthost.ErrAdapterShuttingDown)
	m.registry.ClearTransient()
	return m.completeTurnOff(ctx)
}

func (m *Machine) completeTurnOn(ctx context.Context) error {
	err := m.await(ctx, hal.ClassPowerOn)
	if err != nil {
		m.forceOff("power on failed: " + err.Error())
		return err
	}
	m.mu.Lock()
	m.state = bthost.PowerOn
	m.connectable = true
	m.mu.Unlock()

	// Reconciliation pass: reload persisted bonded devices, connection state
	// starts over at Disconnected.
	if rerr := m.registry.Reconcile(ctx); rerr != nil {
		log.Error().Err(rerr).Msg("registry reconciliation failed")
	}
	log.Info().Msg("adapter powered on")
	m.hub.AdapterStateChanged(m.Info(), "")
	return nil
}

func (m *Machine) completeTurnOff(ctx context.Context) error {
	err := m.await(ctx, hal.ClassPowerOff)
	if err != nil {
		// The controller did not confirm; the adapter is unusable either
		// way, so force Off and report the fault.
		m.forceOff("power off failed: " + err.Error())
		return nil
	}
	m.mu.Lock()
	m.state = bthost.PowerOff
	m.discoverable = false
	m.connectable = false
	m.mu.Unlock()
	log.Info().Msg("adapter powered off")
	m.hub.AdapterStateChanged(m.Info(), "")
	return nil
}

// await submits an adapter-level command and waits for its outcome, bounded
// by the transition timeout.
func (m *Machine) await(ctx context.Context, class hal.CommandClass) error {
	pending, err := m.queue.Submit(hal.Command{Resource: hal.AdapterResource, Class: class})
	if err != nil {
		return err
	}
	select {
	case out := <-pending.Done():
		return out.Err
	case <-time.After(m.timeout):
		pending.Cancel()
		return bthost.WrapError(bthost.ErrTimedOut, "adapter transition %s after %s", class, m.timeout)
	case <-ctx.Done():
		pending.Cancel()
		return bthost.WrapError(bthost.ErrCancelled, "adapter transition %s", class)
	}
}

// forceOff is the recovery path for stuck or failed transitions.
func (m *Machine) forceOff(fault string) {
	m.mu.Lock()
	m.state = bthost.PowerOff
	m.discoverable = false
	m.connectable = false
	canceller := m.canceller
	m.mu.Unlock()

	log.Error().Str("fault", fault).Msg("forcing adapter off")
	if canceller != nil {
		canceller.CancelAll(bthost.ErrAdapterShuttingDown)
	}
	m.queue.CancelAll(bthost.ErrAdapterShuttingDown)
	m.registry.ClearTransient()
	m.hub.AdapterStateChanged(m.Info(), fault)
}

// StartDiscovery puts the adapter into discovering/discoverable mode.
func (m *Machine) StartDiscovery(ctx context.Context) error {
	return m.setDiscovery(ctx, true)
}

// StopDiscovery leaves discovering/discoverable mode.
func (m *Machine) StopDiscovery(ctx context.Context) error {
	return m.setDiscovery(ctx, false)
}

func (m *Machine) setDiscovery(ctx context.Context, start bool) error {
	if err := m.Ready(); err != nil {
		return err
	}
	class := hal.ClassStartDiscovery
	if !start {
		class = hal.ClassStopDiscovery
	}
	pending, err := m.queue.Submit(hal.Command{Resource: hal.AdapterResource, Class: class})
	if err != nil {
		return err
	}
	select {
	case out := <-pending.Done():
		if out.Err != nil {
			return out.Err
		}
	case <-ctx.Done():
		pending.Cancel()
		return bthost.WrapError(bthost.ErrCancelled, "%s", class)
	}
	m.mu.Lock()
	m.discoverable = start
	m.mu.Unlock()
	m.hub.AdapterStateChanged(m.Info(), "")
	return nil
}

// HandleNative implements the router subscriber for adapter-level
// unsolicited events.
func (m *Machine) HandleNative(ev hal.Event) {
	if ev.Kind != hal.KindAdapterFault {
		return
	}
	fault, _ := ev.Payload.(string)
	if fault == "" {
		fault = "controller fault"
	}
	m.mu.Lock()
	off := m.state == bthost.PowerOff
	m.mu.Unlock()
	if off {
		return
	}
	m.forceOff(fault)
}
