package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/pkg/bthost"
)

// Class names a session's operation kind. At most one session per
// (device, class) is active at a time; connection sessions are further keyed
// by profile because profiles are independent resources.
type Class string

const (
	ClassBond       Class = "bond"
	ClassConnect    Class = "connect"
	ClassDisconnect Class = "disconnect"
	ClassForget     Class = "forget"
)

type sessionKey struct {
	addr    bthost.Address
	class   Class
	profile bthost.Profile
}

// session is one multi-step operation in flight. Its state lives as data so
// a late joiner, the canceller, and the runner goroutine all see the same
// thing under the lock.
type session struct {
	id  uuid.UUID
	key sessionKey

	mu      sync.Mutex
	current *cmdq.Pending
	abort   error

	done chan struct{}
	err  error
}

func newSession(key sessionKey) *session {
	return &session{
		id:   uuid.New(),
		key:  key,
		done: make(chan struct{}),
	}
}

// cancel aborts the session with reason. The in-flight command, if any,
// completes with Cancelled; the runner then fails the session with reason
// instead of retrying.
func (s *session) cancel(reason error) {
	s.mu.Lock()
	if s.abort == nil {
		s.abort = reason
	}
	current := s.current
	s.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

func (s *session) aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

func (s *session) setCurrent(p *cmdq.Pending) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

// finish records the outcome and releases every waiter.
func (s *session) finish(err error) {
	s.err = err
	close(s.done)
}
