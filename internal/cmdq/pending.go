package cmdq

import (
	"time"

	"github.com/blued-org/blued/pkg/hal"
)

// Outcome is the final result of a submitted command.
type Outcome struct {
	Status  hal.Status
	Payload any
	Err     error
}

type pendingKey struct {
	resource hal.ResourceID
	class    hal.CommandClass
}

// Pending is the completion handle returned by Submit. Exactly one Outcome is
// ever delivered on Done.
type Pending struct {
	key      pendingKey
	cmd      hal.Command
	done     chan Outcome
	queue    *Queue
	issuedAt time.Time
	timer    *time.Timer
	// completed is guarded by the owning queue's mutex.
	completed bool
}

// Done returns the channel carrying the command's Outcome.
func (p *Pending) Done() <-chan Outcome {
	return p.done
}

// Command returns the submitted command.
func (p *Pending) Command() hal.Command {
	return p.cmd
}

// Cancel completes the command with ErrCancelled if it has not completed yet.
// An in-flight command's late native reply is absorbed as stale.
func (p *Pending) Cancel() {
	p.queue.cancel(p)
}
