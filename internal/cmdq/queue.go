// Package cmdq owns the single-flight command discipline toward the native
// engine: one in-flight command per resource, a bounded backlog behind it,
// and a deadline on every in-flight command. Retries are the caller's
// decision; the queue never retries on its own.
package cmdq

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
)

const (
	// DefaultBacklogDepth bounds the number of commands waiting behind the
	// in-flight command for one resource.
	DefaultBacklogDepth = 8
	// DefaultCommandTimeout is the deadline applied to in-flight commands.
	DefaultCommandTimeout = 10 * time.Second
	// StaleWindow is how long a timed-out or cancelled command's slot is
	// remembered so that a late native reply is recognized as stale instead
	// of being mistaken for an answer to a newer command.
	StaleWindow = 5 * time.Second
)

// line is the per-resource serialization state.
type line struct {
	inflight *Pending
	backlog  []*Pending
}

// Queue serializes commands per resource toward the native engine.
type Queue struct {
	engine  hal.Engine
	timeout time.Duration
	depth   int

	mu     sync.Mutex
	lines  map[hal.ResourceID]*line
	stale  map[pendingKey]time.Time
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithTimeout overrides the in-flight command deadline.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithBacklogDepth overrides the per-resource backlog bound.
func WithBacklogDepth(n int) Option {
	return func(q *Queue) { q.depth = n }
}

// New creates a Queue issuing commands through engine.
func New(engine hal.Engine, opts ...Option) *Queue {
	q := &Queue{
		engine:  engine,
		timeout: DefaultCommandTimeout,
		depth:   DefaultBacklogDepth,
		lines:   make(map[hal.ResourceID]*line),
		stale:   make(map[pendingKey]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// queueable classes tolerate a same-class command already outstanding on the
// resource and line up behind it instead of failing with ResourceBusy.
func queueable(class hal.CommandClass) bool {
	switch class {
	case hal.ClassDisconnect, hal.ClassStopDiscovery:
		return true
	}
	return false
}

// Submit accepts a command for the resource named in cmd. It never blocks:
// the result arrives on the returned handle. Fails with ErrResourceBusy when
// a same-class command is outstanding and the class does not queue, and with
// ErrOverloaded when the resource's backlog is full.
func (q *Queue) Submit(cmd hal.Command) (*Pending, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, bthost.ErrCancelled
	}
	ln, ok := q.lines[cmd.Resource]
	if !ok {
		ln = &line{}
		q.lines[cmd.Resource] = ln
	}

	if q.outstandingClassLocked(ln, cmd.Class) && !queueable(cmd.Class) {
		q.mu.Unlock()
		return nil, bthost.WrapError(bthost.ErrResourceBusy, "%s %s", cmd.Resource, cmd.Class)
	}
	if len(ln.backlog) >= q.depth {
		q.mu.Unlock()
		return nil, bthost.WrapError(bthost.ErrOverloaded, "%s backlog depth %d", cmd.Resource, q.depth)
	}

	p := &Pending{
		key:   pendingKey{resource: cmd.Resource, class: cmd.Class},
		cmd:   cmd,
		done:  make(chan Outcome, 1),
		queue: q,
	}
	var issue bool
	if ln.inflight == nil {
		ln.inflight = p
		q.armLocked(p)
		issue = true
	} else {
		ln.backlog = append(ln.backlog, p)
	}
	q.mu.Unlock()

	if issue {
		q.issue(p)
	}
	return p, nil
}

func (q *Queue) outstandingClassLocked(ln *line, class hal.CommandClass) bool {
	if ln.inflight != nil && ln.inflight.key.class == class {
		return true
	}
	for _, p := range ln.backlog {
		if p.key.class == class {
			return true
		}
	}
	return false
}

func (q *Queue) armLocked(p *Pending) {
	p.issuedAt = time.Now()
	p.timer = time.AfterFunc(q.timeout, func() { q.expire(p) })
}

// issue hands the in-flight command to the engine. Engine rejection completes
// the handle immediately and advances the line.
func (q *Queue) issue(p *Pending) {
	if err := q.engine.Issue(context.Background(), p.cmd); err != nil {
		log.Warn().
			Stringer("resource", p.cmd.Resource).
			Stringer("class", p.cmd.Class).
			Err(err).
			Msg("engine refused command")
		q.mu.Lock()
		next := q.finishLocked(p, Outcome{Err: bthost.WrapError(bthost.ErrNativeRejected, "issue %s %s: %v", p.cmd.Resource, p.cmd.Class, err)}, false)
		q.mu.Unlock()
		if next != nil {
			q.issue(next)
		}
	}
}

// expire fires when an in-flight command misses its deadline.
func (q *Queue) expire(p *Pending) {
	q.mu.Lock()
	if p.completed {
		q.mu.Unlock()
		return
	}
	log.Warn().
		Stringer("resource", p.key.resource).
		Stringer("class", p.key.class).
		Dur("deadline", q.timeout).
		Msg("command timed out")
	next := q.finishLocked(p, Outcome{Err: bthost.WrapError(bthost.ErrTimedOut, "%s %s", p.key.resource, p.key.class)}, true)
	q.mu.Unlock()
	if next != nil {
		q.issue(next)
	}
}

// finishLocked completes p, removes it from its line, and returns the next
// command to issue, if any. markStale remembers the slot so a late native
// reply is dropped instead of matched.
func (q *Queue) finishLocked(p *Pending, out Outcome, markStale bool) *Pending {
	if p.completed {
		return nil
	}
	p.completed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out

	ln := q.lines[p.key.resource]
	if ln == nil {
		return nil
	}
	if ln.inflight == p {
		if markStale {
			q.stale[p.key] = time.Now().Add(StaleWindow)
		}
		ln.inflight = nil
		if len(ln.backlog) > 0 {
			next := ln.backlog[0]
			ln.backlog = ln.backlog[1:]
			ln.inflight = next
			q.armLocked(next)
			return next
		}
		delete(q.lines, p.key.resource)
		return nil
	}
	for i, waiting := range ln.backlog {
		if waiting == p {
			ln.backlog = append(ln.backlog[:i], ln.backlog[i+1:]...)
			break
		}
	}
	if ln.inflight == nil && len(ln.backlog) == 0 {
		delete(q.lines, p.key.resource)
	}
	return nil
}

// MatchResult reports how the queue handled a native reply.
type MatchResult int

const (
	// Matched means the reply completed an in-flight command.
	Matched MatchResult = iota
	// Stale means the reply arrived for a command that already timed out or
	// was cancelled, inside the tolerated window.
	Stale
	// Unmatched means no outstanding or recently-expired command fits.
	Unmatched
)

// Complete routes a solicited native event to the in-flight command it
// answers. Replies never resurrect a completed command.
func (q *Queue) Complete(ev hal.Event) MatchResult {
	key := pendingKey{resource: ev.Resource, class: ev.Class}
	q.mu.Lock()
	q.pruneStaleLocked()
	ln := q.lines[ev.Resource]
	if ln == nil || ln.inflight == nil || ln.inflight.key != key {
		_, wasStale := q.stale[key]
		q.mu.Unlock()
		if wasStale {
			return Stale
		}
		return Unmatched
	}
	p := ln.inflight
	next := q.finishLocked(p, outcomeFor(ev), false)
	q.mu.Unlock()
	if next != nil {
		q.issue(next)
	}
	return Matched
}

func outcomeFor(ev hal.Event) Outcome {
	out := Outcome{Status: ev.Status, Payload: ev.Payload}
	switch ev.Status {
	case hal.StatusSuccess:
	case hal.StatusBusy:
		out.Err = bthost.WrapError(bthost.ErrResourceBusy, "native busy: %s %s", ev.Resource, ev.Class)
	default:
		out.Err = bthost.WrapError(bthost.ErrNativeRejected, "%s %s: %s", ev.Resource, ev.Class, ev.Status)
	}
	return out
}

func (q *Queue) pruneStaleLocked() {
	now := time.Now()
	for key, deadline := range q.stale {
		if now.After(deadline) {
			delete(q.stale, key)
		}
	}
}

func (q *Queue) cancel(p *Pending) {
	q.mu.Lock()
	next := q.finishLocked(p, Outcome{Err: bthost.WrapError(bthost.ErrCancelled, "%s %s", p.key.resource, p.key.class)}, true)
	q.mu.Unlock()
	if next != nil {
		q.issue(next)
	}
}

// CancelResource fails every outstanding command for resource with err.
func (q *Queue) CancelResource(resource hal.ResourceID, err error) {
	q.mu.Lock()
	ln := q.lines[resource]
	if ln == nil {
		q.mu.Unlock()
		return
	}
	pendings := collect(ln)
	for _, p := range pendings {
		q.finishLocked(p, Outcome{Err: err}, true)
	}
	q.mu.Unlock()
}

// CancelAll fails every outstanding command on every resource with err. Used
// when the adapter leaves the On state.
func (q *Queue) CancelAll(err error) {
	q.mu.Lock()
	var pendings []*Pending
	for _, ln := range q.lines {
		pendings = append(pendings, collect(ln)...)
	}
	for _, p := range pendings {
		q.finishLocked(p, Outcome{Err: err}, true)
	}
	q.mu.Unlock()
}

func collect(ln *line) []*Pending {
	var out []*Pending
	// Backlog first so finishing the in-flight command does not promote a
	// backlog entry that is about to be cancelled anyway.
	out = append(out, ln.backlog...)
	if ln.inflight != nil {
		out = append(out, ln.inflight)
	}
	return out
}

// Inflight returns the number of commands currently awaiting a native reply.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ln := range q.lines {
		if ln.inflight != nil {
			n++
		}
	}
	return n
}

// Close rejects future submissions and cancels everything outstanding.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.CancelAll(bthost.ErrCancelled)
}
