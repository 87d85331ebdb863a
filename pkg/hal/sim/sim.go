// Package sim provides an in-memory hal.Engine. The daemon uses it in
// -simulate mode; tests use it to script native-stack behavior.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blued-org/blued/pkg/hal"
)

const eventBufferSize = 32

// Behavior describes how the engine answers one command class.
type Behavior struct {
	// Status of the reply. Ignored when Silent.
	Status hal.Status
	// Latency before the reply is delivered.
	Latency time.Duration
	// Silent suppresses the reply entirely, simulating a lost callback.
	Silent bool
}

// Engine is a scripted stand-in for the native link engine. The zero-value
// behavior answers every command with StatusSuccess after Latency.
type Engine struct {
	mu        sync.Mutex
	behaviors map[hal.CommandClass]Behavior
	latency   time.Duration
	handler   func(hal.Command) (hal.Event, bool)
	issued    []hal.Command
	closed    bool

	events chan hal.Event
	done   chan struct{}
}

// New creates an Engine whose commands all succeed after latency.
func New(latency time.Duration) *Engine {
	return &Engine{
		behaviors: make(map[hal.CommandClass]Behavior),
		latency:   latency,
		events:    make(chan hal.Event, eventBufferSize),
		done:      make(chan struct{}),
	}
}

// SetBehavior scripts the reply for a command class.
func (e *Engine) SetBehavior(class hal.CommandClass, b Behavior) {
	e.mu.Lock()
	e.behaviors[class] = b
	e.mu.Unlock()
}

// SetHandler installs a callback that fully determines replies. Returning
// ok=false suppresses the reply. Overrides scripted behaviors.
func (e *Engine) SetHandler(fn func(hal.Command) (hal.Event, bool)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Issued returns a copy of every command accepted so far, in order.
func (e *Engine) Issued() []hal.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hal.Command(nil), e.issued...)
}

// IssuedOf returns the accepted commands of one class.
func (e *Engine) IssuedOf(class hal.CommandClass) []hal.Command {
	var out []hal.Command
	for _, cmd := range e.Issued() {
		if cmd.Class == class {
			out = append(out, cmd)
		}
	}
	return out
}

// Emit injects an unsolicited event, as the native stack would on a
// spontaneous disconnect or discovery result.
func (e *Engine) Emit(ev hal.Event) {
	e.deliver(ev, 0)
}

func (e *Engine) Issue(ctx context.Context, cmd hal.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("sim: engine closed")
	}
	e.issued = append(e.issued, cmd)
	handler := e.handler
	behavior, scripted := e.behaviors[cmd.Class]
	latency := e.latency
	e.mu.Unlock()

	if handler != nil {
		go func() {
			if reply, ok := handler(cmd); ok {
				e.deliver(reply, latency)
			}
		}()
		return nil
	}
	if scripted && behavior.Silent {
		return nil
	}
	reply := hal.Event{
		Resource: cmd.Resource,
		Kind:     hal.KindCommandComplete,
		Class:    cmd.Class,
		Status:   hal.StatusSuccess,
	}
	if scripted {
		reply.Status = behavior.Status
		if behavior.Latency > 0 {
			latency = behavior.Latency
		}
	}
	go e.deliver(reply, latency)
	return nil
}

func (e *Engine) deliver(ev hal.Event, after time.Duration) {
	if after > 0 {
		time.Sleep(after)
	}
	select {
	case <-e.done:
	case e.events <- ev:
	}
}

func (e *Engine) Events() <-chan hal.Event {
	return e.events
}

// Close is idempotent. Events emitted after Close are dropped; the events
// channel itself stays open, consumers stop through their own context.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}
