// Package router receives native-engine events and dispatches them: replies
// complete the matching in-flight command, unsolicited events fan out to
// subscribers in a fixed order.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/pkg/hal"
)

// Subscriber consumes unsolicited native events. Handlers run on the router
// goroutine and must not block.
type Subscriber interface {
	HandleNative(hal.Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(hal.Event)

func (f SubscriberFunc) HandleNative(ev hal.Event) { f(ev) }

// Router drains the engine's event stream.
type Router struct {
	engine hal.Engine
	queue  *cmdq.Queue

	mu   sync.Mutex
	subs []Subscriber
}

func New(engine hal.Engine, queue *cmdq.Queue) *Router {
	return &Router{engine: engine, queue: queue}
}

// Subscribe registers sub for unsolicited events. Registration order is
// delivery order: the daemon registers the device registry before the
// session manager, so the registry always observes a disconnect first.
func (r *Router) Subscribe(sub Subscriber) {
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
}

// Run consumes events until ctx is cancelled or the engine closes its
// stream. It returns ctx.Err on cancellation, nil on stream close.
func (r *Router) Run(ctx context.Context) error {
	log.Info().Msg("callback router started")
	for {
		select {
		case ev, open := <-r.engine.Events():
			if !open {
				log.Info().Msg("native event stream closed")
				return nil
			}
			r.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) dispatch(ev hal.Event) {
	if ev.Kind == hal.KindCommandComplete {
		switch r.queue.Complete(ev) {
		case cmdq.Matched:
		case cmdq.Stale:
			log.Debug().
				Stringer("resource", ev.Resource).
				Stringer("class", ev.Class).
				Msg("dropping late reply to expired command")
		case cmdq.Unmatched:
			log.Warn().
				Stringer("resource", ev.Resource).
				Stringer("class", ev.Class).
				Msg("dropping reply without matching command")
		}
		return
	}

	r.mu.Lock()
	subs := append([]Subscriber(nil), r.subs...)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.HandleNative(ev)
	}
}
