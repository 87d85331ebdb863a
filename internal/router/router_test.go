package router

import (
	"context"
	"testing"
	"time"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
	"github.com/blued-org/blued/pkg/hal/sim"
)

func start(t *testing.T) (*sim.Engine, *cmdq.Queue, *Router) {
	t.Helper()
	engine := sim.New(0)
	queue := cmdq.New(engine)
	rt := New(engine, queue)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		queue.Close()
		engine.Close()
	})
	return engine, queue, rt
}

func TestRepliesCompleteCommands(t *testing.T) {
	engine, queue, _ := start(t)
	engine.SetBehavior(hal.ClassPowerOn, sim.Behavior{Latency: time.Millisecond})

	pending, err := queue.Submit(hal.Command{Resource: hal.AdapterResource, Class: hal.ClassPowerOn})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case out := <-pending.Done():
		if out.Err != nil {
			t.Fatalf("outcome = %v", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never routed")
	}
}

func TestUnsolicitedEventsFanOutInSubscriptionOrder(t *testing.T) {
	engine, _, rt := start(t)

	order := make(chan int, 4)
	rt.Subscribe(SubscriberFunc(func(ev hal.Event) { order <- 1 }))
	rt.Subscribe(SubscriberFunc(func(ev hal.Event) { order <- 2 }))

	addr, _ := bthost.ParseAddress("AA:BB:CC:DD:EE:FF")
	engine.Emit(hal.Event{Resource: hal.DeviceResource(addr, bthost.ProfileA2DP), Kind: hal.KindDisconnected})

	for _, want := range []int{1, 2} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("delivery order %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never delivered")
		}
	}
}

func TestRepliesDoNotReachSubscribers(t *testing.T) {
	_, queue, rt := start(t)

	leaked := make(chan hal.Event, 1)
	rt.Subscribe(SubscriberFunc(func(ev hal.Event) { leaked <- ev }))

	pending, err := queue.Submit(hal.Command{Resource: hal.AdapterResource, Class: hal.ClassStartDiscovery})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-pending.Done()

	select {
	case ev := <-leaked:
		t.Fatalf("solicited reply leaked to subscribers: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
