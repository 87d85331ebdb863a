package cmdq

import (
	"errors"
	"testing"
	"time"

	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
	"github.com/blued-org/blued/pkg/hal/sim"
)

var testAddr = bthost.Address{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22}

func deviceCmd(class hal.CommandClass) hal.Command {
	return hal.Command{Resource: hal.DeviceResource(testAddr, bthost.ProfileA2DP), Class: class}
}

func waitOutcome(t *testing.T, p *Pending) Outcome {
	t.Helper()
	select {
	case out := <-p.Done():
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome for %s", p.Command().Class)
		return Outcome{}
	}
}

func TestSubmitCompletesThroughEngineReply(t *testing.T) {
	engine := sim.New(0)
	defer engine.Close()
	q := New(engine)
	defer q.Close()

	p, err := q.Submit(deviceCmd(hal.ClassConnect))
	if err != nil {
		t.Fatalf("Submit: %s", err)
	}
	// The sim engine replies on its own; route it back like the router would.
	ev := <-engine.Events()
	if got := q.Complete(ev); got != Matched {
		t.Fatalf("expected Matched, got %v", got)
	}
	out := waitOutcome(t, p)
	if out.Err != nil {
		t.Errorf("unexpected error: %s", out.Err)
	}
	if q.Inflight() != 0 {
		t.Errorf("expected no in-flight commands, have %d", q.Inflight())
	}
}

func TestDuplicateClassBusy(t *testing.T) {
	engine := sim.New(0)
	engine.SetBehavior(hal.ClassPair, sim.Behavior{Silent: true})
	defer engine.Close()
	q := New(engine)
	defer q.Close()

	if _, err := q.Submit(deviceCmd(hal.ClassPair)); err != nil {
		t.Fatalf("Submit: %s", err)
	}
	if _, err := q.Submit(deviceCmd(hal.ClassPair)); !errors.Is(err, bthost.ErrResourceBusy) {
		t.Errorf("expected ErrResourceBusy, got %v", err)
	}
	// Only one in-flight command per (resource, class) at any instant.
	if q.Inflight() != 1 {
		t.Errorf("expected 1 in-flight command, have %d", q.Inflight())
	}
	if n := len(engine.IssuedOf(hal.ClassPair)); n != 1 {
		t.Errorf("engine saw %d pair commands, want 1", n)
	}
}

func TestQueueableClassLinesUp(t *testing.T) {
	engine := sim.New(0)
	engine.SetBehavior(hal.ClassConnect, sim.Behavior{Silent: true})
	defer engine.Close()
	q := New(engine)
	defer q.Close()

	connect, err := q.Submit(deviceCmd(hal.ClassConnect))
	if err != nil {
		t.Fatalf("Submit connect: %s", err)
	}
	disconnect, err := q.Submit(deviceCmd(hal.ClassDisconnect))
	if err != nil {
		t.Fatalf("Submit disconnect: %s", err)
	}
	// The disconnect must not reach the engine while connect is in flight.
	if n := len(engine.IssuedOf(hal.ClassDisconnect)); n != 0 {
		t.Fatalf("disconnect issued mid-connect")
	}
	q.Complete(hal.Event{
		Resource: connect.Command().Resource,
		Kind:     hal.KindCommandComplete,
		Class:    hal.ClassConnect,
		Status:   hal.StatusSuccess,
	})
	waitOutcome(t, connect)

	ev := <-engine.Events() // disconnect reply, issued only after connect completed
	if ev.Class != hal.ClassDisconnect {
		t.Fatalf("expected disconnect reply, got %s", ev.Class)
	}
	q.Complete(ev)
	if out := waitOutcome(t, disconnect); out.Err != nil {
		t.Errorf("disconnect failed: %s", out.Err)
	}
}

func TestBacklogOverflow(t *testing.T) {
	engine := sim.New(0)
	engine.SetHandler(func(hal.Command) (hal.Event, bool) { return hal.Event{}, false })
	defer engine.Close()
	q := New(engine, WithBacklogDepth(8))
	defer q.Close()

	// One in-flight plus a full backlog of eight.
	classes := []hal.CommandClass{
		hal.ClassConnect, hal.ClassDisconnect, hal.ClassPair, hal.ClassUnpair,
		hal.ClassKeyExchange, hal.ClassCancelPair, hal.ClassStartDiscovery,
		hal.ClassStopDiscovery,
	}
	res := hal.DeviceResource(testAddr, bthost.ProfileA2DP)
	if _, err := q.Submit(hal.Command{Resource: res, Class: hal.ClassNone}); err != nil {
		t.Fatalf("Submit in-flight: %s", err)
	}
	for _, class := range classes {
		if _, err := q.Submit(hal.Command{Resource: res, Class: class}); err != nil {
			t.Fatalf("Submit %s: %s", class, err)
		}
	}
	if _, err := q.Submit(hal.Command{Resource: res, Class: hal.ClassDisconnect}); !errors.Is(err, bthost.ErrOverloaded) {
		t.Errorf("expected ErrOverloaded, got %v", err)
	}

	// Other resources are unaffected.
	other := hal.DeviceResource(bthost.Address{1, 2, 3, 4, 5, 6}, bthost.ProfileHID)
	if _, err := q.Submit(hal.Command{Resource: other, Class: hal.ClassConnect}); err != nil {
		t.Errorf("unrelated resource rejected: %s", err)
	}
}

func TestTimeoutAdvancesQueue(t *testing.T) {
	engine := sim.New(0)
	engine.SetBehavior(hal.ClassPair, sim.Behavior{Silent: true})
	defer engine.Close()
	q := New(engine, WithTimeout(20*time.Millisecond))
	defer q.Close()

	res := hal.DeviceResource(testAddr, "")
	pair, err := q.Submit(hal.Command{Resource: res, Class: hal.ClassPair})
	if err != nil {
		t.Fatalf("Submit pair: %s", err)
	}
	unpair, err := q.Submit(hal.Command{Resource: res, Class: hal.ClassUnpair})
	if err != nil {
		t.Fatalf("Submit unpair: %s", err)
	}

	out := waitOutcome(t, pair)
	if !errors.Is(out.Err, bthost.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", out.Err)
	}
	// The queue advanced: unpair reached the engine and completes normally.
	ev := <-engine.Events()
	if ev.Class != hal.ClassUnpair {
		t.Fatalf("expected unpair reply, got %s", ev.Class)
	}
	q.Complete(ev)
	if out := waitOutcome(t, unpair); out.Err != nil {
		t.Errorf("unpair failed: %s", out.Err)
	}
}

func TestLateReplyIsStale(t *testing.T) {
	engine := sim.New(0)
	engine.SetBehavior(hal.ClassPair, sim.Behavior{Silent: true})
	defer engine.Close()
	q := New(engine, WithTimeout(10*time.Millisecond))
	defer q.Close()

	res := hal.DeviceResource(testAddr, "")
	pair, err := q.Submit(hal.Command{Resource: res, Class: hal.ClassPair})
	if err != nil {
		t.Fatalf("Submit: %s", err)
	}
	waitOutcome(t, pair)

	late := hal.Event{Resource: res, Kind: hal.KindCommandComplete, Class: hal.ClassPair, Status: hal.StatusSuccess}
	if got := q.Complete(late); got != Stale {
		t.Errorf("expected Stale, got %v", got)
	}
	// A second outcome must never appear.
	select {
	case out := <-pair.Done():
		t.Errorf("completed command resurrected: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplyForUnknownResourceUnmatched(t *testing.T) {
	engine := sim.New(0)
	defer engine.Close()
	q := New(engine)
	defer q.Close()

	ev := hal.Event{
		Resource: hal.DeviceResource(testAddr, bthost.ProfileHFP),
		Kind:     hal.KindCommandComplete,
		Class:    hal.ClassConnect,
		Status:   hal.StatusSuccess,
	}
	if got := q.Complete(ev); got != Unmatched {
		t.Errorf("expected Unmatched, got %v", got)
	}
}

func TestCancelInFlight(t *testing.T) {
	engine := sim.New(0)
	engine.SetBehavior(hal.ClassConnect, sim.Behavior{Silent: true})
	defer engine.Close()
	q := New(engine)
	defer q.Close()

	p, err := q.Submit(deviceCmd(hal.ClassConnect))
	if err != nil {
		t.Fatalf("Submit: %s", err)
	}
	p.Cancel()
	out := waitOutcome(t, p)
	if !errors.Is(out.Err, bthost.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", out.Err)
	}
	if q.Inflight() != 0 {
		t.Errorf("expected no in-flight commands after cancel")
	}
}

func TestCancelAllDrainsEveryResource(t *testing.T) {
	engine := sim.New(0)
	engine.SetHandler(func(hal.Command) (hal.Event, bool) { return hal.Event{}, false })
	defer engine.Close()
	q := New(engine)

	var handles []*Pending
	for i := 0; i < 3; i++ {
		addr := bthost.Address{byte(i), 1, 2, 3, 4, 5}
		p, err := q.Submit(hal.Command{Resource: hal.DeviceResource(addr, bthost.ProfileA2DP), Class: hal.ClassConnect})
		if err != nil {
			t.Fatalf("Submit: %s", err)
		}
		handles = append(handles, p)
	}
	q.CancelAll(bthost.ErrAdapterShuttingDown)
	for _, p := range handles {
		out := waitOutcome(t, p)
		if !errors.Is(out.Err, bthost.ErrAdapterShuttingDown) {
			t.Errorf("expected ErrAdapterShuttingDown, got %v", out.Err)
		}
	}
	if q.Inflight() != 0 {
		t.Errorf("in-flight commands survived CancelAll: %d", q.Inflight())
	}
}
