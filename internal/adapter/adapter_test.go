package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blued-org/blued/internal/cmdq"
	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/internal/router"
	"github.com/blued-org/blued/internal/storage"
	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
	"github.com/blued-org/blued/pkg/hal/sim"
)

type canceller struct {
	mu      sync.Mutex
	reasons []error
}

func (c *canceller) CancelAll(reason error) {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}

func (c *canceller) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

type fixture struct {
	engine   *sim.Engine
	queue    *cmdq.Queue
	store    *storage.MemoryStore
	reg      *registry.Registry
	machine  *Machine
	sessions *canceller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		engine:   sim.New(time.Millisecond),
		store:    storage.NewMemoryStore(),
		sessions: &canceller{},
	}
	hub := events.NewHub()
	f.queue = cmdq.New(f.engine)
	f.reg = registry.New(f.store, hub)
	f.machine = New(f.queue, f.reg, hub, opts...)
	f.machine.SetSessionCanceller(f.sessions)

	rt := router.New(f.engine, f.queue)
	rt.Subscribe(f.reg)
	rt.Subscribe(f.machine)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		f.queue.Close()
		f.engine.Close()
	})
	return f
}

func TestPowerOnOffCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if got := f.machine.State(); got != bthost.PowerOn {
		t.Fatalf("state = %s, want %s", got, bthost.PowerOn)
	}
	if err := f.machine.Ready(); err != nil {
		t.Fatalf("Ready after power on: %v", err)
	}

	if err := f.machine.SetPower(ctx, false); err != nil {
		t.Fatalf("power off: %v", err)
	}
	if got := f.machine.State(); got != bthost.PowerOff {
		t.Fatalf("state = %s, want %s", got, bthost.PowerOff)
	}
	issued := f.engine.Issued()
	if len(issued) != 2 || issued[0].Class != hal.ClassPowerOn || issued[1].Class != hal.ClassPowerOff {
		t.Fatalf("issued = %v, want [power_on power_off]", issued)
	}
}

func TestSetPowerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.machine.SetPower(ctx, false); err != nil {
		t.Fatalf("power off while off: %v", err)
	}
	if got := len(f.engine.Issued()); got != 0 {
		t.Fatalf("commands issued = %d, want 0", got)
	}
	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on while on: %v", err)
	}
	if got := len(f.engine.Issued()); got != 1 {
		t.Fatalf("commands issued = %d, want 1", got)
	}
}

func TestDeviceOperationsRejectedWhileOff(t *testing.T) {
	f := newFixture(t)

	if err := f.machine.Ready(); !errors.Is(err, bthost.ErrAdapterNotReady) {
		t.Fatalf("Ready while off = %v, want ErrAdapterNotReady", err)
	}
	if err := f.machine.StartDiscovery(context.Background()); !errors.Is(err, bthost.ErrAdapterNotReady) {
		t.Fatalf("StartDiscovery while off = %v, want ErrAdapterNotReady", err)
	}
	if got := len(f.engine.Issued()); got != 0 {
		t.Fatalf("commands issued = %d, want 0", got)
	}
}

func TestStuckTurnOnForcesOff(t *testing.T) {
	f := newFixture(t, WithTransitionTimeout(30*time.Millisecond))
	f.engine.SetBehavior(hal.ClassPowerOn, sim.Behavior{Silent: true})

	err := f.machine.SetPower(context.Background(), true)
	if !errors.Is(err, bthost.ErrTimedOut) {
		t.Fatalf("power on = %v, want ErrTimedOut", err)
	}
	if got := f.machine.State(); got != bthost.PowerOff {
		t.Fatalf("state after stuck transition = %s, want %s", got, bthost.PowerOff)
	}
}

func TestPowerOffCancelsSessionsAndCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}

	addr, _ := bthost.ParseAddress("AA:BB:CC:DD:EE:01")
	bonded := bthost.Bonded
	connected := bthost.Connected
	if _, err := f.reg.Upsert(ctx, addr, registry.Patch{BondState: &bonded}); err != nil {
		t.Fatalf("Upsert bond: %v", err)
	}
	if _, err := f.reg.Upsert(ctx, addr, registry.Patch{
		Conn: &registry.ConnPatch{Profile: bthost.ProfileA2DP, State: connected},
	}); err != nil {
		t.Fatalf("Upsert conn: %v", err)
	}

	f.engine.SetBehavior(hal.ClassConnect, sim.Behavior{Silent: true})
	pending, err := f.queue.Submit(hal.Command{
		Resource: hal.DeviceResource(addr, bthost.ProfileA2DP),
		Class:    hal.ClassConnect,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.machine.SetPower(ctx, false); err != nil {
		t.Fatalf("power off: %v", err)
	}
	if f.sessions.calls() == 0 {
		t.Fatal("sessions were not cancelled on power off")
	}
	out := <-pending.Done()
	if !errors.Is(out.Err, bthost.ErrAdapterShuttingDown) {
		t.Fatalf("in-flight command outcome = %v, want ErrAdapterShuttingDown", out.Err)
	}
	if got := f.reg.Get(addr).ConnStateOf(bthost.ProfileA2DP); got != bthost.Disconnected {
		t.Fatalf("conn state after power off = %s, want %s", got, bthost.Disconnected)
	}
	if got := f.reg.Get(addr).BondState; got != bthost.Bonded {
		t.Fatalf("bond state after power off = %s, want %s", got, bthost.Bonded)
	}
}

func TestPowerOnReconcilesBondedDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr, _ := bthost.ParseAddress("AA:BB:CC:DD:EE:02")
	if err := f.store.Save(ctx, &bthost.DeviceRecord{
		Address:   addr,
		Name:      "headset",
		BondState: bthost.Bonded,
		Profiles:  []bthost.Profile{bthost.ProfileA2DP},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}
	rec := f.reg.Get(addr)
	if rec == nil {
		t.Fatal("bonded device not reconciled into registry")
	}
	if rec.BondState != bthost.Bonded || rec.Name != "headset" {
		t.Fatalf("reconciled record = %+v", rec)
	}
	if got := rec.ConnStateOf(bthost.ProfileA2DP); got != bthost.Disconnected {
		t.Fatalf("reconciled conn state = %s, want %s", got, bthost.Disconnected)
	}
}

func TestDiscoveryTogglesDiscoverable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}

	if err := f.machine.StartDiscovery(ctx); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if !f.machine.Info().Discoverable {
		t.Fatal("adapter not discoverable after StartDiscovery")
	}
	if err := f.machine.StopDiscovery(ctx); err != nil {
		t.Fatalf("StopDiscovery: %v", err)
	}
	if f.machine.Info().Discoverable {
		t.Fatal("adapter still discoverable after StopDiscovery")
	}
}

func TestAdapterFaultForcesOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.machine.SetPower(ctx, true); err != nil {
		t.Fatalf("power on: %v", err)
	}

	f.engine.Emit(hal.Event{Kind: hal.KindAdapterFault, Payload: "controller lockup"})
	deadline := time.Now().Add(2 * time.Second)
	for f.machine.State() != bthost.PowerOff {
		if time.Now().After(deadline) {
			t.Fatal("adapter did not force off after fault")
		}
		time.Sleep(time.Millisecond)
	}
	if f.sessions.calls() == 0 {
		t.Fatal("sessions were not cancelled on fault")
	}
}
