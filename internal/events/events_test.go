package events

import (
	"testing"

	"github.com/google/uuid"

	"github.com/blued-org/blued/pkg/bthost"
)

func TestPublishStampsAndFansOutInOrder(t *testing.T) {
	hub := NewHub()
	var first, second []Type
	hub.Subscribe(SubscriberFunc(func(ev Event) { first = append(first, ev.Type) }))
	hub.Subscribe(SubscriberFunc(func(ev Event) { second = append(second, ev.Type) }))

	addr, _ := bthost.ParseAddress("AA:BB:CC:DD:EE:FF")
	hub.DeviceRemoved(addr)
	hub.AdapterStateChanged(bthost.AdapterInfo{Power: bthost.PowerOn}, "")

	want := []Type{TypeDeviceRemoved, TypeAdapterStateChanged}
	for i, seq := range [][]Type{first, second} {
		if len(seq) != len(want) {
			t.Fatalf("subscriber %d saw %d events, want %d", i, len(seq), len(want))
		}
		for j := range want {
			if seq[j] != want[j] {
				t.Fatalf("subscriber %d event %d = %s, want %s", i, j, seq[j], want[j])
			}
		}
	}
}

func TestPublishAssignsIdentity(t *testing.T) {
	hub := NewHub()
	var got Event
	hub.Subscribe(SubscriberFunc(func(ev Event) { got = ev }))

	hub.SessionFinished(SessionOutcome{Operation: "bond", Success: true})
	if got.ID == uuid.Nil {
		t.Fatal("event published without an ID")
	}
	if got.Time.IsZero() {
		t.Fatal("event published without a timestamp")
	}
	if got.Session == nil || got.Session.Operation != "bond" {
		t.Fatalf("session payload = %+v", got.Session)
	}
}
