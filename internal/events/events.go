// Package events carries the daemon's outbound notification stream. State
// owners publish here; the management API stream and the NATS bridge
// subscribe. Delivery to subscribers is synchronous and in registration
// order, so every subscriber observes the same event sequence.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blued-org/blued/pkg/bthost"
)

// Type enumerates the outbound notification kinds.
type Type string

const (
	TypeAdapterStateChanged Type = "adapter_state_changed"
	TypeDeviceUpdated       Type = "device_updated"
	TypeDeviceRemoved       Type = "device_removed"
	TypeSessionOutcome      Type = "session_outcome"
)

// Event is a single outbound notification.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	Type    Type            `json:"type"`
	Time    time.Time       `json:"time"`
	Adapter *AdapterChange  `json:"adapter,omitempty"`
	Device  *DeviceChange   `json:"device,omitempty"`
	Session *SessionOutcome `json:"session,omitempty"`
}

// AdapterChange accompanies TypeAdapterStateChanged.
type AdapterChange struct {
	Info  bthost.AdapterInfo `json:"info"`
	Fault string             `json:"fault,omitempty"`
}

// DeviceChange accompanies TypeDeviceUpdated and TypeDeviceRemoved.
type DeviceChange struct {
	Address bthost.Address       `json:"address"`
	Record  *bthost.DeviceRecord `json:"record,omitempty"`
}

// SessionOutcome accompanies TypeSessionOutcome.
type SessionOutcome struct {
	SessionID uuid.UUID      `json:"session_id"`
	Address   bthost.Address `json:"address"`
	Operation string         `json:"operation"`
	Profile   bthost.Profile `json:"profile,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// Subscriber receives published events. Handle must not block; slow consumers
// buffer internally.
type Subscriber interface {
	Handle(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

func (f SubscriberFunc) Handle(ev Event) { f(ev) }

// Hub fans events out to subscribers in registration order.
type Hub struct {
	mu   sync.Mutex
	subs []Subscriber
}

func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers sub. Subscribers cannot be removed; they live as long
// as the daemon.
func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
}

// Publish stamps ev with an ID and timestamp and delivers it to every
// subscriber in registration order.
func (h *Hub) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	subs := append([]Subscriber(nil), h.subs...)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Handle(ev)
	}
}

// AdapterStateChanged publishes an adapter notification.
func (h *Hub) AdapterStateChanged(info bthost.AdapterInfo, fault string) {
	h.Publish(Event{Type: TypeAdapterStateChanged, Adapter: &AdapterChange{Info: info, Fault: fault}})
}

// DeviceUpdated publishes a device change with its current record.
func (h *Hub) DeviceUpdated(record *bthost.DeviceRecord) {
	h.Publish(Event{Type: TypeDeviceUpdated, Device: &DeviceChange{Address: record.Address, Record: record}})
}

// DeviceRemoved publishes a device removal.
func (h *Hub) DeviceRemoved(addr bthost.Address) {
	h.Publish(Event{Type: TypeDeviceRemoved, Device: &DeviceChange{Address: addr}})
}

// SessionFinished publishes a session outcome.
func (h *Hub) SessionFinished(outcome SessionOutcome) {
	h.Publish(Event{Type: TypeSessionOutcome, Session: &outcome})
}
