// Package hal defines the boundary toward the native link/protocol engine.
// The engine owns the radio and the low-level protocol state machines; this
// package only names the commands the host layer can issue and the events the
// engine delivers back. Payloads are opaque typed values, never wire bytes.
package hal

import (
	"context"
	"fmt"

	"github.com/blued-org/blued/pkg/bthost"
)

// CommandClass identifies what a command asks the engine to do. The engine
// accepts at most one in-flight command per (resource, class); correlation of
// replies relies on that single-slot discipline because the native interface
// carries no request IDs.
type CommandClass int

const (
	ClassNone CommandClass = iota
	ClassPowerOn
	ClassPowerOff
	ClassStartDiscovery
	ClassStopDiscovery
	ClassPair
	ClassCancelPair
	ClassKeyExchange
	ClassConnect
	ClassDisconnect
	ClassUnpair
)

var classNames = map[CommandClass]string{
	ClassNone:           "none",
	ClassPowerOn:        "power_on",
	ClassPowerOff:       "power_off",
	ClassStartDiscovery: "start_discovery",
	ClassStopDiscovery:  "stop_discovery",
	ClassPair:           "pair",
	ClassCancelPair:     "cancel_pair",
	ClassKeyExchange:    "key_exchange",
	ClassConnect:        "connect",
	ClassDisconnect:     "disconnect",
	ClassUnpair:         "unpair",
}

func (c CommandClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ResourceID is the unit of command serialization: the adapter itself (zero
// address) or a specific device+profile pair.
type ResourceID struct {
	Address bthost.Address
	Profile bthost.Profile
}

// AdapterResource is the resource identifier for adapter-level commands.
var AdapterResource = ResourceID{}

// DeviceResource builds the resource identifier for a device+profile pair.
// Commands that act on the device as a whole (pairing) use an empty profile.
func DeviceResource(addr bthost.Address, profile bthost.Profile) ResourceID {
	return ResourceID{Address: addr, Profile: profile}
}

func (r ResourceID) IsAdapter() bool { return r.Address.IsZero() }

func (r ResourceID) String() string {
	if r.IsAdapter() {
		return "adapter"
	}
	if r.Profile == "" {
		return r.Address.String()
	}
	return fmt.Sprintf("%s/%s", r.Address, r.Profile)
}

// Command is a single request toward the native engine.
type Command struct {
	Resource ResourceID
	Class    CommandClass
	Payload  any
}

// Status is the engine's verdict on a completed command.
type Status int

const (
	StatusSuccess Status = iota
	StatusRejected
	StatusAuthFailed
	StatusBusy
)

var statusNames = map[Status]string{
	StatusSuccess:    "success",
	StatusRejected:   "rejected",
	StatusAuthFailed: "auth_failed",
	StatusBusy:       "busy",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// EventKind distinguishes command replies from unsolicited notifications.
type EventKind int

const (
	// KindCommandComplete is the reply to a previously issued command,
	// identified by (Resource, Class).
	KindCommandComplete EventKind = iota
	// KindDeviceFound reports a discovery result. Unsolicited.
	KindDeviceFound
	// KindDisconnected reports a spontaneous link loss. Unsolicited.
	KindDisconnected
	// KindAdapterFault reports a controller-level fault. Unsolicited.
	KindAdapterFault
)

var kindNames = map[EventKind]string{
	KindCommandComplete: "command_complete",
	KindDeviceFound:     "device_found",
	KindDisconnected:    "disconnected",
	KindAdapterFault:    "adapter_fault",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a native-engine callback: either the reply to a command or an
// unsolicited notification.
type Event struct {
	Resource ResourceID
	Kind     EventKind
	// Class is set for KindCommandComplete and names the command being
	// answered. Zero for unsolicited events.
	Class   CommandClass
	Status  Status
	Payload any
}

// DeviceFoundPayload accompanies KindDeviceFound events.
type DeviceFoundPayload struct {
	Name     string
	RSSI     int16
	Profiles []bthost.Profile
}

// Engine is the consumed native-engine interface.
//
// Issue enqueues a command; the result, if any, arrives later as a
// KindCommandComplete event on Events. An Issue error means the engine never
// accepted the command. Implementations must be safe for concurrent use.
type Engine interface {
	Issue(ctx context.Context, cmd Command) error
	Events() <-chan Event
	Close()
}
