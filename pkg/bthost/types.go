// Package bthost defines the shared domain model of the host orchestration
// layer: device addresses, profile identifiers, adapter and device state
// enums, and the error taxonomy used across components.
package bthost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AddressLength is the byte length of a Bluetooth device address (BD_ADDR).
const AddressLength = 6

// Address identifies a remote device or the local adapter.
type Address [AddressLength]byte

// ParseAddress parses the colon-separated form, e.g. "AA:BB:CC:DD:EE:FF".
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ":")
	if len(parts) != AddressLength {
		return addr, fmt.Errorf("invalid address %q", s)
	}
	for i, part := range parts {
		var b byte
		if _, err := fmt.Sscanf(part, "%02X", &b); err != nil {
			if _, err := fmt.Sscanf(part, "%02x", &b); err != nil {
				return addr, fmt.Errorf("invalid address %q", s)
			}
		}
		addr[i] = b
	}
	return addr, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether a is the all-zero address, used as the adapter's own
// resource identifier.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Profile identifies a Bluetooth service profile on a remote device.
type Profile string

const (
	ProfileA2DP  Profile = "a2dp"
	ProfileAVRCP Profile = "avrcp"
	ProfileHFP   Profile = "hfp"
	ProfileHID   Profile = "hid"
	ProfileSPP   Profile = "spp"
	ProfileGATT  Profile = "gatt"
)

// ProfileRequiresBonding reports whether p may only be connected after the
// device has been bonded. GATT allows unauthenticated connections for open
// characteristics; everything else needs link-level security.
func ProfileRequiresBonding(p Profile) bool {
	return p != ProfileGATT
}

// BondState describes the pairing relationship with a remote device.
type BondState int

const (
	NotBonded BondState = iota
	Pairing
	ExchangingKeys
	Bonded
)

var bondStateNames = map[BondState]string{
	NotBonded:      "not_bonded",
	Pairing:        "pairing",
	ExchangingKeys: "exchanging_keys",
	Bonded:         "bonded",
}

func (s BondState) String() string {
	if name, ok := bondStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("bond_state(%d)", int(s))
}

func (s BondState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *BondState) UnmarshalJSON(data []byte) error { return unmarshalEnum(data, bondStateNames, s) }

// Terminal reports whether s is a resting state rather than a mid-session one.
func (s BondState) Terminal() bool {
	return s == NotBonded || s == Bonded
}

// ConnState describes the connection lifecycle of a device+profile pair.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

var connStateNames = map[ConnState]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
}

func (s ConnState) String() string {
	if name, ok := connStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("conn_state(%d)", int(s))
}

func (s ConnState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ConnState) UnmarshalJSON(data []byte) error { return unmarshalEnum(data, connStateNames, s) }

// Terminal reports whether s is a resting state rather than a mid-session one.
func (s ConnState) Terminal() bool {
	return s == Disconnected || s == Connected
}

// PowerState describes the adapter lifecycle.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerTurningOn
	PowerOn
	PowerTurningOff
)

var powerStateNames = map[PowerState]string{
	PowerOff:        "off",
	PowerTurningOn:  "turning_on",
	PowerOn:         "on",
	PowerTurningOff: "turning_off",
}

func (s PowerState) String() string {
	if name, ok := powerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("power_state(%d)", int(s))
}

func (s PowerState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *PowerState) UnmarshalJSON(data []byte) error { return unmarshalEnum(data, powerStateNames, s) }

func unmarshalEnum[E comparable](data []byte, names map[E]string, out *E) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for v, name := range names {
		if name == s {
			*out = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized value %q", s)
}

// DeviceRecord is the registry's view of a known remote device. Connections
// are tracked per profile; bonding is a property of the device as a whole.
type DeviceRecord struct {
	Address     Address               `json:"address"`
	Name        string                `json:"name,omitempty"`
	BondState   BondState             `json:"bond_state"`
	Connections map[Profile]ConnState `json:"connections,omitempty"`
	Profiles    []Profile             `json:"profiles,omitempty"`
	RSSI        int16                 `json:"rssi,omitempty"`
	LastSeen    time.Time             `json:"last_seen,omitempty"`
	Persisted   bool                  `json:"persisted"`
}

// ConnStateOf returns the connection state for profile, Disconnected if the
// profile has never been seen.
func (d *DeviceRecord) ConnStateOf(profile Profile) ConnState {
	if d.Connections == nil {
		return Disconnected
	}
	return d.Connections[profile]
}

// Clone returns a deep copy so callers can hand records across goroutines
// without aliasing registry state.
func (d *DeviceRecord) Clone() *DeviceRecord {
	out := *d
	if d.Connections != nil {
		out.Connections = make(map[Profile]ConnState, len(d.Connections))
		for p, s := range d.Connections {
			out.Connections[p] = s
		}
	}
	out.Profiles = append([]Profile(nil), d.Profiles...)
	return &out
}

// AdapterInfo is the externally visible adapter state.
type AdapterInfo struct {
	Address      Address    `json:"address"`
	Name         string     `json:"name,omitempty"`
	Power        PowerState `json:"power"`
	Discoverable bool       `json:"discoverable"`
	Connectable  bool       `json:"connectable"`
}
