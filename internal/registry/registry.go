// Package registry holds the authoritative in-memory model of known remote
// devices. All mutations pass through one serialization point; no other
// component touches device state directly.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/storage"
	"github.com/blued-org/blued/pkg/bthost"
)

// Patch is a partial device update. Nil fields are left untouched.
type Patch struct {
	Name      *string
	BondState *bthost.BondState
	Conn      *ConnPatch
	Profiles  []bthost.Profile
	RSSI      *int16
	LastSeen  *time.Time
}

// ConnPatch updates the connection state of one profile.
type ConnPatch struct {
	Profile bthost.Profile
	State   bthost.ConnState
}

// Filter selects devices for List.
type Filter struct {
	BondedOnly    bool
	ConnectedOnly bool
}

// Registry owns the device table, backed by the persistence collaborator for
// bonded devices.
type Registry struct {
	store storage.Store
	hub   *events.Hub

	mu      sync.Mutex
	devices map[bthost.Address]*bthost.DeviceRecord
}

func New(store storage.Store, hub *events.Hub) *Registry {
	return &Registry{
		store:   store,
		hub:     hub,
		devices: make(map[bthost.Address]*bthost.DeviceRecord),
	}
}

// Get returns a copy of the record for addr, or nil if unknown.
func (r *Registry) Get(addr bthost.Address) *bthost.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[addr]; ok {
		return rec.Clone()
	}
	return nil
}

// List returns copies of the records matching filter, in no particular order.
func (r *Registry) List(filter Filter) []*bthost.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bthost.DeviceRecord
	for _, rec := range r.devices {
		if filter.BondedOnly && rec.BondState != bthost.Bonded {
			continue
		}
		if filter.ConnectedOnly && !anyConnected(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

func anyConnected(rec *bthost.DeviceRecord) bool {
	for _, state := range rec.Connections {
		if state == bthost.Connected {
			return true
		}
	}
	return false
}

// Upsert creates or updates the record for addr. A patch that violates a
// state invariant fails with ErrInvalidTransition and leaves the record
// unchanged. Bonding-state changes are written through to storage; transient
// fields (RSSI, last-seen) never are.
func (r *Registry) Upsert(ctx context.Context, addr bthost.Address, patch Patch) (*bthost.DeviceRecord, error) {
	r.mu.Lock()
	rec, ok := r.devices[addr]
	if !ok {
		rec = &bthost.DeviceRecord{Address: addr, LastSeen: time.Now()}
	}

	if err := validate(rec, patch); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	persist := false
	if patch.Name != nil && *patch.Name != rec.Name {
		rec.Name = *patch.Name
		persist = rec.Persisted
	}
	if patch.BondState != nil && *patch.BondState != rec.BondState {
		rec.BondState = *patch.BondState
		persist = true
		rec.Persisted = rec.BondState != bthost.NotBonded
	}
	if patch.Conn != nil {
		if rec.Connections == nil {
			rec.Connections = make(map[bthost.Profile]bthost.ConnState)
		}
		rec.Connections[patch.Conn.Profile] = patch.Conn.State
	}
	if patch.Profiles != nil {
		rec.Profiles = append([]bthost.Profile(nil), patch.Profiles...)
		persist = persist || rec.Persisted
	}
	if patch.RSSI != nil {
		rec.RSSI = *patch.RSSI
	}
	if patch.LastSeen != nil {
		rec.LastSeen = *patch.LastSeen
	}
	r.devices[addr] = rec
	snapshot := rec.Clone()
	r.mu.Unlock()

	if persist {
		r.writeThrough(ctx, snapshot)
	}
	r.hub.DeviceUpdated(snapshot)
	return snapshot, nil
}

func validate(rec *bthost.DeviceRecord, patch Patch) error {
	bond := rec.BondState
	if patch.BondState != nil {
		bond = *patch.BondState
	}
	if patch.Conn != nil && patch.Conn.State != bthost.Disconnected {
		if bond != bthost.Bonded && bthost.ProfileRequiresBonding(patch.Conn.Profile) {
			return bthost.WrapError(bthost.ErrInvalidTransition,
				"%s requires bonding before %s on %s", patch.Conn.Profile, patch.Conn.State, rec.Address)
		}
	}
	return nil
}

// writeThrough saves durable fields. A storage failure is logged and the
// in-memory change stands.
func (r *Registry) writeThrough(ctx context.Context, rec *bthost.DeviceRecord) {
	var err error
	if rec.Persisted {
		err = r.store.Save(ctx, rec)
	} else {
		err = r.store.Delete(ctx, rec.Address)
	}
	if err != nil {
		log.Error().
			Stringer("address", rec.Address).
			Err(err).
			Msg("storage unavailable, device record not persisted")
	}
}

// Remove forgets the device entirely, in memory and in storage.
func (r *Registry) Remove(ctx context.Context, addr bthost.Address) error {
	r.mu.Lock()
	_, ok := r.devices[addr]
	delete(r.devices, addr)
	r.mu.Unlock()
	if !ok {
		return bthost.ErrUnknownDevice
	}
	if err := r.store.Delete(ctx, addr); err != nil {
		log.Error().Stringer("address", addr).Err(err).Msg("storage unavailable, device record not deleted")
	}
	r.hub.DeviceRemoved(addr)
	return nil
}

// Reconcile loads persisted bonded devices when the adapter turns on. Loaded
// records start Disconnected; records already in memory keep their name and
// profiles but have their connection state reset.
func (r *Registry) Reconcile(ctx context.Context) error {
	records, err := r.store.LoadBondedDevices(ctx)
	if err != nil {
		return bthost.WrapError(bthost.ErrStorageUnavailable, "load bonded devices: %v", err)
	}
	r.mu.Lock()
	for _, rec := range records {
		loaded := rec.Clone()
		loaded.Connections = nil
		r.devices[rec.Address] = loaded
	}
	for _, rec := range r.devices {
		rec.Connections = nil
	}
	count := len(r.devices)
	r.mu.Unlock()
	log.Info().Int("devices", count).Msg("registry reconciled from storage")
	return nil
}

// ClearTransient resets every device's connection state, used when the
// adapter leaves the On state.
func (r *Registry) ClearTransient() {
	r.mu.Lock()
	var updated []*bthost.DeviceRecord
	for _, rec := range r.devices {
		if len(rec.Connections) > 0 {
			rec.Connections = nil
			updated = append(updated, rec.Clone())
		}
	}
	r.mu.Unlock()
	for _, rec := range updated {
		r.hub.DeviceUpdated(rec)
	}
}
