package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/pkg/bthost"
	"github.com/blued-org/blued/pkg/hal"
)

// HandleNative implements the router subscriber. The registry is registered
// before the session manager, so it always observes a disconnect first.
func (r *Registry) HandleNative(ev hal.Event) {
	switch ev.Kind {
	case hal.KindDeviceFound:
		r.handleDeviceFound(ev)
	case hal.KindDisconnected:
		r.handleDisconnected(ev)
	}
}

func (r *Registry) handleDeviceFound(ev hal.Event) {
	now := time.Now()
	patch := Patch{LastSeen: &now}
	if found, ok := ev.Payload.(hal.DeviceFoundPayload); ok {
		if found.Name != "" {
			patch.Name = &found.Name
		}
		if found.RSSI != 0 {
			patch.RSSI = &found.RSSI
		}
		if found.Profiles != nil {
			patch.Profiles = found.Profiles
		}
	}
	if _, err := r.Upsert(context.Background(), ev.Resource.Address, patch); err != nil {
		log.Warn().Stringer("address", ev.Resource.Address).Err(err).Msg("discovery result rejected")
	}
}

func (r *Registry) handleDisconnected(ev hal.Event) {
	patch := Patch{Conn: &ConnPatch{Profile: ev.Resource.Profile, State: bthost.Disconnected}}
	if _, err := r.Upsert(context.Background(), ev.Resource.Address, patch); err != nil {
		log.Warn().Stringer("address", ev.Resource.Address).Err(err).Msg("disconnect update rejected")
	}
}
