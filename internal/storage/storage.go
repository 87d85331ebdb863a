// Package storage is the persistence boundary for bonded device records.
// Failures here are non-fatal to the in-memory model: the registry logs and
// keeps going, so storage is eventually consistent, not a synchronous
// durability guarantee.
package storage

import (
	"context"
	"errors"

	"github.com/blued-org/blued/pkg/bthost"
)

// ErrNotFound is returned when no record exists for the requested address.
var ErrNotFound = errors.New("not found")

// Store persists bonded device records.
type Store interface {
	// LoadBondedDevices returns every persisted record. Called when the
	// adapter powers on to reconcile the registry.
	LoadBondedDevices(ctx context.Context) ([]*bthost.DeviceRecord, error)

	// Save inserts or replaces the record for rec.Address.
	Save(ctx context.Context, rec *bthost.DeviceRecord) error

	// Delete removes the record for addr. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context, addr bthost.Address) error

	Close() error
}
