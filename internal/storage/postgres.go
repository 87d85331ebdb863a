package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/blued-org/blued/internal/config"
	"github.com/blued-org/blued/pkg/bthost"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bonded_devices (
			address     TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			bond_state  INT NOT NULL,
			profiles    JSONB NOT NULL DEFAULT '[]',
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) LoadBondedDevices(ctx context.Context) ([]*bthost.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, name, bond_state, profiles
		FROM bonded_devices
		ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("load bonded devices: %w", err)
	}
	defer rows.Close()

	var records []*bthost.DeviceRecord
	for rows.Next() {
		var (
			addrText     string
			name         string
			bondState    int
			profilesJSON []byte
		)
		if err := rows.Scan(&addrText, &name, &bondState, &profilesJSON); err != nil {
			return nil, fmt.Errorf("scan bonded device: %w", err)
		}
		addr, err := bthost.ParseAddress(addrText)
		if err != nil {
			return nil, fmt.Errorf("corrupt address %q: %w", addrText, err)
		}
		var profiles []bthost.Profile
		if err := json.Unmarshal(profilesJSON, &profiles); err != nil {
			return nil, fmt.Errorf("corrupt profiles for %s: %w", addrText, err)
		}
		records = append(records, &bthost.DeviceRecord{
			Address:   addr,
			Name:      name,
			BondState: bthost.BondState(bondState),
			Profiles:  profiles,
			Persisted: true,
		})
	}
	return records, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, rec *bthost.DeviceRecord) error {
	profilesJSON, err := json.Marshal(rec.Profiles)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bonded_devices (address, name, bond_state, profiles, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			bond_state = EXCLUDED.bond_state,
			profiles = EXCLUDED.profiles,
			updated_at = EXCLUDED.updated_at`,
		rec.Address.String(), rec.Name, int(rec.BondState), profilesJSON, time.Now())
	if err != nil {
		return fmt.Errorf("save device %s: %w", rec.Address, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, addr bthost.Address) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bonded_devices WHERE address = $1`, addr.String())
	if err != nil {
		return fmt.Errorf("delete device %s: %w", addr, err)
	}
	return nil
}
