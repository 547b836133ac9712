package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on a single-connection SQLite database in
// WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a SQLiteStore and initializes the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                    { return s.db.Close() }

// ---------------------------------------------------------------------------
// Request log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, e *RequestLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (created_at, api_key_id, credential_id, model, status_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.CreatedAt.UTC().Format(time.RFC3339), e.APIKeyID, e.CredentialID, e.Model, e.StatusCode, e.DurationMs)
	return err
}

func (s *SQLiteStore) PurgeRequestLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_logs WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Device registry
// ---------------------------------------------------------------------------

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, device_name, device_type, account_type, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			account_type = excluded.account_type,
			last_seen_at = excluded.last_seen_at`,
		d.DeviceID, d.DeviceName, d.DeviceType, d.AccountType,
		d.RegisteredAt.UTC().Format(time.RFC3339), d.LastSeenAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) TouchDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE devices SET last_seen_at = ? WHERE device_id = ?",
		at.UTC().Format(time.RFC3339), deviceID)
	return err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device_id, device_name, device_type, account_type, registered_at, last_seen_at FROM devices ORDER BY registered_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var registeredAt, lastSeenAt string
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &d.DeviceType, &d.AccountType, &registeredAt, &lastSeenAt); err != nil {
			return nil, err
		}
		d.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
		d.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeenAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
