package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS lines (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  short_name  TEXT NOT NULL DEFAULT '',
  mode        TEXT NOT NULL,
  operator    TEXT NOT NULL DEFAULT '',
  color       TEXT NOT NULL DEFAULT '',
  text_color  TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS stops (
  id    TEXT PRIMARY KEY,
  name  TEXT NOT NULL,
  town  TEXT NOT NULL DEFAULT '',
  kind  TEXT NOT NULL DEFAULT '',
  x     DOUBLE PRECISION NOT NULL DEFAULT 0,
  y     DOUBLE PRECISION NOT NULL DEFAULT 0,
  lat   DOUBLE PRECISION NOT NULL,
  lon   DOUBLE PRECISION NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS stops_lower_name_idx ON stops (lower(name))`,
	`CREATE INDEX IF NOT EXISTS stops_lat_lon_idx ON stops (lat, lon)`,
	`CREATE TABLE IF NOT EXISTS line_stops (
  line_id TEXT NOT NULL REFERENCES lines(id) ON DELETE CASCADE,
  stop_id TEXT NOT NULL REFERENCES stops(id) ON DELETE CASCADE,
  PRIMARY KEY (line_id, stop_id)
)`,
	`CREATE TABLE IF NOT EXISTS favorites (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  stop_id     TEXT NOT NULL,
  line_id     TEXT NOT NULL DEFAULT '',
  priority    INTEGER NOT NULL DEFAULT 0,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS favorite_conditions (
  id           TEXT PRIMARY KEY,
  favorite_id  TEXT NOT NULL REFERENCES favorites(id) ON DELETE CASCADE,
  position     INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  active       BOOLEAN NOT NULL,
  params       JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS reference_imports (
  id           BIGSERIAL PRIMARY KEY,
  version      TEXT NOT NULL,
  stops        INTEGER NOT NULL,
  lines        INTEGER NOT NULL,
  imported_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS settings (
  key         TEXT PRIMARY KEY,
  value       TEXT NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// Migrate creates missing tables. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetSettings returns all stored key/value settings.
func GetSettings(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func PutSetting(ctx context.Context, db *sql.DB, key, value string) error {
	q := `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// SettingsStore adapts the settings table to key/value access.
type SettingsStore struct {
	DB *sql.DB
}

func (s SettingsStore) All(ctx context.Context) (map[string]string, error) {
	return GetSettings(ctx, s.DB)
}

func (s SettingsStore) Put(ctx context.Context, key, value string) error {
	return PutSetting(ctx, s.DB, key, value)
}
