package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// WithDBName returns a DSN identical to the input but with the database path replaced.
// Supports postgres:// and postgresql:// schemes.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// DBName extracts the database name from a URL DSN.
func DBName(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("DSN has no database name")
	}
	return name, nil
}

// EnsureDatabase connects to the cluster's maintenance database and creates the
// database named in dsn when it does not exist yet.
func EnsureDatabase(ctx context.Context, dsn string) (created bool, err error) {
	name, err := DBName(dsn)
	if err != nil {
		return false, err
	}
	rootDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return false, err
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return false, err
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return false, fmt.Errorf("ping maintenance db: %w", err)
	}

	var exists bool
	if err := meta.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup database %q: %w", name, err)
	}
	if exists {
		return false, nil
	}
	// identifiers cannot be bound as parameters
	ident := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+ident); err != nil {
		return false, fmt.Errorf("create database %q: %w", name, err)
	}
	slog.Info("db.created", "database", name)
	return true, nil
}
