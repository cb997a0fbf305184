package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"departureboard/internal/refdata"
)

type ImportStats struct {
	Version    string    `json:"version"`
	Stops      int       `json:"stops"`
	Lines      int       `json:"lines"`
	LineStops  int       `json:"line_stops"`
	ImportedAt time.Time `json:"imported_at"`
}

// ImportReference upserts the whole dataset in one transaction and records the import.
// Stops and lines missing from ds are kept so favorites pointing at them still resolve.
func ImportReference(ctx context.Context, db *sql.DB, ds *refdata.Dataset) (ImportStats, error) {
	stats := ImportStats{Version: ds.Version()}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lineStmt, err := tx.PrepareContext(ctx, `
INSERT INTO lines (id, name, short_name, mode, operator, color, text_color)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, short_name = EXCLUDED.short_name,
  mode = EXCLUDED.mode, operator = EXCLUDED.operator, color = EXCLUDED.color, text_color = EXCLUDED.text_color`)
	if err != nil {
		return stats, fmt.Errorf("prepare lines: %w", err)
	}
	defer lineStmt.Close()
	for _, l := range ds.Lines {
		if _, err := lineStmt.ExecContext(ctx, l.ID, l.Name, l.ShortName, string(l.Mode), l.Operator, l.Color, l.TextColor); err != nil {
			return stats, fmt.Errorf("upsert line %s: %w", l.ID, err)
		}
		stats.Lines++
	}

	stopStmt, err := tx.PrepareContext(ctx, `
INSERT INTO stops (id, name, town, kind, x, y, lat, lon)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, town = EXCLUDED.town, kind = EXCLUDED.kind,
  x = EXCLUDED.x, y = EXCLUDED.y, lat = EXCLUDED.lat, lon = EXCLUDED.lon`)
	if err != nil {
		return stats, fmt.Errorf("prepare stops: %w", err)
	}
	defer stopStmt.Close()
	for _, s := range ds.Stops {
		if _, err := stopStmt.ExecContext(ctx, s.ID, s.Name, s.Town, s.Kind, s.X, s.Y, s.Lat, s.Lon); err != nil {
			return stats, fmt.Errorf("upsert stop %s: %w", s.ID, err)
		}
		stats.Stops++
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM line_stops`); err != nil {
		return stats, fmt.Errorf("clear line_stops: %w", err)
	}
	linkStmt, err := tx.PrepareContext(ctx, `INSERT INTO line_stops (line_id, stop_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`)
	if err != nil {
		return stats, fmt.Errorf("prepare line_stops: %w", err)
	}
	defer linkStmt.Close()
	for _, s := range ds.Stops {
		for _, lineID := range s.Lines {
			if _, err := linkStmt.ExecContext(ctx, lineID, s.ID); err != nil {
				return stats, fmt.Errorf("link line %s to stop %s: %w", lineID, s.ID, err)
			}
			stats.LineStops++
		}
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO reference_imports (version, stops, lines) VALUES ($1, $2, $3) RETURNING imported_at`,
		stats.Version, stats.Stops, stats.Lines,
	).Scan(&stats.ImportedAt)
	if err != nil {
		return stats, fmt.Errorf("record import: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit import: %w", err)
	}
	return stats, nil
}

// LatestImport returns the most recent recorded reference import.
func LatestImport(ctx context.Context, db *sql.DB) (ImportStats, error) {
	q := `
SELECT version, stops, lines, imported_at
FROM reference_imports
ORDER BY imported_at DESC, id DESC
LIMIT 1`
	var st ImportStats
	err := db.QueryRowContext(ctx, q).Scan(&st.Version, &st.Stops, &st.Lines, &st.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("query latest import: %w", err)
	}
	return st, nil
}

// LatestImportVersion is the dataset version of the latest import, "" when none was recorded.
func LatestImportVersion(ctx context.Context, db *sql.DB) (string, error) {
	st, err := LatestImport(ctx, db)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return st.Version, err
}

// ImportIfChanged imports ds unless its version matches the latest recorded import.
func ImportIfChanged(ctx context.Context, db *sql.DB, ds *refdata.Dataset, force bool) (ImportStats, bool, error) {
	if !force {
		last, err := LatestImport(ctx, db)
		switch {
		case err == nil && last.Version == ds.Version():
			return last, false, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return ImportStats{}, false, err
		}
	}
	st, err := ImportReference(ctx, db, ds)
	if err != nil {
		return st, false, err
	}
	return st, true, nil
}
