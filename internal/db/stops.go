package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/refdata"
)

const stopColumns = `s.id, s.name, s.town, s.kind, s.x, s.y, s.lat, s.lon,
  COALESCE(string_agg(ls.line_id, ',' ORDER BY ls.line_id), '')`

// NearbyStop is a stop with its distance from a search center.
type NearbyStop struct {
	refdata.Stop
	DistanceMeters float64 `json:"distance_meters"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStop(r rowScanner) (refdata.Stop, error) {
	var s refdata.Stop
	var lines string
	if err := r.Scan(&s.ID, &s.Name, &s.Town, &s.Kind, &s.X, &s.Y, &s.Lat, &s.Lon, &lines); err != nil {
		return s, err
	}
	if lines != "" {
		s.Lines = strings.Split(lines, ",")
	}
	return s, nil
}

func queryStops(ctx context.Context, db *sql.DB, q string, args ...any) ([]refdata.Stop, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []refdata.Stop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func GetStop(ctx context.Context, db *sql.DB, id string) (refdata.Stop, error) {
	q := `SELECT ` + stopColumns + `
FROM stops s LEFT JOIN line_stops ls ON ls.stop_id = s.id
WHERE s.id = $1
GROUP BY s.id`
	s, err := scanStop(db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("query stop %s: %w", id, err)
	}
	return s, nil
}

// SearchStops matches on a case-insensitive name fragment or the exact id.
func SearchStops(ctx context.Context, db *sql.DB, query string, limit int) ([]refdata.Stop, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + stopColumns + `
FROM stops s LEFT JOIN line_stops ls ON ls.stop_id = s.id
WHERE lower(s.name) LIKE '%' || lower($1) || '%' OR s.id = $1
GROUP BY s.id
ORDER BY s.name
LIMIT $2`
	return queryStops(ctx, db, q, strings.TrimSpace(query), limit)
}

// StopsNear returns stops within radius meters of center, nearest first.
func StopsNear(ctx context.Context, db *sql.DB, center geo.Point, radius float64, limit int) ([]NearbyStop, error) {
	if limit <= 0 {
		limit = 20
	}
	min, max := geo.BoundingBox(center, radius)
	q := `SELECT ` + stopColumns + `
FROM stops s LEFT JOIN line_stops ls ON ls.stop_id = s.id
WHERE s.lat BETWEEN $1 AND $2 AND s.lon BETWEEN $3 AND $4
GROUP BY s.id`
	stops, err := queryStops(ctx, db, q, min.Lat, max.Lat, min.Lon, max.Lon)
	if err != nil {
		return nil, err
	}
	var out []NearbyStop
	for _, s := range stops {
		d := geo.Distance(center, s.Point())
		if d > radius {
			continue
		}
		out = append(out, NearbyStop{Stop: s, DistanceMeters: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const lineColumns = `l.id, l.name, l.short_name, l.mode, l.operator, l.color, l.text_color`

func scanLine(r rowScanner) (refdata.Line, error) {
	var l refdata.Line
	var mode string
	err := r.Scan(&l.ID, &l.Name, &l.ShortName, &mode, &l.Operator, &l.Color, &l.TextColor)
	l.Mode = refdata.Mode(mode)
	return l, err
}

func queryLines(ctx context.Context, db *sql.DB, q string, args ...any) ([]refdata.Line, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()
	var out []refdata.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func GetLine(ctx context.Context, db *sql.DB, id string) (refdata.Line, error) {
	l, err := scanLine(db.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM lines l WHERE l.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("line %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("query line %s: %w", id, err)
	}
	return l, nil
}

func SearchLines(ctx context.Context, db *sql.DB, query string, limit int) ([]refdata.Line, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + lineColumns + ` FROM lines l
WHERE lower(l.name) LIKE '%' || lower($1) || '%' OR lower(l.short_name) = lower($1) OR l.id = $1
ORDER BY l.mode, l.short_name
LIMIT $2`
	return queryLines(ctx, db, q, strings.TrimSpace(query), limit)
}

// LinesForStop lists the lines serving a stop.
func LinesForStop(ctx context.Context, db *sql.DB, stopID string) ([]refdata.Line, error) {
	q := `SELECT ` + lineColumns + ` FROM lines l
JOIN line_stops ls ON ls.line_id = l.id
WHERE ls.stop_id = $1
ORDER BY l.mode, l.short_name`
	return queryLines(ctx, db, q, stopID)
}

// Catalog exposes stop and line lookups to the favorites service.
type Catalog struct {
	DB *sql.DB
}

func (c Catalog) Stop(ctx context.Context, id string) (refdata.Stop, error) {
	s, err := GetStop(ctx, c.DB, id)
	return s, notFoundAs(err, favorites.ErrNotFound)
}

func (c Catalog) Line(ctx context.Context, id string) (refdata.Line, error) {
	l, err := GetLine(ctx, c.DB, id)
	return l, notFoundAs(err, favorites.ErrNotFound)
}

func (c Catalog) SearchStops(ctx context.Context, q string, limit int) ([]refdata.Stop, error) {
	return SearchStops(ctx, c.DB, q, limit)
}

func (c Catalog) StopsNear(ctx context.Context, center geo.Point, radius float64, limit int) ([]NearbyStop, error) {
	return StopsNear(ctx, c.DB, center, radius, limit)
}

func (c Catalog) LinesForStop(ctx context.Context, stopID string) ([]refdata.Line, error) {
	return LinesForStop(ctx, c.DB, stopID)
}

func (c Catalog) SearchLines(ctx context.Context, q string, limit int) ([]refdata.Line, error) {
	return SearchLines(ctx, c.DB, q, limit)
}
