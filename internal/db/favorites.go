package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"departureboard/internal/conditions"
	"departureboard/internal/favorites"
)

const favoriteColumns = `id, name, stop_id, line_id, priority, created_at, updated_at`

func scanFavorite(r rowScanner) (favorites.Favorite, error) {
	var f favorites.Favorite
	err := r.Scan(&f.ID, &f.Name, &f.StopID, &f.LineID, &f.Priority, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func insertConditions(ctx context.Context, tx *sql.Tx, f favorites.Favorite) error {
	for i, c := range f.Conditions {
		params, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode condition %s: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO favorite_conditions (id, favorite_id, position, kind, active, params) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, f.ID, i, string(c.Kind), c.Active, params)
		if err != nil {
			return fmt.Errorf("insert condition %s: %w", c.ID, err)
		}
	}
	return nil
}

func InsertFavorite(ctx context.Context, db *sql.DB, f favorites.Favorite) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO favorites (`+favoriteColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.Name, f.StopID, f.LineID, f.Priority, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert favorite %s: %w", f.ID, err)
	}
	if err := insertConditions(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateFavorite rewrites the favorite row and replaces its conditions.
func UpdateFavorite(ctx context.Context, db *sql.DB, f favorites.Favorite) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE favorites SET name = $2, stop_id = $3, line_id = $4, priority = $5, updated_at = $6 WHERE id = $1`,
		f.ID, f.Name, f.StopID, f.LineID, f.Priority, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update favorite %s: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("favorite %s: %w", f.ID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM favorite_conditions WHERE favorite_id = $1`, f.ID); err != nil {
		return fmt.Errorf("clear conditions %s: %w", f.ID, err)
	}
	if err := insertConditions(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFavorite removes a favorite; its conditions go with it through the foreign key.
func DeleteFavorite(ctx context.Context, db *sql.DB, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM favorites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete favorite %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("favorite %s: %w", id, ErrNotFound)
	}
	return nil
}

func GetFavorite(ctx context.Context, db *sql.DB, id string) (favorites.Favorite, error) {
	f, err := scanFavorite(db.QueryRowContext(ctx, `SELECT `+favoriteColumns+` FROM favorites WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return f, fmt.Errorf("favorite %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return f, fmt.Errorf("query favorite %s: %w", id, err)
	}
	conds, err := loadConditions(ctx, db, `WHERE favorite_id = $1`, id)
	if err != nil {
		return f, err
	}
	f.Conditions = conds[f.ID]
	return f, nil
}

// ListFavorites returns every favorite with its conditions, by priority then name.
func ListFavorites(ctx context.Context, db *sql.DB) ([]favorites.Favorite, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+favoriteColumns+` FROM favorites ORDER BY priority, lower(name), id`)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer rows.Close()

	var out []favorites.Favorite
	for rows.Next() {
		f, err := scanFavorite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	conds, err := loadConditions(ctx, db, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Conditions = conds[out[i].ID]
	}
	return out, nil
}

func loadConditions(ctx context.Context, db *sql.DB, where string, args ...any) (map[string][]conditions.Condition, error) {
	q := `SELECT id, favorite_id, kind, active, params FROM favorite_conditions ` + where + ` ORDER BY favorite_id, position`
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]conditions.Condition)
	for rows.Next() {
		var (
			c      conditions.Condition
			favID  string
			kind   string
			params []byte
		)
		if err := rows.Scan(&c.ID, &favID, &kind, &c.Active, &params); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			active := c.Active
			id := c.ID
			if err := json.Unmarshal(params, &c); err != nil {
				return nil, fmt.Errorf("decode condition %s: %w", id, err)
			}
			c.ID, c.Active = id, active
		}
		c.Kind = conditions.Kind(kind)
		out[favID] = append(out[favID], c)
	}
	return out, rows.Err()
}

// FavoriteRepo adapts the favorite queries to favorites.Repository.
type FavoriteRepo struct {
	DB *sql.DB
}

func (r FavoriteRepo) Insert(ctx context.Context, f favorites.Favorite) error {
	return InsertFavorite(ctx, r.DB, f)
}

func (r FavoriteRepo) Update(ctx context.Context, f favorites.Favorite) error {
	return notFoundAs(UpdateFavorite(ctx, r.DB, f), favorites.ErrNotFound)
}

func (r FavoriteRepo) Delete(ctx context.Context, id string) error {
	return notFoundAs(DeleteFavorite(ctx, r.DB, id), favorites.ErrNotFound)
}

func (r FavoriteRepo) Get(ctx context.Context, id string) (favorites.Favorite, error) {
	f, err := GetFavorite(ctx, r.DB, id)
	return f, notFoundAs(err, favorites.ErrNotFound)
}

func (r FavoriteRepo) List(ctx context.Context) ([]favorites.Favorite, error) {
	return ListFavorites(ctx, r.DB)
}

// notFoundAs makes a db.ErrNotFound also match target.
func notFoundAs(err, target error) error {
	if err != nil && errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", target, err)
	}
	return err
}
