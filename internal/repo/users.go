package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskline/internal/domain"
)

func (r Repo) GetOrCreateUser(ctx context.Context, name string) (domain.User, error) {
	u, err := r.getUserByName(ctx, name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return u, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,created_at) VALUES (?,?)`, name, now)
	if err != nil {
		// Lost a race with a concurrent insert; the row exists now.
		if u, lookupErr := r.getUserByName(ctx, name); lookupErr == nil {
			return u, nil
		}
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: id, Name: name, CreatedAt: now}, nil
}

func (r Repo) getUserByName(ctx context.Context, name string) (domain.User, error) {
	var u domain.User
	var display sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,display_name,created_at FROM users WHERE name=?`, name).
		Scan(&u.ID, &u.Name, &display, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if display.Valid {
		u.DisplayName = display.String
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var display sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,display_name,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &display, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if display.Valid {
		u.DisplayName = display.String
	}
	return u, err
}

func (r Repo) SetUserDisplayName(ctx context.Context, id int64, displayName string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET display_name=? WHERE id=?`, displayName, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,display_name,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var display sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &display, &u.CreatedAt); err != nil {
			return nil, err
		}
		if display.Valid {
			u.DisplayName = display.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UserDisplay resolves a user ID to its display name, falling back to the
// login name.
func (r Repo) UserDisplay(ctx context.Context, id int64) (string, error) {
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	if u.DisplayName != "" {
		return u.DisplayName, nil
	}
	return u.Name, nil
}

func (r Repo) UpsertUserStateTx(ctx context.Context, tx *sql.Tx, userID, projectID int64, contextID *int64, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_state(user_id,project_id,active_context_id,updated_at) VALUES (?,?,?,?)`,
		userID, projectID, nullableID(contextID), now)
	return err
}

func (r Repo) UpsertGlobalStateTx(ctx context.Context, tx *sql.Tx, contextID *int64, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO global_state(id,active_context_id,updated_at) VALUES (1,?,?)`,
		nullableID(contextID), now)
	return err
}

// ActiveContextIDForUser returns the user's active context, scoped to a
// project when given, most recent project otherwise. Nil when none is set.
func (r Repo) ActiveContextIDForUser(ctx context.Context, userID int64, projectID *int64) (*int64, error) {
	var row *sql.Row
	if projectID != nil {
		row = r.DB.QueryRowContext(ctx,
			`SELECT active_context_id FROM user_state WHERE user_id=? AND project_id=?`, userID, *projectID)
	} else {
		row = r.DB.QueryRowContext(ctx,
			`SELECT active_context_id FROM user_state WHERE user_id=? ORDER BY updated_at DESC LIMIT 1`, userID)
	}
	var id sql.NullInt64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}

// GlobalActiveContextID returns the workspace-wide active context, nil when
// none is set.
func (r Repo) GlobalActiveContextID(ctx context.Context) (*int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT active_context_id FROM global_state WHERE id=1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}
