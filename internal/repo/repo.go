package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertContextTx(ctx context.Context, tx *sql.Tx, c domain.Context) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO contexts(name,status,description_md,user_id,project_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.Name, c.Status, nullable(c.DescriptionMD), nullableID(c.UserID), nullableID(c.ProjectID), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetContext(ctx context.Context, id int64) (domain.Context, error) {
	return scanContext(r.DB.QueryRowContext(ctx,
		`SELECT id,name,status,description_md,user_id,project_id,created_at,updated_at FROM contexts WHERE id=?`, id))
}

func scanContext(row *sql.Row) (domain.Context, error) {
	var c domain.Context
	var desc sql.NullString
	var userID, projectID sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Status, &desc, &userID, &projectID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if desc.Valid {
		c.DescriptionMD = desc.String
	}
	if userID.Valid {
		c.UserID = &userID.Int64
	}
	if projectID.Valid {
		c.ProjectID = &projectID.Int64
	}
	return c, nil
}

// ResolveContext turns a reference, numeric ID or name, into a context ID.
// Name lookup is scoped to the project when one is given.
func (r Repo) ResolveContext(ctx context.Context, ref string, projectID *int64) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		var found int64
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM contexts WHERE id=?`, id).Scan(&found)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}
	var (
		row *sql.Row
	)
	if projectID != nil {
		row = r.DB.QueryRowContext(ctx, `SELECT id FROM contexts WHERE name=? AND project_id=?`, ref, *projectID)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT id FROM contexts WHERE name=?`, ref)
	}
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("context %q: %w", ref, ErrNotFound)
	}
	return id, err
}

type ContextFilters struct {
	UserID       *int64
	ProjectID    *int64
	Status       string
	ShowAllUsers bool
}

func (r Repo) ListContexts(ctx context.Context, f ContextFilters) ([]domain.Context, error) {
	var clauses []string
	var args []any
	if f.UserID != nil && !f.ShowAllUsers {
		clauses = append(clauses, "user_id=?")
		args = append(args, *f.UserID)
	}
	if f.ProjectID != nil {
		clauses = append(clauses, "project_id=?")
		args = append(args, *f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,status,description_md,user_id,project_id,created_at,updated_at FROM contexts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Context
	for rows.Next() {
		var c domain.Context
		var desc sql.NullString
		var userID, projectID sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &desc, &userID, &projectID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			c.DescriptionMD = desc.String
		}
		if userID.Valid {
			c.UserID = &userID.Int64
		}
		if projectID.Valid {
			c.ProjectID = &projectID.Int64
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateContextStatusTx(ctx context.Context, tx *sql.Tx, id int64, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contexts SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertContextStateTx(ctx context.Context, tx *sql.Tx, s domain.ContextState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO context_state(context_id,active_task_id,last_task_id,next_step,status_label,last_event,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ContextID, nullableID(s.ActiveStepID), nullableID(s.LastStepID), nullable(s.NextStep), nullable(s.StatusLabel), nullable(s.LastEvent), s.UpdatedAt)
	return err
}

func (r Repo) GetContextState(ctx context.Context, contextID int64) (domain.ContextState, error) {
	var s domain.ContextState
	var active, last sql.NullInt64
	var next, label, event sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT context_id,active_task_id,last_task_id,next_step,status_label,last_event,updated_at FROM context_state WHERE context_id=?`, contextID).
		Scan(&s.ContextID, &active, &last, &next, &label, &event, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if active.Valid {
		s.ActiveStepID = &active.Int64
	}
	if last.Valid {
		s.LastStepID = &last.Int64
	}
	if next.Valid {
		s.NextStep = next.String
	}
	if label.Valid {
		s.StatusLabel = label.String
	}
	if event.Valid {
		s.LastEvent = event.String
	}
	return s, nil
}

// SetActiveStepTx records the active step and the event that made it active.
func (r Repo) SetActiveStepTx(ctx context.Context, tx *sql.Tx, contextID int64, stepID *int64, lastStepID int64, event, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE context_state SET active_task_id=?, last_task_id=?, last_event=?, updated_at=? WHERE context_id=?`,
		nullableID(stepID), lastStepID, event, now, contextID)
	return err
}

func (r Repo) SetLastEventTx(ctx context.Context, tx *sql.Tx, contextID, lastStepID int64, event, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE context_state SET last_task_id=?, last_event=?, updated_at=? WHERE context_id=?`,
		lastStepID, event, now, contextID)
	return err
}

func (r Repo) SetNextStepTx(ctx context.Context, tx *sql.Tx, contextID int64, nextStep, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE context_state SET next_step=?, updated_at=? WHERE context_id=?`, nextStep, now, contextID)
	return err
}

func (r Repo) ListChangelog(ctx context.Context, contextID int64, stepID *int64, limit int) ([]domain.ChangelogEntry, error) {
	var clauses []string
	var args []any
	if stepID != nil {
		clauses = append(clauses, "task_id=?")
		args = append(args, *stepID)
	} else {
		clauses = append(clauses, "context_id=?")
		args = append(args, contextID)
	}
	query := `SELECT id,context_id,task_id,action,details_md,created_at,actor FROM changelog WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangelogEntry
	for rows.Next() {
		var e domain.ChangelogEntry
		var cid, sid sql.NullInt64
		var details, actor sql.NullString
		if err := rows.Scan(&e.ID, &cid, &sid, &e.Action, &details, &e.CreatedAt, &actor); err != nil {
			return nil, err
		}
		if cid.Valid {
			e.ContextID = &cid.Int64
		}
		if sid.Valid {
			e.StepID = &sid.Int64
		}
		if details.Valid {
			e.DetailsMD = details.String
		}
		if actor.Valid {
			e.Actor = actor.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
