package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskline/internal/domain"
)

func (r Repo) InsertContextNoteTx(ctx context.Context, tx *sql.Tx, n domain.ContextNote) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO context_notes(context_id,note_md,created_at,actor,kind) VALUES (?,?,?,?,?)`,
		n.ContextID, n.NoteMD, n.CreatedAt, nullable(n.Actor), n.Kind)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListContextNotes(ctx context.Context, contextID int64, kind string) ([]domain.ContextNote, error) {
	query := `SELECT id,context_id,note_md,kind,created_at,actor FROM context_notes WHERE context_id=?`
	args := []any{contextID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextNote
	for rows.Next() {
		var n domain.ContextNote
		var actor sql.NullString
		if err := rows.Scan(&n.ID, &n.ContextID, &n.NoteMD, &n.Kind, &n.CreatedAt, &actor); err != nil {
			return nil, err
		}
		if actor.Valid {
			n.Actor = actor.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertStepNoteTx(ctx context.Context, tx *sql.Tx, n domain.StepNote) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_notes(task_id,note_md,created_at,kind) VALUES (?,?,?,?)`,
		n.StepID, n.NoteMD, n.CreatedAt, n.Kind)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListStepNotes(ctx context.Context, stepID int64, kind string) ([]domain.StepNote, error) {
	query := `SELECT id,task_id,note_md,kind,created_at FROM task_notes WHERE task_id=?`
	args := []any{stepID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepNote
	for rows.Next() {
		var n domain.StepNote
		if err := rows.Scan(&n.ID, &n.StepID, &n.NoteMD, &n.Kind, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) DeleteStepNotesTx(ctx context.Context, tx *sql.Tx, stepID int64, kind string) (int64, error) {
	query := `DELETE FROM task_notes WHERE task_id=?`
	args := []any{stepID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GoalPlanKinds reports which of the goal/plan note kinds carry real content
// for a context. Backfill placeholders starting with "(migrated" do not count.
func (r Repo) GoalPlanKinds(ctx context.Context, contextID int64) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT kind,note_md FROM context_notes WHERE context_id=? AND kind IN ('goal','plan')`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	present := map[string]bool{}
	for rows.Next() {
		var kind, note string
		if err := rows.Scan(&kind, &note); err != nil {
			return nil, err
		}
		if strings.HasPrefix(note, "(migrated") {
			continue
		}
		present[kind] = true
	}
	return present, rows.Err()
}

// LatestGoalPlan returns the most recent real goal and plan notes, either of
// which may be empty.
func (r Repo) LatestGoalPlan(ctx context.Context, contextID int64) (goal, plan string, err error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT kind,note_md FROM context_notes
WHERE context_id=? AND kind IN ('goal','plan') AND note_md NOT LIKE '(migrated%' ORDER BY kind, id`, contextID)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, note string
		if err := rows.Scan(&kind, &note); err != nil {
			return "", "", err
		}
		switch kind {
		case domain.NoteKindGoal:
			goal = note
		case domain.NoteKindPlan:
			plan = note
		}
	}
	return goal, plan, rows.Err()
}
