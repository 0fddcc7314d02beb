package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskline/internal/domain"
)

const stepColumns = `id,context_id,task_number,title,description_md,status,is_deleted,parent_id,sort_index,sub_index,created_at,updated_at,completed_at`

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(context_id,task_number,title,description_md,status,is_deleted,parent_id,sort_index,sub_index,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,0,?,?,?,?,?,NULL)`,
		s.ContextID, s.Number, s.Title, nullable(s.DescriptionMD), s.Status,
		nullableID(s.ParentID), nullableIntPtr(s.SortIndex), nullableIntPtr(s.SubIndex), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextStepNumberTx allocates the next per-context step number. Numbers are
// never reused, deleted steps included.
func (r Repo) NextStepNumberTx(ctx context.Context, tx *sql.Tx, contextID int64) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(task_number) FROM tasks WHERE context_id=?`, contextID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) NextSortIndexTx(ctx context.Context, tx *sql.Tx, contextID int64) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(sort_index) FROM tasks WHERE context_id=? AND parent_id IS NULL`, contextID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) NextSubIndexTx(ctx context.Context, tx *sql.Tx, parentID int64) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(sub_index) FROM tasks WHERE parent_id=?`, parentID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) GetStep(ctx context.Context, id int64) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetStepByNumber(ctx context.Context, contextID int64, number int) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM tasks WHERE context_id=? AND task_number=?`, contextID, number))
}

func scanStep(row *sql.Row) (domain.Step, error) {
	var s domain.Step
	var desc, completedAt sql.NullString
	var parentID sql.NullInt64
	var sortIndex, subIndex sql.NullInt64
	var deleted int
	err := row.Scan(&s.ID, &s.ContextID, &s.Number, &s.Title, &desc, &s.Status, &deleted,
		&parentID, &sortIndex, &subIndex, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsDeleted = deleted == 1
	if desc.Valid {
		s.DescriptionMD = desc.String
	}
	if parentID.Valid {
		s.ParentID = &parentID.Int64
	}
	if sortIndex.Valid {
		v := int(sortIndex.Int64)
		s.SortIndex = &v
	}
	if subIndex.Valid {
		v := int(subIndex.Int64)
		s.SubIndex = &v
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) ListSteps(ctx context.Context, contextID int64) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM tasks WHERE context_id=? ORDER BY task_number`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var desc, completedAt sql.NullString
		var parentID, sortIndex, subIndex sql.NullInt64
		var deleted int
		if err := rows.Scan(&s.ID, &s.ContextID, &s.Number, &s.Title, &desc, &s.Status, &deleted,
			&parentID, &sortIndex, &subIndex, &s.CreatedAt, &s.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		s.IsDeleted = deleted == 1
		if desc.Valid {
			s.DescriptionMD = desc.String
		}
		if parentID.Valid {
			s.ParentID = &parentID.Int64
		}
		if sortIndex.Valid {
			v := int(sortIndex.Int64)
			s.SortIndex = &v
		}
		if subIndex.Valid {
			v := int(subIndex.Int64)
			s.SubIndex = &v
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SetStepStatusTx(ctx context.Context, tx *sql.Tx, id int64, status, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, now, id)
	return err
}

func (r Repo) CompleteStepTx(ctx context.Context, tx *sql.Tx, id int64, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, completed_at=?, updated_at=? WHERE id=?`, domain.StatusComplete, now, now, id)
	return err
}

func (r Repo) SoftDeleteStepTx(ctx context.Context, tx *sql.Tx, id int64, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET is_deleted=1, updated_at=? WHERE id=?`, now, id)
	return err
}

// FirstCandidateStep picks the replacement active step for a context: the
// lowest-numbered planned step, falling back to the highest-numbered live one.
func (r Repo) FirstCandidateStep(ctx context.Context, contextID int64) (domain.Step, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM tasks WHERE context_id=? AND status=? AND is_deleted=0 ORDER BY task_number LIMIT 1`,
		contextID, domain.StatusPlanned))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return s, err
	}
	return scanStep(r.DB.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM tasks WHERE context_id=? AND is_deleted=0 ORDER BY task_number DESC LIMIT 1`, contextID))
}

func (r Repo) StepInContextTx(ctx context.Context, tx *sql.Tx, stepID, contextID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id=? AND context_id=?`, stepID, contextID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %d not in context %d: %w", stepID, contextID, ErrNotFound)
	}
	return err
}

// CountStepsByStatus fills the status counters for a context.
func (r Repo) CountStepsByStatus(ctx context.Context, contextID int64) (planned, started, completed, blocked, deleted int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
SUM(CASE WHEN status='planned' AND is_deleted=0 THEN 1 ELSE 0 END),
SUM(CASE WHEN status='started' AND is_deleted=0 THEN 1 ELSE 0 END),
SUM(CASE WHEN status='complete' AND is_deleted=0 THEN 1 ELSE 0 END),
SUM(CASE WHEN status='blocked' AND is_deleted=0 THEN 1 ELSE 0 END),
SUM(CASE WHEN is_deleted=1 THEN 1 ELSE 0 END)
FROM tasks WHERE context_id=?`, contextID).Scan(
		&nullInt{&planned}, &nullInt{&started}, &nullInt{&completed}, &nullInt{&blocked}, &nullInt{&deleted})
	return
}

// nullInt scans a possibly NULL aggregate into an int, treating NULL as 0.
type nullInt struct{ dst *int }

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.dst = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dst = int(v)
	case int:
		*n.dst = v
	default:
		return fmt.Errorf("unexpected count type %T", src)
	}
	return nil
}
