// Package changelog appends audit entries alongside workflow mutations.
package changelog

import (
	"context"
	"database/sql"
	"time"
)

type Writer struct {
	Now func() time.Time
}

// Append records an action within the caller's transaction so the entry
// commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, contextID, stepID *int64, action, detailsMD, actor string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO changelog(context_id,task_id,action,details_md,created_at,actor) VALUES (?,?,?,?,?,?)`,
		nullableID(contextID), nullableID(stepID), action, nullable(detailsMD), ts, nullable(actor))
	return err
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
