package safety

import (
	"context"
	"database/sql"
	"fmt"
)

// RowCounts maps each user table name to its row count. A snapshot is taken
// once before a guarded phase and once after, compared, then discarded.
type RowCounts map[string]int64

// TableRowCounts counts the rows of every user table on the connection.
// Internal sqlite_* tables are excluded. Read-only; an empty database
// yields an empty map.
func TableRowCounts(ctx context.Context, conn *sql.DB) (RowCounts, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	counts := RowCounts{}
	for _, name := range names {
		var n int64
		if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}
