package safety

import (
	"fmt"
	"sort"
	"strings"
)

// scratchTableSuffix marks temporary migration working tables. They are
// expected to appear and disappear during a patch and never count as loss.
const scratchTableSuffix = "_new"

// ValidationError reports a table whose row count shrank or that disappeared
// entirely between two snapshots.
type ValidationError struct {
	Table   string
	Before  int64
	After   int64
	Missing bool
}

func (e ValidationError) String() string {
	if e.Missing {
		return fmt.Sprintf("table %q missing after migration (had %d rows)", e.Table, e.Before)
	}
	return fmt.Sprintf("table %q lost rows: %d -> %d", e.Table, e.Before, e.After)
}

// ValidateRowCounts compares the before and after snapshots. Tables present
// only in after (created by a patch) and tables with equal or grown counts
// are never flagged; an empty result means safe to proceed.
func ValidateRowCounts(before, after RowCounts) []ValidationError {
	tables := make([]string, 0, len(before))
	for t := range before {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var errs []ValidationError
	for _, table := range tables {
		if strings.HasSuffix(table, scratchTableSuffix) {
			continue
		}
		prior := before[table]
		count, ok := after[table]
		switch {
		case !ok:
			errs = append(errs, ValidationError{Table: table, Before: prior, Missing: true})
		case count < prior:
			errs = append(errs, ValidationError{Table: table, Before: prior, After: count})
		}
	}
	return errs
}

func joinValidationErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}
