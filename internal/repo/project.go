package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"taskline/internal/domain"
)

func (r Repo) GetProjectByID(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx,
		`SELECT id,project_name,absolute_path,description_md,created_at FROM project WHERE id=?`, id))
}

func (r Repo) GetProjectByPath(ctx context.Context, absolutePath string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx,
		`SELECT id,project_name,absolute_path,description_md,created_at FROM project WHERE absolute_path=?`, absolutePath))
}

// FirstProject is the fallback when no project reference is available.
func (r Repo) FirstProject(ctx context.Context) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx,
		`SELECT id,project_name,absolute_path,description_md,created_at FROM project ORDER BY id LIMIT 1`))
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.ProjectName, &p.AbsolutePath, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.DescriptionMD = desc.String
	}
	return p, err
}

// EnsureProject returns the project row for a directory, creating it from the
// directory name when absent. The second result reports whether it was created.
func (r Repo) EnsureProject(ctx context.Context, absolutePath string) (domain.Project, bool, error) {
	p, err := r.GetProjectByPath(ctx, absolutePath)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return p, false, err
	}
	name := filepath.Base(absolutePath)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "unnamed"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO project(project_name,absolute_path,description_md,created_at) VALUES (?,?,NULL,?)`,
		name, absolutePath, now)
	if err != nil {
		return domain.Project{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Project{}, false, err
	}
	return domain.Project{ID: id, ProjectName: name, AbsolutePath: absolutePath, CreatedAt: now}, true, nil
}

// UpdateProject applies the non-nil fields to an existing project row.
func (r Repo) UpdateProject(ctx context.Context, id int64, projectName, absolutePath, descriptionMD *string) (domain.Project, error) {
	var (
		fields []string
		args   []any
	)
	if projectName != nil {
		fields = append(fields, "project_name=?")
		args = append(args, *projectName)
	}
	if absolutePath != nil {
		fields = append(fields, "absolute_path=?")
		args = append(args, *absolutePath)
	}
	if descriptionMD != nil {
		fields = append(fields, "description_md=?")
		args = append(args, nullable(*descriptionMD))
	}
	if len(fields) > 0 {
		args = append(args, id)
		res, err := r.DB.ExecContext(ctx,
			fmt.Sprintf(`UPDATE project SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
		if err != nil {
			return domain.Project{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Project{}, ErrNotFound
		}
	}
	return r.GetProjectByID(ctx, id)
}
