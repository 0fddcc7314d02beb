// Package app wires the database, schema bootstrap, config and workspace
// identity into a ready-to-use session.
package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/repo"
	"taskline/internal/safety"
)

// Session is an opened workspace: database, engine, identity and config.
type Session struct {
	DB         *sql.DB
	Engine     engine.Engine
	Repo       repo.Repo
	Config     *config.Config
	User       domain.User
	Project    domain.Project
	Workspace  string
	DBPath     string
	BackupPath string
	Logger     *slog.Logger
}

// OSUser returns the login name for attribution, "unknown" when the platform
// cannot say.
func OSUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// Open boots a workspace session: opens the database, brings the schema up to
// date through the migration pipeline, ensures the user and project rows, and
// takes the daily backup when the toggle asks for one. The schema migration
// aborting is fatal; the daily backup failing is not.
func Open(ctx context.Context, workspace string, log *slog.Logger) (*Session, error) {
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workspace = cwd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg := config.Load(abs)

	conn, err := db.Open(db.Config{Workspace: abs})
	if err != nil {
		return nil, err
	}
	dbPath := db.Path(abs)
	backupPath, err := db.EnsureSchema(ctx, conn, dbPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if backupPath != "" && log != nil {
		log.Info("schema migrated", "backup", backupPath)
	}

	r := repo.Repo{DB: conn}
	project, created, err := r.EnsureProject(ctx, abs)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if created && log != nil {
		log.Debug("project registered", "name", project.ProjectName, "path", project.AbsolutePath)
	}
	u, err := r.GetOrCreateUser(ctx, OSUser())
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		DB:         conn,
		Engine:     engine.New(conn, cfg),
		Repo:       r,
		Config:     cfg,
		User:       u,
		Project:    project,
		Workspace:  abs,
		DBPath:     dbPath,
		BackupPath: backupPath,
		Logger:     log,
	}
	s.maybeDailyBackup(log)
	return s, nil
}

// maybeDailyBackup takes at most one backup per day and prunes old ones per
// the retention setting. Failures are logged, never fatal.
func (s *Session) maybeDailyBackup(log *slog.Logger) {
	if s.Config == nil || !s.Config.Workflow.DailyBackup {
		return
	}
	backups, err := safety.ListBackups(s.DBPath)
	if err == nil {
		today := "." + time.Now().Format("060102")
		for _, b := range backups {
			if strings.HasPrefix(filepath.Ext(b), today) {
				return
			}
		}
	}
	if _, err := safety.CreateVerifiedBackup(s.DBPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) && log != nil {
			log.Warn("daily backup failed", "err", err)
		}
		return
	}
	if days := s.Config.Workflow.BackupRetainDays; days > 0 {
		if _, err := safety.PruneBackups(s.DBPath, days); err != nil && log != nil {
			log.Warn("backup prune failed", "err", err)
		}
	}
}

func (s *Session) Close() error {
	return s.DB.Close()
}

// UserID and ProjectID are scoping helpers for engine calls.
func (s *Session) UserID() *int64    { id := s.User.ID; return &id }
func (s *Session) ProjectID() *int64 { id := s.Project.ID; return &id }

// Actor is the changelog attribution string for this session.
func (s *Session) Actor() string {
	if s.User.DisplayName != "" {
		return s.User.DisplayName
	}
	return s.User.Name
}
