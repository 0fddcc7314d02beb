package server

import (
	"taskline/internal/app"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/safety"
)

// Request payloads

type CreateContextRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	SetActive   bool     `json:"set_active,omitempty"`
}

type CreateStepRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	SortIndex   *int   `json:"sort_index,omitempty"`
	SubIndex    *int   `json:"sub_index,omitempty"`
}

type AddNoteRequest struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty" enum:"goal,plan,note,"`
}

// Response payloads

type ContextEntryResponse struct {
	Context          domain.Context `json:"context"`
	User             string         `json:"user,omitempty"`
	IsActive         bool           `json:"is_active"`
	ActiveStepNumber *int           `json:"active_step_number,omitempty"`
	ActiveStepTitle  string         `json:"active_step_title,omitempty"`
}

type ContextSummaryResponse struct {
	Context          domain.Context `json:"context"`
	Steps            []StepResponse `json:"steps"`
	ActiveStepNumber *int           `json:"active_step_number,omitempty"`
	StatusLabel      string         `json:"status_label,omitempty"`
	LastEvent        string         `json:"last_event,omitempty"`
	Goal             string         `json:"goal,omitempty"`
	Plan             string         `json:"plan,omitempty"`
}

type ContextStatusResponse struct {
	Context          domain.Context `json:"context"`
	ActiveStepNumber *int           `json:"active_step_number,omitempty"`
	StatusLabel      string         `json:"status_label,omitempty"`
	LastEvent        string         `json:"last_event,omitempty"`
	PlannedCount     int            `json:"planned_count"`
	StartedCount     int            `json:"started_count"`
	CompletedCount   int            `json:"completed_count"`
	BlockedCount     int            `json:"blocked_count"`
	DeletedCount     int            `json:"deleted_count"`
}

type StepResponse struct {
	ID          int64   `json:"id"`
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"planned,started,complete,blocked"`
	IsDeleted   bool    `json:"is_deleted,omitempty"`
	ParentID    *int64  `json:"parent_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ContextNoteResponse struct {
	ID        int64  `json:"id"`
	NoteMD    string `json:"note_md"`
	Kind      string `json:"kind" enum:"goal,plan,note"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Actor     string `json:"actor,omitempty"`
}

type StepNoteResponse struct {
	ID        int64  `json:"id"`
	NoteMD    string `json:"note_md"`
	Kind      string `json:"kind" enum:"goal,plan,note"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChangelogResponse struct {
	ID        int64  `json:"id"`
	StepID    *int64 `json:"step_id,omitempty"`
	Action    string `json:"action"`
	DetailsMD string `json:"details_md,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Actor     string `json:"actor,omitempty"`
}

type BackupResponse struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type ConfigResponse struct {
	Workspace string          `json:"workspace"`
	DBPath    string          `json:"db_path"`
	Workflow  WorkflowSection `json:"workflow"`
}

type WorkflowSection struct {
	RequireGoalAndPlan   bool `json:"require_goal_and_plan"`
	AllowReopenCompleted bool `json:"allow_reopen_completed"`
	DailyBackup          bool `json:"daily_backup"`
	BackupRetainDays     int  `json:"backup_retain_days"`
	EnableSteps          bool `json:"enable_steps"`
	EnableVersioning     bool `json:"enable_versioning"`
}

// Conversion helpers

func mapContextEntries(entries []engine.ContextEntry) []ContextEntryResponse {
	res := []ContextEntryResponse{}
	for _, e := range entries {
		res = append(res, ContextEntryResponse(e))
	}
	return res
}

func contextSummaryResponse(s domain.ContextSummary) ContextSummaryResponse {
	return ContextSummaryResponse{
		Context:          s.Context,
		Steps:            mapSteps(s.Steps),
		ActiveStepNumber: s.ActiveStepNumber,
		StatusLabel:      s.StatusLabel,
		LastEvent:        s.LastEvent,
		Goal:             s.Goal,
		Plan:             s.Plan,
	}
}

func contextStatusResponse(s domain.ContextStatus) ContextStatusResponse {
	return ContextStatusResponse(s)
}

func stepResponse(s domain.Step) StepResponse {
	return StepResponse{
		ID:          s.ID,
		Number:      s.Number,
		Title:       s.Title,
		Description: s.DescriptionMD,
		Status:      s.Status,
		IsDeleted:   s.IsDeleted,
		ParentID:    s.ParentID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func mapSteps(steps []domain.Step) []StepResponse {
	res := []StepResponse{}
	for _, s := range steps {
		res = append(res, stepResponse(s))
	}
	return res
}

func mapContextNotes(notes []domain.ContextNote) []ContextNoteResponse {
	res := []ContextNoteResponse{}
	for _, n := range notes {
		res = append(res, ContextNoteResponse{
			ID:        n.ID,
			NoteMD:    n.NoteMD,
			Kind:      n.Kind,
			CreatedAt: n.CreatedAt,
			Actor:     n.Actor,
		})
	}
	return res
}

func mapStepNotes(notes []domain.StepNote) []StepNoteResponse {
	res := []StepNoteResponse{}
	for _, n := range notes {
		res = append(res, StepNoteResponse{
			ID:        n.ID,
			NoteMD:    n.NoteMD,
			Kind:      n.Kind,
			CreatedAt: n.CreatedAt,
		})
	}
	return res
}

func mapChangelog(entries []domain.ChangelogEntry) []ChangelogResponse {
	res := []ChangelogResponse{}
	for _, e := range entries {
		res = append(res, ChangelogResponse{
			ID:        e.ID,
			StepID:    e.StepID,
			Action:    e.Action,
			DetailsMD: e.DetailsMD,
			CreatedAt: e.CreatedAt,
			Actor:     e.Actor,
		})
	}
	return res
}

func backupResponse(b safety.Backup) BackupResponse {
	return BackupResponse(b)
}

func configResponse(sess *app.Session) ConfigResponse {
	return ConfigResponse{
		Workspace: sess.Workspace,
		DBPath:    sess.DBPath,
		Workflow:  WorkflowSection(sess.Config.Workflow),
	}
}
