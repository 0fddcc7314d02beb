package domain

type User struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID            int64  `json:"id"`
	ProjectName   string `json:"project_name"`
	AbsolutePath  string `json:"absolute_path"`
	DescriptionMD string `json:"description_md,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Context struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status" enum:"active,paused,completed"`
	DescriptionMD string `json:"description_md,omitempty"`
	UserID        *int64 `json:"user_id,omitempty"`
	ProjectID     *int64 `json:"project_id,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Step struct {
	ID            int64   `json:"id"`
	ContextID     int64   `json:"context_id"`
	Number        int     `json:"number"`
	Title         string  `json:"title"`
	DescriptionMD string  `json:"description_md,omitempty"`
	Status        string  `json:"status" enum:"planned,started,complete,blocked"`
	IsDeleted     bool    `json:"is_deleted,omitempty"`
	ParentID      *int64  `json:"parent_id,omitempty"`
	SortIndex     *int    `json:"sort_index,omitempty"`
	SubIndex      *int    `json:"sub_index,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Note kinds. Goal and plan notes gate step progression when the
// workflow.require_goal_and_plan toggle is on.
const (
	NoteKindGoal = "goal"
	NoteKindPlan = "plan"
	NoteKindNote = "note"
)

type ContextNote struct {
	ID        int64  `json:"id"`
	ContextID int64  `json:"context_id"`
	NoteMD    string `json:"note_md"`
	Kind      string `json:"kind" enum:"goal,plan,note"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Actor     string `json:"actor,omitempty"`
}

type StepNote struct {
	ID        int64  `json:"id"`
	StepID    int64  `json:"step_id"`
	NoteMD    string `json:"note_md"`
	Kind      string `json:"kind" enum:"goal,plan,note"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ContextState struct {
	ContextID    int64  `json:"context_id"`
	ActiveStepID *int64 `json:"active_step_id,omitempty"`
	LastStepID   *int64 `json:"last_step_id,omitempty"`
	NextStep     string `json:"next_step,omitempty"`
	StatusLabel  string `json:"status_label,omitempty"`
	LastEvent    string `json:"last_event,omitempty"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type UserState struct {
	UserID          int64  `json:"user_id"`
	ProjectID       int64  `json:"project_id"`
	ActiveContextID *int64 `json:"active_context_id,omitempty"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type ChangelogEntry struct {
	ID        int64  `json:"id"`
	ContextID *int64 `json:"context_id,omitempty"`
	StepID    *int64 `json:"step_id,omitempty"`
	Action    string `json:"action"`
	DetailsMD string `json:"details_md,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Actor     string `json:"actor,omitempty"`
}

// Step statuses.
const (
	StatusPlanned  = "planned"
	StatusStarted  = "started"
	StatusComplete = "complete"
	StatusBlocked  = "blocked"
)

// ContextSummary is the aggregate returned by show operations.
type ContextSummary struct {
	Context          Context `json:"context"`
	Steps            []Step  `json:"steps"`
	ActiveStepNumber *int    `json:"active_step_number,omitempty"`
	StatusLabel      string  `json:"status_label,omitempty"`
	LastEvent        string  `json:"last_event,omitempty"`
	Goal             string  `json:"goal,omitempty"`
	Plan             string  `json:"plan,omitempty"`
}

// ContextStatus is the aggregate returned by status operations.
type ContextStatus struct {
	Context          Context `json:"context"`
	ActiveStepNumber *int    `json:"active_step_number,omitempty"`
	StatusLabel      string  `json:"status_label,omitempty"`
	LastEvent        string  `json:"last_event,omitempty"`
	PlannedCount     int     `json:"planned_count"`
	StartedCount     int     `json:"started_count"`
	CompletedCount   int     `json:"completed_count"`
	BlockedCount     int     `json:"blocked_count"`
	DeletedCount     int     `json:"deleted_count"`
}
