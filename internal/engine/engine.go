// Package engine implements the workflow operations over contexts and steps.
// Every mutation runs in a transaction and appends changelog entries so the
// audit trail commits atomically with the change it describes.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskline/internal/changelog"
	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Changelog changelog.Writer
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Changelog: changelog.Writer{},
		Config:    cfg,
		Now:       time.Now,
	}
}

var (
	ErrNoActiveContext = errors.New("no active context is set")
	ErrNoActiveStep    = errors.New("no active step is set")
)

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// ResolveActiveContext returns the active context for a user, falling back to
// the workspace-wide state.
func (e Engine) ResolveActiveContext(ctx context.Context, userID, projectID *int64) (int64, error) {
	if userID != nil {
		id, err := e.Repo.ActiveContextIDForUser(ctx, *userID, projectID)
		if err != nil {
			return 0, err
		}
		if id != nil {
			return *id, nil
		}
	}
	id, err := e.Repo.GlobalActiveContextID(ctx)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, ErrNoActiveContext
	}
	return *id, nil
}

// resolveRef resolves an optional context reference, empty meaning the active
// context.
func (e Engine) resolveRef(ctx context.Context, ref string, userID, projectID *int64) (int64, error) {
	if ref == "" {
		return e.ResolveActiveContext(ctx, userID, projectID)
	}
	return e.Repo.ResolveContext(ctx, ref, projectID)
}

// nextStepPayload is the machine-readable hint stored in context_state that
// tells a client what to do next.
func nextStepPayload(action, reason string, allowed []string, target map[string]any) string {
	payload := map[string]any{
		"action":  action,
		"reason":  reason,
		"allowed": allowed,
		"target":  target,
	}
	if target == nil {
		payload["target"] = map[string]any{}
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func (e Engine) setNextStepForActive(ctx context.Context, tx *sql.Tx, contextID int64, stepNumber int, now string) error {
	payload := nextStepPayload("step.done", "Active step in progress.", []string{
		"step.done", "step.switch", "step.new", "step.show", "step.list",
		"context.show", "context.status", "context.log", "context.list", "context.switch",
	}, map[string]any{"step_number": stepNumber})
	return e.Repo.SetNextStepTx(ctx, tx, contextID, payload, now)
}

func (e Engine) setNextStepForNew(ctx context.Context, tx *sql.Tx, contextID int64, now string) error {
	payload := nextStepPayload("step.new", "No active step is set.", []string{
		"step.new", "context.show", "context.status", "context.log", "context.list", "context.switch",
	}, nil)
	return e.Repo.SetNextStepTx(ctx, tx, contextID, payload, now)
}

// requireGoalAndPlan blocks step progression until real goal and plan notes
// exist, when the workflow toggle demands them.
func (e Engine) requireGoalAndPlan(ctx context.Context, contextID int64) error {
	if e.Config == nil || !e.Config.Workflow.RequireGoalAndPlan {
		return nil
	}
	present, err := e.Repo.GoalPlanKinds(ctx, contextID)
	if err != nil {
		return err
	}
	var missing []string
	if !present[domain.NoteKindGoal] {
		missing = append(missing, domain.NoteKindGoal)
	}
	if !present[domain.NoteKindPlan] {
		missing = append(missing, domain.NoteKindPlan)
	}
	if len(missing) > 0 {
		return fmt.Errorf("cannot progress step: context is missing %s notes; add them with a note of kind %q",
			joinAnd(missing), missing[0])
	}
	return nil
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return items[0] + " and " + items[1]
	}
}

// StepInput describes an initial step for context creation.
type StepInput struct {
	Title         string
	DescriptionMD string
	ParentID      *int64
	SortIndex     *int
	SubIndex      *int
}

// ContextCreateOptions are parameters for creating a context.
type ContextCreateOptions struct {
	Name                  string
	DescriptionMD         string
	Steps                 []StepInput
	SetActive             bool
	StartStepIndex        *int
	AutoCompleteFirstStep bool
	Actor                 string
	UserID                *int64
	ProjectID             *int64
}

// CreateContext creates a context with optional initial steps and activation.
func (e Engine) CreateContext(ctx context.Context, opts ContextCreateOptions) (int64, error) {
	if opts.Name == "" {
		return 0, errors.New("name is required")
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	contextID, err := e.Repo.InsertContextTx(ctx, tx, domain.Context{
		Name:          opts.Name,
		Status:        "active",
		DescriptionMD: opts.DescriptionMD,
		UserID:        opts.UserID,
		ProjectID:     opts.ProjectID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return 0, err
	}
	if err := e.Repo.InsertContextStateTx(ctx, tx, domain.ContextState{
		ContextID:   contextID,
		StatusLabel: "Created",
		LastEvent:   "Context Created",
		UpdatedAt:   now,
	}); err != nil {
		return 0, err
	}

	stepIDs, err := e.insertSteps(ctx, tx, contextID, opts.Steps, now)
	if err != nil {
		return 0, err
	}
	if len(stepIDs) > 0 {
		last := stepIDs[len(stepIDs)-1]
		if _, err := tx.ExecContext(ctx, `UPDATE context_state SET last_task_id=? WHERE context_id=?`, last, contextID); err != nil {
			return 0, err
		}
	}
	if opts.AutoCompleteFirstStep && len(stepIDs) > 0 {
		if err := e.Repo.CompleteStepTx(ctx, tx, stepIDs[0], now); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE context_state SET last_task_id=? WHERE context_id=?`, stepIDs[0], contextID); err != nil {
			return 0, err
		}
	}

	var activeID *int64
	switch {
	case opts.StartStepIndex != nil:
		idx := *opts.StartStepIndex
		if idx < 1 || idx > len(stepIDs) {
			return 0, errors.New("start step index is out of range for initial steps")
		}
		activeID = &stepIDs[idx-1]
	case opts.SetActive && len(stepIDs) > 0:
		activeID = &stepIDs[0]
	}

	if activeID != nil {
		if err := e.startStepTx(ctx, tx, contextID, *activeID, "Task Started", opts.Actor, now); err != nil {
			return 0, err
		}
	} else if err := e.setNextStepForNew(ctx, tx, contextID, now); err != nil {
		return 0, err
	}

	if opts.SetActive {
		if opts.UserID != nil && opts.ProjectID != nil {
			if err := e.Repo.UpsertUserStateTx(ctx, tx, *opts.UserID, *opts.ProjectID, &contextID, now); err != nil {
				return 0, err
			}
		}
		if err := e.Repo.UpsertGlobalStateTx(ctx, tx, &contextID, now); err != nil {
			return 0, err
		}
	}

	if err := e.Changelog.Append(ctx, tx, &contextID, nil, "Context Created", "", opts.Actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return contextID, nil
}

// insertSteps inserts initial steps, numbering them after any existing ones
// and assigning sort/sub indexes positionally when not given.
func (e Engine) insertSteps(ctx context.Context, tx *sql.Tx, contextID int64, steps []StepInput, now string) ([]int64, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	number, err := e.Repo.NextStepNumberTx(ctx, tx, contextID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	topLevel := 0
	childCounter := map[int64]int{}
	for _, in := range steps {
		sortIndex := in.SortIndex
		subIndex := in.SubIndex
		if in.ParentID == nil && sortIndex == nil {
			topLevel++
			v := topLevel
			sortIndex = &v
		}
		if in.ParentID != nil && subIndex == nil {
			childCounter[*in.ParentID]++
			v := childCounter[*in.ParentID]
			subIndex = &v
		}
		id, err := e.Repo.InsertStepTx(ctx, tx, domain.Step{
			ContextID:     contextID,
			Number:        number,
			Title:         in.Title,
			DescriptionMD: in.DescriptionMD,
			Status:        domain.StatusPlanned,
			ParentID:      in.ParentID,
			SortIndex:     sortIndex,
			SubIndex:      subIndex,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		number++
	}
	return ids, nil
}

// startStepTx marks a step started, makes it the active step and records the
// transition.
func (e Engine) startStepTx(ctx context.Context, tx *sql.Tx, contextID, stepID int64, event, actor, now string) error {
	if err := e.Repo.SetStepStatusTx(ctx, tx, stepID, domain.StatusStarted, now); err != nil {
		return err
	}
	if err := e.Repo.SetActiveStepTx(ctx, tx, contextID, &stepID, stepID, event, now); err != nil {
		return err
	}
	var number int
	if err := tx.QueryRowContext(ctx, `SELECT task_number FROM tasks WHERE id=?`, stepID).Scan(&number); err != nil {
		return err
	}
	if err := e.setNextStepForActive(ctx, tx, contextID, number, now); err != nil {
		return err
	}
	return e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Started", "", actor)
}

// StepCreateOptions are parameters for creating a step.
type StepCreateOptions struct {
	ContextRef    string
	Title         string
	DescriptionMD string
	ParentID      *int64
	SortIndex     *int
	SubIndex      *int
	Actor         string
	UserID        *int64
	ProjectID     *int64
}

// CreateStep creates a step and makes it the active one. The previously
// active step, if any, returns to planned.
func (e Engine) CreateStep(ctx context.Context, opts StepCreateOptions) (int64, int, error) {
	if opts.Title == "" {
		return 0, 0, errors.New("title is required")
	}
	if opts.ParentID == nil && opts.SubIndex != nil {
		return 0, 0, errors.New("sub index requires a parent step")
	}
	if opts.ParentID != nil && opts.SortIndex != nil {
		return 0, 0, errors.New("sort index is only valid for top-level steps")
	}
	contextID, err := e.resolveRef(ctx, opts.ContextRef, opts.UserID, opts.ProjectID)
	if err != nil {
		return 0, 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	if opts.ParentID != nil {
		if err := e.Repo.StepInContextTx(ctx, tx, *opts.ParentID, contextID); err != nil {
			return 0, 0, err
		}
	}
	sortIndex := opts.SortIndex
	if opts.ParentID == nil && sortIndex == nil {
		next, err := e.Repo.NextSortIndexTx(ctx, tx, contextID)
		if err != nil {
			return 0, 0, err
		}
		sortIndex = &next
	}
	subIndex := opts.SubIndex
	if opts.ParentID != nil && subIndex == nil {
		next, err := e.Repo.NextSubIndexTx(ctx, tx, *opts.ParentID)
		if err != nil {
			return 0, 0, err
		}
		subIndex = &next
	}
	number, err := e.Repo.NextStepNumberTx(ctx, tx, contextID)
	if err != nil {
		return 0, 0, err
	}
	stepID, err := e.Repo.InsertStepTx(ctx, tx, domain.Step{
		ContextID:     contextID,
		Number:        number,
		Title:         opts.Title,
		DescriptionMD: opts.DescriptionMD,
		Status:        domain.StatusPlanned,
		ParentID:      opts.ParentID,
		SortIndex:     sortIndex,
		SubIndex:      subIndex,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return 0, 0, err
	}

	// Only one active step per context.
	var prevActive sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT active_task_id FROM context_state WHERE context_id=?`, contextID).Scan(&prevActive)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}
	if prevActive.Valid {
		if err := e.Repo.SetStepStatusTx(ctx, tx, prevActive.Int64, domain.StatusPlanned, now); err != nil {
			return 0, 0, err
		}
	}
	if err := e.Repo.SetStepStatusTx(ctx, tx, stepID, domain.StatusStarted, now); err != nil {
		return 0, 0, err
	}
	if err := e.Repo.SetActiveStepTx(ctx, tx, contextID, &stepID, stepID, "Task Started", now); err != nil {
		return 0, 0, err
	}
	if err := e.setNextStepForActive(ctx, tx, contextID, number, now); err != nil {
		return 0, 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Created", opts.Title, opts.Actor); err != nil {
		return 0, 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Started", "", opts.Actor); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return stepID, number, nil
}

// SwitchContext makes a context active for the user and workspace, ensuring
// it has an active step. Completed contexts reopen only when the
// allow_reopen_completed toggle is on.
func (e Engine) SwitchContext(ctx context.Context, ref, actor string, userID, projectID *int64) (int64, error) {
	contextID, err := e.Repo.ResolveContext(ctx, ref, projectID)
	if err != nil {
		return 0, err
	}
	target, err := e.Repo.GetContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if target.Status == "completed" {
		if e.Config == nil || !e.Config.Workflow.AllowReopenCompleted {
			return 0, errors.New("cannot switch to a completed context; set workflow.allow_reopen_completed to true to allow this")
		}
		if err := e.Repo.UpdateContextStatusTx(ctx, tx, contextID, "active", now); err != nil {
			return 0, err
		}
	}

	if userID != nil && projectID != nil {
		if err := e.Repo.UpsertUserStateTx(ctx, tx, *userID, *projectID, &contextID, now); err != nil {
			return 0, err
		}
	}
	if err := e.Repo.UpsertGlobalStateTx(ctx, tx, &contextID, now); err != nil {
		return 0, err
	}

	var active sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT active_task_id FROM context_state WHERE context_id=?`, contextID).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if !active.Valid {
		candidate, err := e.Repo.FirstCandidateStep(ctx, contextID)
		var stepID int64
		switch {
		case err == nil:
			stepID = candidate.ID
		case errors.Is(err, repo.ErrNotFound):
			number, err := e.Repo.NextStepNumberTx(ctx, tx, contextID)
			if err != nil {
				return 0, err
			}
			one := 1
			stepID, err = e.Repo.InsertStepTx(ctx, tx, domain.Step{
				ContextID: contextID,
				Number:    number,
				Title:     "New step",
				Status:    domain.StatusPlanned,
				SortIndex: &one,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				return 0, err
			}
			if err := e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Created", "New step", actor); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
		if err := e.startStepTx(ctx, tx, contextID, stepID, "Task Started", actor, now); err != nil {
			return 0, err
		}
	}

	if err := e.Changelog.Append(ctx, tx, &contextID, nil, "Context Switched", "", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return contextID, nil
}

// SwitchStep activates a step by number. Other step statuses are left alone.
func (e Engine) SwitchStep(ctx context.Context, number int, contextRef, actor string, userID, projectID *int64) (int64, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	step, err := e.Repo.GetStepByNumber(ctx, contextID, number)
	if err != nil {
		return 0, err
	}
	if step.IsDeleted {
		return 0, fmt.Errorf("step %d is deleted and cannot be activated", number)
	}
	if err := e.requireGoalAndPlan(ctx, contextID); err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetStepStatusTx(ctx, tx, step.ID, domain.StatusStarted, now); err != nil {
		return 0, err
	}
	if err := e.Repo.SetActiveStepTx(ctx, tx, contextID, &step.ID, step.ID, "Task Switched", now); err != nil {
		return 0, err
	}
	if err := e.setNextStepForActive(ctx, tx, contextID, number, now); err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &step.ID, "Task Switched", "", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return step.ID, nil
}

// CompleteStep marks a step complete.
func (e Engine) CompleteStep(ctx context.Context, number int, contextRef, actor string, userID, projectID *int64) (int64, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	step, err := e.Repo.GetStepByNumber(ctx, contextID, number)
	if err != nil {
		return 0, err
	}
	if step.IsDeleted {
		return 0, fmt.Errorf("step %d is deleted and cannot be completed", number)
	}
	if err := e.requireGoalAndPlan(ctx, contextID); err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteStepTx(ctx, tx, step.ID, now); err != nil {
		return 0, err
	}
	if err := e.Repo.SetLastEventTx(ctx, tx, contextID, step.ID, "Task Completed", now); err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &step.ID, "Task Completed", "", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return step.ID, nil
}

// DeleteStep soft-deletes a step. If it was active, the lowest-numbered
// planned step takes over; with none left the context has no active step.
func (e Engine) DeleteStep(ctx context.Context, number int, contextRef, actor string, userID, projectID *int64) (int64, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	step, err := e.Repo.GetStepByNumber(ctx, contextID, number)
	if err != nil {
		return 0, err
	}
	if step.IsDeleted {
		return 0, fmt.Errorf("step %d is already deleted", number)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteStepTx(ctx, tx, step.ID, now); err != nil {
		return 0, err
	}

	var active sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT active_task_id FROM context_state WHERE context_id=?`, contextID).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if active.Valid && active.Int64 == step.ID {
		var replacementID sql.NullInt64
		var replacementNumber sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT id,task_number FROM tasks WHERE context_id=? AND is_deleted=0 ORDER BY task_number LIMIT 1`, contextID).
			Scan(&replacementID, &replacementNumber)
		switch {
		case err == nil:
			if err := e.Repo.SetActiveStepTx(ctx, tx, contextID, &replacementID.Int64, replacementID.Int64, "Task Switched", now); err != nil {
				return 0, err
			}
			if err := e.setNextStepForActive(ctx, tx, contextID, int(replacementNumber.Int64), now); err != nil {
				return 0, err
			}
		case errors.Is(err, sql.ErrNoRows):
			if err := e.Repo.SetActiveStepTx(ctx, tx, contextID, nil, step.ID, "Task Deleted", now); err != nil {
				return 0, err
			}
			if err := e.setNextStepForNew(ctx, tx, contextID, now); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	} else if err := e.Repo.SetLastEventTx(ctx, tx, contextID, step.ID, "Task Deleted", now); err != nil {
		return 0, err
	}

	if err := e.Changelog.Append(ctx, tx, &contextID, &step.ID, "Task Deleted", "", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return step.ID, nil
}

// CompleteContext marks a context completed. The active context must be
// switched away from first.
func (e Engine) CompleteContext(ctx context.Context, ref string, userID, projectID *int64) (int64, error) {
	contextID, err := e.Repo.ResolveContext(ctx, ref, projectID)
	if err != nil {
		return 0, err
	}
	var activeID *int64
	if userID != nil {
		activeID, err = e.Repo.ActiveContextIDForUser(ctx, *userID, projectID)
	} else {
		activeID, err = e.Repo.GlobalActiveContextID(ctx)
	}
	if err != nil {
		return 0, err
	}
	if activeID != nil && *activeID == contextID {
		return 0, fmt.Errorf("cannot complete the active context %q; switch to another context first", ref)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateContextStatusTx(ctx, tx, contextID, "completed", now); err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, nil, "Context Completed", "", ""); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return contextID, nil
}
