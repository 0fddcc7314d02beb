package engine

import (
	"context"
	"errors"

	"taskline/internal/domain"
	"taskline/internal/repo"
)

// ContextEntry is a context row enriched for listing.
type ContextEntry struct {
	Context          domain.Context `json:"context"`
	User             string         `json:"user,omitempty"`
	IsActive         bool           `json:"is_active"`
	ActiveStepNumber *int           `json:"active_step_number,omitempty"`
	ActiveStepTitle  string         `json:"active_step_title,omitempty"`
}

// ListContexts lists contexts with the active marker and active step info.
func (e Engine) ListContexts(ctx context.Context, status string, userID, projectID *int64, showAllUsers bool) ([]ContextEntry, error) {
	var activeID *int64
	var err error
	if userID != nil {
		activeID, err = e.Repo.ActiveContextIDForUser(ctx, *userID, projectID)
		if err != nil {
			return nil, err
		}
	}
	if activeID == nil {
		activeID, err = e.Repo.GlobalActiveContextID(ctx)
		if err != nil {
			return nil, err
		}
	}
	contexts, err := e.Repo.ListContexts(ctx, repo.ContextFilters{
		UserID:       userID,
		ProjectID:    projectID,
		Status:       status,
		ShowAllUsers: showAllUsers,
	})
	if err != nil {
		return nil, err
	}
	var res []ContextEntry
	for _, c := range contexts {
		entry := ContextEntry{Context: c}
		if activeID != nil && c.ID == *activeID {
			entry.IsActive = true
		}
		if c.UserID != nil {
			if display, err := e.Repo.UserDisplay(ctx, *c.UserID); err == nil {
				entry.User = display
			}
		}
		state, err := e.Repo.GetContextState(ctx, c.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err == nil && state.ActiveStepID != nil {
			if step, err := e.Repo.GetStep(ctx, *state.ActiveStepID); err == nil {
				entry.ActiveStepNumber = &step.Number
				entry.ActiveStepTitle = step.Title
			}
		}
		res = append(res, entry)
	}
	return res, nil
}

// Show returns the full view of a context: steps, state and latest goal/plan.
func (e Engine) Show(ctx context.Context, contextRef string, userID, projectID *int64) (domain.ContextSummary, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return domain.ContextSummary{}, err
	}
	c, err := e.Repo.GetContext(ctx, contextID)
	if err != nil {
		return domain.ContextSummary{}, err
	}
	summary := domain.ContextSummary{Context: c}
	state, err := e.Repo.GetContextState(ctx, contextID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return summary, err
	}
	if err == nil {
		summary.StatusLabel = state.StatusLabel
		summary.LastEvent = state.LastEvent
		if state.ActiveStepID != nil {
			if step, err := e.Repo.GetStep(ctx, *state.ActiveStepID); err == nil {
				summary.ActiveStepNumber = &step.Number
			}
		}
	}
	summary.Steps, err = e.Repo.ListSteps(ctx, contextID)
	if err != nil {
		return summary, err
	}
	summary.Goal, summary.Plan, err = e.Repo.LatestGoalPlan(ctx, contextID)
	return summary, err
}

// Status returns the compact status view of a context.
func (e Engine) Status(ctx context.Context, contextRef string, userID, projectID *int64) (domain.ContextStatus, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return domain.ContextStatus{}, err
	}
	c, err := e.Repo.GetContext(ctx, contextID)
	if err != nil {
		return domain.ContextStatus{}, err
	}
	status := domain.ContextStatus{Context: c}
	state, err := e.Repo.GetContextState(ctx, contextID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return status, err
	}
	if err == nil {
		status.StatusLabel = state.StatusLabel
		status.LastEvent = state.LastEvent
		if state.ActiveStepID != nil {
			if step, err := e.Repo.GetStep(ctx, *state.ActiveStepID); err == nil {
				status.ActiveStepNumber = &step.Number
			}
		}
	}
	status.PlannedCount, status.StartedCount, status.CompletedCount, status.BlockedCount, status.DeletedCount, err =
		e.Repo.CountStepsByStatus(ctx, contextID)
	return status, err
}

// ListSteps lists a context's steps in number order.
func (e Engine) ListSteps(ctx context.Context, contextRef string, userID, projectID *int64) ([]domain.Step, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListSteps(ctx, contextID)
}

// StepSummary returns a single step, the active one when number is nil.
func (e Engine) StepSummary(ctx context.Context, number *int, contextRef string, userID, projectID *int64) (domain.Step, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return domain.Step{}, err
	}
	if number == nil {
		state, err := e.Repo.GetContextState(ctx, contextID)
		if err != nil {
			return domain.Step{}, err
		}
		if state.ActiveStepID == nil {
			return domain.Step{}, ErrNoActiveStep
		}
		return e.Repo.GetStep(ctx, *state.ActiveStepID)
	}
	return e.Repo.GetStepByNumber(ctx, contextID, *number)
}

// ContextLog returns the changelog for a context.
func (e Engine) ContextLog(ctx context.Context, contextRef string, limit int, userID, projectID *int64) ([]domain.ChangelogEntry, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListChangelog(ctx, contextID, nil, limit)
}

// StepLog returns the changelog for a single step.
func (e Engine) StepLog(ctx context.Context, number int, contextRef string, limit int, userID, projectID *int64) ([]domain.ChangelogEntry, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return nil, err
	}
	step, err := e.Repo.GetStepByNumber(ctx, contextID, number)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListChangelog(ctx, contextID, &step.ID, limit)
}
