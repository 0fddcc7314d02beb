package engine

import (
	"context"
	"fmt"

	"taskline/internal/domain"
)

func validNoteKind(kind string) error {
	switch kind {
	case domain.NoteKindGoal, domain.NoteKindPlan, domain.NoteKindNote:
		return nil
	}
	return fmt.Errorf("invalid note kind %q; must be one of goal, plan, note", kind)
}

// AddContextNote attaches a note to a context, the active one when ref is
// empty.
func (e Engine) AddContextNote(ctx context.Context, noteMD, kind, contextRef, actor string, userID, projectID *int64) (int64, error) {
	if kind == "" {
		kind = domain.NoteKindNote
	}
	if err := validNoteKind(kind); err != nil {
		return 0, err
	}
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	noteID, err := e.Repo.InsertContextNoteTx(ctx, tx, domain.ContextNote{
		ContextID: contextID,
		NoteMD:    noteMD,
		Kind:      kind,
		CreatedAt: now,
		Actor:     actor,
	})
	if err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, nil, "Context Note Added", noteMD, actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return noteID, nil
}

func (e Engine) ListContextNotes(ctx context.Context, contextRef, kind string, userID, projectID *int64) ([]domain.ContextNote, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListContextNotes(ctx, contextID, kind)
}

// resolveStep resolves a step number within a context, or the active step
// when number is nil.
func (e Engine) resolveStep(ctx context.Context, contextID int64, number *int) (int64, error) {
	if number == nil {
		state, err := e.Repo.GetContextState(ctx, contextID)
		if err != nil {
			return 0, err
		}
		if state.ActiveStepID == nil {
			return 0, ErrNoActiveStep
		}
		return *state.ActiveStepID, nil
	}
	step, err := e.Repo.GetStepByNumber(ctx, contextID, *number)
	if err != nil {
		return 0, err
	}
	if step.IsDeleted {
		return 0, fmt.Errorf("step %d is deleted and cannot be modified", *number)
	}
	return step.ID, nil
}

// AddStepNote attaches a note to a step, the active one when number is nil.
func (e Engine) AddStepNote(ctx context.Context, noteMD, kind string, number *int, contextRef, actor string, userID, projectID *int64) (int64, error) {
	if kind == "" {
		kind = domain.NoteKindNote
	}
	if err := validNoteKind(kind); err != nil {
		return 0, err
	}
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	stepID, err := e.resolveStep(ctx, contextID, number)
	if err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	noteID, err := e.Repo.InsertStepNoteTx(ctx, tx, domain.StepNote{
		StepID:    stepID,
		NoteMD:    noteMD,
		Kind:      kind,
		CreatedAt: now,
	})
	if err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Note Added", noteMD, actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return noteID, nil
}

func (e Engine) ListStepNotes(ctx context.Context, number *int, contextRef, kind string, userID, projectID *int64) ([]domain.StepNote, error) {
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return nil, err
	}
	stepID, err := e.resolveStep(ctx, contextID, number)
	if err != nil {
		if err == ErrNoActiveStep {
			return nil, nil
		}
		return nil, err
	}
	return e.Repo.ListStepNotes(ctx, stepID, kind)
}

// DeleteStepNotes removes notes from a step, optionally only one kind.
func (e Engine) DeleteStepNotes(ctx context.Context, number *int, contextRef, kind, actor string, userID, projectID *int64) (int64, error) {
	if kind != "" {
		if err := validNoteKind(kind); err != nil {
			return 0, err
		}
	}
	contextID, err := e.resolveRef(ctx, contextRef, userID, projectID)
	if err != nil {
		return 0, err
	}
	stepID, err := e.resolveStep(ctx, contextID, number)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	removed, err := e.Repo.DeleteStepNotesTx(ctx, tx, stepID, kind)
	if err != nil {
		return 0, err
	}
	if err := e.Changelog.Append(ctx, tx, &contextID, &stepID, "Task Notes Deleted", "", actor); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}
