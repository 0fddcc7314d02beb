package engine_test

import (
	"context"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := db.EnsureSchema(ctx, conn, db.Path(dir)); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func addGoalAndPlan(t *testing.T, env testEnv, ref string) {
	t.Helper()
	if _, err := env.Engine.AddContextNote(env.Ctx, "ship it", "goal", ref, "tester", nil, nil); err != nil {
		t.Fatalf("add goal: %v", err)
	}
	if _, err := env.Engine.AddContextNote(env.Ctx, "step by step", "plan", ref, "tester", nil, nil); err != nil {
		t.Fatalf("add plan: %v", err)
	}
}

func TestCreateContextWithInitialSteps(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name:  "build-auth",
		Steps: []engine.StepInput{{Title: "design"}, {Title: "implement"}, {Title: "review"}},
		SetActive: true,
		Actor:     "tester",
	})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	summary, err := env.Engine.Show(env.Ctx, "build-auth", nil, nil)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if summary.Context.ID != id || summary.Context.Status != "active" {
		t.Fatalf("unexpected context: %+v", summary.Context)
	}
	if len(summary.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(summary.Steps))
	}
	if summary.ActiveStepNumber == nil || *summary.ActiveStepNumber != 1 {
		t.Fatalf("expected step 1 active, got %v", summary.ActiveStepNumber)
	}
	if summary.Steps[0].Status != domain.StatusStarted {
		t.Fatalf("expected first step started, got %s", summary.Steps[0].Status)
	}
	for _, s := range summary.Steps[1:] {
		if s.Status != domain.StatusPlanned {
			t.Fatalf("expected step %d planned, got %s", s.Number, s.Status)
		}
	}
}

func TestCreateStepDeactivatesPrevious(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "ctx", Steps: []engine.StepInput{{Title: "first"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, number, err := env.Engine.CreateStep(env.Ctx, engine.StepCreateOptions{Title: "second", Actor: "tester"})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if number != 2 {
		t.Fatalf("expected step number 2, got %d", number)
	}
	summary, err := env.Engine.Show(env.Ctx, "ctx", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActiveStepNumber == nil || *summary.ActiveStepNumber != 2 {
		t.Fatalf("expected step 2 active, got %v", summary.ActiveStepNumber)
	}
	if summary.Steps[0].Status != domain.StatusPlanned {
		t.Fatalf("expected previous step back to planned, got %s", summary.Steps[0].Status)
	}
}

func TestStepNumbersNeverReused(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "ctx", Steps: []engine.StepInput{{Title: "one"}, {Title: "two"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeleteStep(env.Ctx, 2, "", "tester", nil, nil); err != nil {
		t.Fatalf("delete step: %v", err)
	}
	_, number, err := env.Engine.CreateStep(env.Ctx, engine.StepCreateOptions{Title: "three", Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if number != 3 {
		t.Fatalf("expected number 3 after deleting step 2, got %d", number)
	}
}

func TestGoalPlanGateBlocksStepProgress(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "gated", Steps: []engine.StepInput{{Title: "work"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, 1, "", "tester", nil, nil); err == nil {
		t.Fatalf("expected goal/plan gate to block completion")
	}
	// migration placeholders must not satisfy the gate
	if _, err := env.Engine.AddContextNote(env.Ctx, "(migrated) backfill", "goal", "", "tester", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddContextNote(env.Ctx, "(migrated) backfill", "plan", "", "tester", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, 1, "", "tester", nil, nil); err == nil {
		t.Fatalf("expected placeholder notes to be ignored by the gate")
	}
	addGoalAndPlan(t, env, "")
	if _, err := env.Engine.CompleteStep(env.Ctx, 1, "", "tester", nil, nil); err != nil {
		t.Fatalf("expected completion after goal and plan set: %v", err)
	}
}

func TestGoalPlanGateDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.RequireGoalAndPlan = false
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "free", Steps: []engine.StepInput{{Title: "work"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, 1, "", "tester", nil, nil); err != nil {
		t.Fatalf("expected completion with gate off: %v", err)
	}
}

func TestCompleteActiveContextRefused(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "busy", SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteContext(env.Ctx, "busy", nil, nil); err == nil {
		t.Fatalf("expected refusal to complete the active context")
	}
}

func TestReopenCompletedGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "old", SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "new", SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteContext(env.Ctx, "old", nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SwitchContext(env.Ctx, "old", "tester", nil, nil); err == nil {
		t.Fatalf("expected switch to completed context to be refused")
	}
	env.Engine.Config.Workflow.AllowReopenCompleted = true
	if _, err := env.Engine.SwitchContext(env.Ctx, "old", "tester", nil, nil); err != nil {
		t.Fatalf("expected reopen with toggle on: %v", err)
	}
	summary, err := env.Engine.Show(env.Ctx, "old", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Context.Status != "active" {
		t.Fatalf("expected reopened context active, got %s", summary.Context.Status)
	}
}

func TestSwitchContextCreatesStepWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{Name: "bare", Actor: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SwitchContext(env.Ctx, "bare", "tester", nil, nil); err != nil {
		t.Fatalf("switch: %v", err)
	}
	summary, err := env.Engine.Show(env.Ctx, "bare", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Steps) != 1 || summary.ActiveStepNumber == nil {
		t.Fatalf("expected a bootstrap step to be created and activated, got %+v", summary)
	}
}

func TestDeleteActiveStepPromotesReplacement(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name:  "ctx",
		Steps: []engine.StepInput{{Title: "a"}, {Title: "b"}, {Title: "c"}},
		SetActive: true,
		Actor:     "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeleteStep(env.Ctx, 1, "", "tester", nil, nil); err != nil {
		t.Fatalf("delete active step: %v", err)
	}
	summary, err := env.Engine.Show(env.Ctx, "ctx", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActiveStepNumber == nil || *summary.ActiveStepNumber != 2 {
		t.Fatalf("expected step 2 promoted, got %v", summary.ActiveStepNumber)
	}
	if _, err := env.Engine.DeleteStep(env.Ctx, 2, "", "tester", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeleteStep(env.Ctx, 3, "", "tester", nil, nil); err != nil {
		t.Fatal(err)
	}
	summary, err = env.Engine.Show(env.Ctx, "ctx", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ActiveStepNumber != nil {
		t.Fatalf("expected no active step after deleting all, got %v", *summary.ActiveStepNumber)
	}
	// deleted steps cannot be touched again
	if _, err := env.Engine.DeleteStep(env.Ctx, 1, "", "tester", nil, nil); err == nil {
		t.Fatalf("expected double delete to fail")
	}
	if _, err := env.Engine.SwitchStep(env.Ctx, 1, "", "tester", nil, nil); err == nil {
		t.Fatalf("expected switch to deleted step to fail")
	}
}

func TestChangelogRecordsActions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "audited", Steps: []engine.StepInput{{Title: "one"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	addGoalAndPlan(t, env, "")
	if _, err := env.Engine.CompleteStep(env.Ctx, 1, "", "tester", nil, nil); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.ContextLog(env.Ctx, "audited", 50, nil, nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Action] = true
	}
	for _, want := range []string{"Context Created", "Task Started", "Context Note Added", "Task Completed"} {
		if !seen[want] {
			t.Fatalf("expected %q in changelog, got %v", want, seen)
		}
	}
}

func TestStepNotesLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContext(env.Ctx, engine.ContextCreateOptions{
		Name: "ctx", Steps: []engine.StepInput{{Title: "one"}}, SetActive: true, Actor: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddStepNote(env.Ctx, "remember the edge case", "", nil, "", "tester", nil, nil); err != nil {
		t.Fatalf("add note: %v", err)
	}
	if _, err := env.Engine.AddStepNote(env.Ctx, "x", "bogus", nil, "", "tester", nil, nil); err == nil {
		t.Fatalf("expected invalid kind to be rejected")
	}
	notes, err := env.Engine.ListStepNotes(env.Ctx, nil, "", "", nil, nil)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d (%v)", len(notes), err)
	}
	if notes[0].Kind != domain.NoteKindNote {
		t.Fatalf("expected default kind note, got %s", notes[0].Kind)
	}
	removed, err := env.Engine.DeleteStepNotes(env.Ctx, nil, "", "", "tester", nil, nil)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d (%v)", removed, err)
	}
}
