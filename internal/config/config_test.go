package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.Workflow.RequireGoalAndPlan {
		t.Fatalf("expected require_goal_and_plan on by default")
	}
	if cfg.Workflow.AllowReopenCompleted {
		t.Fatalf("expected allow_reopen_completed off by default")
	}
	if !cfg.Workflow.DailyBackup || cfg.Workflow.BackupRetainDays != 7 {
		t.Fatalf("unexpected backup defaults: %+v", cfg.Workflow)
	}
	if !cfg.Workflow.EnableSteps || !cfg.Workflow.EnableVersioning {
		t.Fatalf("expected tool groups enabled by default")
	}
}

func TestPartialYAMLMergesOverDefaults(t *testing.T) {
	cfg := FromYAML([]byte("workflow:\n  require_goal_and_plan: false\n  backup_retain_days: 30\n"))
	if cfg.Workflow.RequireGoalAndPlan {
		t.Fatalf("expected override to false")
	}
	if cfg.Workflow.BackupRetainDays != 30 {
		t.Fatalf("expected retain days 30, got %d", cfg.Workflow.BackupRetainDays)
	}
	// untouched keys keep their defaults
	if !cfg.Workflow.DailyBackup || !cfg.Workflow.EnableSteps {
		t.Fatalf("expected untouched defaults, got %+v", cfg.Workflow)
	}
}

func TestMalformedYAMLYieldsDefaults(t *testing.T) {
	cfg := FromYAML([]byte("workflow: [not a map"))
	if *cfg != *Default() {
		t.Fatalf("expected defaults for malformed input, got %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Load(t.TempDir())
	if *cfg != *Default() {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestSetPreservesOtherKeys(t *testing.T) {
	workspace := t.TempDir()
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	seed := "workflow:\n  daily_backup: false\ncustom_section:\n  keep: me\n"
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Set(workspace, "workflow", "allow_reopen_completed", true)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !cfg.Workflow.AllowReopenCompleted {
		t.Fatalf("expected toggle applied")
	}
	if cfg.Workflow.DailyBackup {
		t.Fatalf("expected prior file override preserved")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"custom_section", "keep", "daily_backup"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %q preserved, file:\n%s", want, data)
		}
	}
}

func TestDisabledTools(t *testing.T) {
	cfg := Default()
	if len(cfg.DisabledTools()) != 0 {
		t.Fatalf("expected nothing disabled by default")
	}
	cfg.Workflow.EnableSteps = false
	disabled := cfg.DisabledTools()
	if !disabled["plan_step_new"] || !disabled["plan_step_done"] {
		t.Fatalf("expected step tools disabled, got %v", disabled)
	}
	if disabled["plan_checkpoint"] {
		t.Fatalf("versioning tools must stay enabled")
	}
	cfg.Workflow.EnableVersioning = false
	disabled = cfg.DisabledTools()
	if !disabled["plan_checkpoint"] || !disabled["plan_restore"] {
		t.Fatalf("expected versioning tools disabled, got %v", disabled)
	}
	if disabled["plan_task_new"] {
		t.Fatalf("task tools are never gated")
	}
}
