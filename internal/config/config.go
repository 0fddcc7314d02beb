package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models config.yaml. Missing keys fall back to defaults, so a partial
// or absent file is always usable.
type Config struct {
	Workflow Workflow `yaml:"workflow"`
}

type Workflow struct {
	RequireGoalAndPlan   bool `yaml:"require_goal_and_plan"`
	AllowReopenCompleted bool `yaml:"allow_reopen_completed"`
	DailyBackup          bool `yaml:"daily_backup"`
	BackupRetainDays     int  `yaml:"backup_retain_days"`
	EnableSteps          bool `yaml:"enable_steps"`
	EnableVersioning     bool `yaml:"enable_versioning"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{Workflow: Workflow{
		RequireGoalAndPlan:   true,
		AllowReopenCompleted: false,
		DailyBackup:          true,
		BackupRetainDays:     7,
		EnableSteps:          true,
		EnableVersioning:     true,
	}}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskline", "config.yaml")
}

// Load reads config.yaml and merges it over the defaults. A missing or
// malformed file yields the defaults; overrides never have to be complete.
func Load(workspace string) *Config {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		return Default()
	}
	return FromYAML(data)
}

// FromYAML merges raw YAML over the defaults. Malformed input yields the
// defaults.
func FromYAML(data []byte) *Config {
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Default()
	}
	cfg := Default()
	file.apply(cfg)
	return cfg
}

// fileConfig distinguishes absent keys from explicit false/zero values.
type fileConfig struct {
	Workflow struct {
		RequireGoalAndPlan   *bool `yaml:"require_goal_and_plan"`
		AllowReopenCompleted *bool `yaml:"allow_reopen_completed"`
		DailyBackup          *bool `yaml:"daily_backup"`
		BackupRetainDays     *int  `yaml:"backup_retain_days"`
		EnableSteps          *bool `yaml:"enable_steps"`
		EnableVersioning     *bool `yaml:"enable_versioning"`
	} `yaml:"workflow"`
}

func (f fileConfig) apply(cfg *Config) {
	w := f.Workflow
	if w.RequireGoalAndPlan != nil {
		cfg.Workflow.RequireGoalAndPlan = *w.RequireGoalAndPlan
	}
	if w.AllowReopenCompleted != nil {
		cfg.Workflow.AllowReopenCompleted = *w.AllowReopenCompleted
	}
	if w.DailyBackup != nil {
		cfg.Workflow.DailyBackup = *w.DailyBackup
	}
	if w.BackupRetainDays != nil {
		cfg.Workflow.BackupRetainDays = *w.BackupRetainDays
	}
	if w.EnableSteps != nil {
		cfg.Workflow.EnableSteps = *w.EnableSteps
	}
	if w.EnableVersioning != nil {
		cfg.Workflow.EnableVersioning = *w.EnableVersioning
	}
}

// Set writes a single key within a section to config.yaml, preserving any
// other keys already in the file, and returns the merged result.
func Set(workspace, section, key string, value any) (*Config, error) {
	path := Path(workspace)
	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		var loaded map[string]any
		if yaml.Unmarshal(data, &loaded) == nil && loaded != nil {
			raw = loaded
		}
	}
	sec, ok := raw[section].(map[string]any)
	if !ok {
		sec = map[string]any{}
	}
	sec[key] = value
	raw[section] = sec
	out, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return Load(workspace), nil
}

// StepTools and VersioningTools are the tool names gated by the enable_steps
// and enable_versioning toggles.
var StepTools = []string{
	"plan_step_switch", "plan_step_show", "plan_step_list",
	"plan_step_done", "plan_step_notes_set", "plan_step_notes_get",
	"plan_step_notes_delete", "plan_step_new", "plan_step_delete",
	"plan_step_reorder",
}

var VersioningTools = []string{
	"plan_checkpoint", "plan_commit", "plan_push",
	"plan_restore", "plan_log", "plan_status", "plan_diff",
}

// DisabledTools returns the set of tool names the current toggles disable.
func (c *Config) DisabledTools() map[string]bool {
	disabled := map[string]bool{}
	if !c.Workflow.EnableSteps {
		for _, name := range StepTools {
			disabled[name] = true
		}
	}
	if !c.Workflow.EnableVersioning {
		for _, name := range VersioningTools {
			disabled[name] = true
		}
	}
	return disabled
}
