package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/gitops"
	"taskline/internal/logger"
	"taskline/internal/mcptool"
	"taskline/internal/safety"
	"taskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline is a local task tracker for focused work.
Concepts:
- Workspace: the .taskline directory holding the SQLite database, config and backups.
- Context: a named body of work (a task) owning an ordered list of steps.
- Step: one unit of work inside a context; exactly one step is active at a time.
- Notes: goal, plan and free-form notes on contexts and steps; goal and plan can gate progress.
- Changelog: the audit diary of every change, view with 'tl context log'.
- Checkpoints: git commits tagged with the active context and step.
Schema upgrades run through a verified-backup, trial-migration pipeline: the
live database is only touched after the migration succeeds on a scratch copy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(vcsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "context",
		Short: "Manage contexts",
		Long:  "Contexts are the tasks you switch between. Each owns ordered steps, goal and plan notes, and an audit log.",
	}
	c.AddCommand(contextNewCmd())
	c.AddCommand(contextListCmd())
	c.AddCommand(contextSwitchCmd())
	c.AddCommand(contextShowCmd())
	c.AddCommand(contextStatusCmd())
	c.AddCommand(contextDoneCmd())
	c.AddCommand(contextNoteCmd())
	c.AddCommand(contextLogCmd())
	return c
}

func contextNewCmd() *cobra.Command {
	var description string
	var steps []string
	var setActive bool
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				var stepInputs []engine.StepInput
				for _, title := range steps {
					stepInputs = append(stepInputs, engine.StepInput{Title: title})
				}
				id, err := sess.Engine.CreateContext(ctx, engine.ContextCreateOptions{
					Name:          args[0],
					DescriptionMD: description,
					Steps:         stepInputs,
					SetActive:     setActive,
					Actor:         sess.Actor(),
					UserID:        sess.UserID(),
					ProjectID:     sess.ProjectID(),
				})
				if err != nil {
					return err
				}
				summary, err := sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "markdown description")
	cmd.Flags().StringArrayVar(&steps, "step", []string{}, "initial step title (repeatable)")
	cmd.Flags().BoolVar(&setActive, "activate", true, "make the new context active")
	return cmd
}

func contextListCmd() *cobra.Command {
	var status string
	var allUsers bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				entries, err := sess.Engine.ListContexts(ctx, status, sess.UserID(), sess.ProjectID(), allUsers)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "ID", "Name", "Status", "User", "Active Step"})
				for _, e := range entries {
					marker := ""
					if e.IsActive {
						marker = "*"
					}
					activeStep := ""
					if e.ActiveStepNumber != nil {
						activeStep = fmt.Sprintf("#%d %s", *e.ActiveStepNumber, e.ActiveStepTitle)
					}
					tw.AppendRow(table.Row{marker, e.Context.ID, e.Context.Name, e.Context.Status, e.User, activeStep})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: active, paused or completed")
	cmd.Flags().BoolVar(&allUsers, "all-users", false, "include other users' contexts")
	return cmd
}

func contextSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch <name-or-id>",
		Short: "Make a context active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				id, err := sess.Engine.SwitchContext(ctx, args[0], sess.Actor(), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				summary, err := sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	return cmd
}

func contextShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [name-or-id]",
		Short: "Show a context with steps, goal and plan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				summary, err := sess.Engine.Show(ctx, firstArg(args), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Context: %s (%s)\n", summary.Context.Name, summary.Context.Status)
				if summary.Goal != "" {
					fmt.Printf("Goal: %s\n", summary.Goal)
				}
				if summary.Plan != "" {
					fmt.Printf("Plan: %s\n", summary.Plan)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "#", "Title", "Status"})
				for _, s := range summary.Steps {
					marker := ""
					if summary.ActiveStepNumber != nil && s.Number == *summary.ActiveStepNumber {
						marker = "*"
					}
					tw.AppendRow(table.Row{marker, s.Number, s.Title, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contextStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [name-or-id]",
		Short: "Compact context status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				status, err := sess.Engine.Status(ctx, firstArg(args), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Context: %s (%s)\n", status.Context.Name, status.Context.Status)
				if status.LastEvent != "" {
					fmt.Printf("Last event: %s\n", status.LastEvent)
				}
				fmt.Printf("Steps: %d planned, %d started, %d complete, %d blocked, %d deleted\n",
					status.PlannedCount, status.StartedCount, status.CompletedCount, status.BlockedCount, status.DeletedCount)
				return nil
			})
		},
	}
	return cmd
}

func contextDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <name-or-id>",
		Short: "Mark a context completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				id, err := sess.Engine.CompleteContext(ctx, args[0], sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"context_id": id, "status": "completed"})
			})
		},
	}
	return cmd
}

func contextNoteCmd() *cobra.Command {
	var contextRef, kind string
	cmd := &cobra.Command{
		Use:   "note [text]",
		Short: "Add or list context notes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				if len(args) == 0 {
					notes, err := sess.Engine.ListContextNotes(ctx, contextRef, kind, sess.UserID(), sess.ProjectID())
					if err != nil {
						return err
					}
					return printJSONOrTable(notes)
				}
				id, err := sess.Engine.AddContextNote(ctx, args[0], kind, contextRef, sess.Actor(), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"note_id": id})
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	cmd.Flags().StringVar(&kind, "kind", "", "note kind: goal, plan or note")
	return cmd
}

func contextLogCmd() *cobra.Command {
	var contextRef string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit log for a context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				entries, err := sess.Engine.ContextLog(ctx, contextRef, limit, sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Action", "Step", "Actor", "Details"})
				for _, e := range entries {
					step := ""
					if e.StepID != nil {
						step = fmt.Sprint(*e.StepID)
					}
					tw.AppendRow(table.Row{e.CreatedAt, e.Action, step, e.Actor, e.DetailsMD})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	cmd.Flags().IntVar(&limit, "n", 50, "number of entries")
	return cmd
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "step",
		Short: "Manage steps in the active context",
		Long:  "Steps are the ordered units of work inside a context. Creating a step makes it active; the previous active step returns to planned. Step numbers are never reused.",
	}
	s.AddCommand(stepNewCmd())
	s.AddCommand(stepListCmd())
	s.AddCommand(stepSwitchCmd())
	s.AddCommand(stepShowCmd())
	s.AddCommand(stepDoneCmd())
	s.AddCommand(stepDeleteCmd())
	s.AddCommand(stepNoteCmd())
	return s
}

func stepNewCmd() *cobra.Command {
	var description, contextRef string
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a step and make it active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				id, number, err := sess.Engine.CreateStep(ctx, engine.StepCreateOptions{
					ContextRef:    contextRef,
					Title:         args[0],
					DescriptionMD: description,
					Actor:         sess.Actor(),
					UserID:        sess.UserID(),
					ProjectID:     sess.ProjectID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"step_id": id, "step_number": number})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "markdown description")
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepListCmd() *cobra.Command {
	var contextRef string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				steps, err := sess.Engine.ListSteps(ctx, contextRef, sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Title", "Status"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Number, s.Title, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepSwitchCmd() *cobra.Command {
	var contextRef string
	cmd := &cobra.Command{
		Use:   "switch <number>",
		Short: "Activate a step by number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseStepNumber(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				if _, err := sess.Engine.SwitchStep(ctx, number, contextRef, sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
					return err
				}
				step, err := sess.Engine.StepSummary(ctx, &number, contextRef, sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepShowCmd() *cobra.Command {
	var contextRef string
	cmd := &cobra.Command{
		Use:   "show [number]",
		Short: "Show a step (active step when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var number *int
			if len(args) == 1 {
				n, err := parseStepNumber(args[0])
				if err != nil {
					return err
				}
				number = &n
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				step, err := sess.Engine.StepSummary(ctx, number, contextRef, sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepDoneCmd() *cobra.Command {
	var contextRef string
	cmd := &cobra.Command{
		Use:   "done <number>",
		Short: "Mark a step complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseStepNumber(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				if _, err := sess.Engine.CompleteStep(ctx, number, contextRef, sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
					return err
				}
				step, err := sess.Engine.StepSummary(ctx, &number, contextRef, sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepDeleteCmd() *cobra.Command {
	var contextRef string
	cmd := &cobra.Command{
		Use:   "delete <number>",
		Short: "Soft-delete a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseStepNumber(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				id, err := sess.Engine.DeleteStep(ctx, number, contextRef, sess.Actor(), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"step_id": id, "deleted": true})
			})
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	return cmd
}

func stepNoteCmd() *cobra.Command {
	var contextRef, kind string
	var number int
	var clear bool
	cmd := &cobra.Command{
		Use:   "note [text]",
		Short: "Add, list or clear step notes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var numberPtr *int
			if cmd.Flags().Changed("number") {
				numberPtr = &number
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				if clear {
					removed, err := sess.Engine.DeleteStepNotes(ctx, numberPtr, contextRef, kind, sess.Actor(), sess.UserID(), sess.ProjectID())
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"removed": removed})
				}
				if len(args) == 0 {
					notes, err := sess.Engine.ListStepNotes(ctx, numberPtr, contextRef, kind, sess.UserID(), sess.ProjectID())
					if err != nil {
						return err
					}
					return printJSONOrTable(notes)
				}
				id, err := sess.Engine.AddStepNote(ctx, args[0], kind, numberPtr, contextRef, sess.Actor(), sess.UserID(), sess.ProjectID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"note_id": id})
			})
		},
	}
	cmd.Flags().IntVar(&number, "number", 0, "step number (defaults to active step)")
	cmd.Flags().StringVar(&contextRef, "context", "", "context name or id (defaults to active)")
	cmd.Flags().StringVar(&kind, "kind", "", "note kind: goal, plan or note")
	cmd.Flags().BoolVar(&clear, "clear", false, "delete notes instead of adding or listing")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Current user identity"}
	u.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				return printJSONOrTable(sess.User)
			})
		},
	})
	set := &cobra.Command{
		Use:   "set <alias>",
		Short: "Set the display alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				if err := sess.Repo.SetUserDisplayName(ctx, sess.User.ID, args[0]); err != nil {
					return err
				}
				u, err := sess.Repo.GetUser(ctx, sess.User.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	u.AddCommand(set)
	return u
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{Use: "project", Short: "Workspace project"}
	p.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the project registered for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				return printJSONOrTable(sess.Project)
			})
		},
	})
	var name, description string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update project name or description",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				var namePtr, descPtr *string
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if namePtr == nil && descPtr == nil {
					return fmt.Errorf("nothing to update: use --name or --description")
				}
				p, err := sess.Repo.UpdateProject(ctx, sess.Project.ID, namePtr, nil, descPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "project name")
	set.Flags().StringVar(&description, "description", "", "markdown description")
	p.AddCommand(set)
	return p
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "Configuration lives in .taskline/config.yaml. Missing keys fall back to defaults; 'config set' preserves any other keys in the file.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				return printJSONOrTable(sess.Config)
			})
		},
	})
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a workflow key in config.yaml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseConfigValue(args[1])
			if err != nil {
				return err
			}
			cfg, err := config.Set(viper.GetString("workspace"), "workflow", args[0], value)
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	c.AddCommand(set)
	return c
}

func parseConfigValue(raw string) (any, error) {
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("value %q must be true, false or an integer", raw)
}

func backupCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "backup",
		Short: "Database backups",
		Long:  "Backups are verified copies of the tracker database, stored in a .backups directory next to it with date-lettered names. Copies are checksummed on both sides before they count.",
	}
	b.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Take a verified backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				backup, err := safety.CreateVerifiedBackup(sess.DBPath)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"path": backup.Path, "sha256": backup.SHA256})
			})
		},
	})
	b.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				backups, err := safety.ListBackups(sess.DBPath)
				if err != nil {
					return err
				}
				return printJSONOrTable(backups)
			})
		},
	})
	var retainDays int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove backups older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				days := retainDays
				if !cmd.Flags().Changed("retain-days") {
					days = sess.Config.Workflow.BackupRetainDays
				}
				removed, err := safety.PruneBackups(sess.DBPath, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": removed, "retain_days": days})
			})
		},
	}
	prune.Flags().IntVar(&retainDays, "retain-days", 7, "days of backups to keep")
	b.AddCommand(prune)
	return b
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long:  "Runs the migration pipeline: verified backup, trial run on a scratch copy, row-count validation, then the live database. Opening any command does this too; 'migrate' makes the outcome visible.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				out := map[string]any{"schema_version": db.LatestSchemaVersion, "migrated": sess.BackupPath != ""}
				if sess.BackupPath != "" {
					out["backup"] = sess.BackupPath
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint <message>",
		Short: "Stage and commit all changes, tagged with the active context and step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				g := gitClient(sess)
				clean, err := g.IsClean(ctx)
				if err != nil {
					return err
				}
				if clean {
					return printJSONOrTable(map[string]any{"committed": false, "message": "nothing to commit, working tree clean"})
				}
				if err := g.AddAll(ctx); err != nil {
					return err
				}
				sha, err := g.Commit(ctx, gitops.BuildMessage(args[0], checkpointTag(ctx, sess)))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"committed": true, "sha": sha})
			})
		},
	}
	return cmd
}

func vcsCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "vcs",
		Short: "Git history for checkpoints",
		Long:  "Inspect and manage checkpoint commits: log with tracker tags, diffs, push, and restore (undo a commit by reverse patch).",
	}
	v.AddCommand(vcsStatusCmd())
	v.AddCommand(vcsLogCmd())
	v.AddCommand(vcsDiffCmd())
	v.AddCommand(vcsPushCmd())
	v.AddCommand(vcsRestoreCmd())
	return v
}

func vcsStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Working tree status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				entries, err := gitClient(sess).Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"clean": len(entries) == 0, "entries": entries})
			})
		},
	}
	return cmd
}

func vcsLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Recent commits with tracker tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				entries, err := gitClient(sess).Log(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"SHA", "Subject", "Task", "Step"})
				for _, e := range entries {
					task, step := "", ""
					if e.Tag != nil {
						task = e.Tag.Task
						if e.Tag.Step != nil {
							step = fmt.Sprint(*e.Tag.Step)
						}
					}
					sha := e.SHA
					if len(sha) > 8 {
						sha = sha[:8]
					}
					tw.AppendRow(table.Row{sha, gitops.StripTag(e.Subject), task, step})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of commits")
	return cmd
}

func vcsDiffCmd() *cobra.Command {
	var sha, from string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff for a commit, or working tree against a ref",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				g := gitClient(sess)
				var diff string
				var err error
				if sha != "" {
					diff, err = g.ShowCommitDiff(ctx, sha)
				} else {
					diff, err = g.DiffWorking(ctx, from)
				}
				if err != nil {
					return err
				}
				fmt.Print(diff)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sha, "sha", "", "commit SHA for a single-commit patch")
	cmd.Flags().StringVar(&from, "from", "", "ref to diff the working tree against (default HEAD)")
	return cmd
}

func vcsPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push to the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				g := gitClient(sess)
				hasRemote, err := g.HasRemote(ctx)
				if err != nil {
					return err
				}
				if !hasRemote {
					return fmt.Errorf("no git remote is configured")
				}
				ok, detail, err := g.Push(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"pushed": ok, "detail": detail})
			})
		},
	}
	return cmd
}

func vcsRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <sha>",
		Short: "Undo a commit by applying its reverse patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess *app.Session) error {
				g := gitClient(sess)
				clean, err := g.IsClean(ctx)
				if err != nil {
					return err
				}
				if !clean {
					return fmt.Errorf("working tree has uncommitted changes; checkpoint them before restoring")
				}
				patch, err := g.ReversePatch(ctx, args[0])
				if err != nil {
					return err
				}
				if patch == "" {
					return printJSONOrTable(map[string]any{"restored": false, "message": "commit has no changes to undo"})
				}
				if err := g.ApplyPatch(ctx, patch); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"restored": true, "undone_sha": args[0]})
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.Open(cmd.Context(), viper.GetString("workspace"), newLogger())
			if err != nil {
				return err
			}
			defer sess.Close()
			handler, err := server.New(server.Config{Session: sess, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8321", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP stdio server",
		Long:  "Exposes the tracker to AI assistants over the Model Context Protocol. Logs go to stderr; stdout carries the protocol.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcptool.NewServer(viper.GetString("workspace"), newLogger()).ServeStdio()
		},
	}
	return cmd
}

// --- helpers ---

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	sess, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(ctx, sess)
}

func newLogger() *slog.Logger {
	return logger.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

func gitClient(sess *app.Session) gitops.Client {
	return gitops.Client{Dir: sess.Workspace, Logger: sess.Logger}
}

// checkpointTag ties a commit to the active context and step.
func checkpointTag(ctx context.Context, sess *app.Session) gitops.Tag {
	tag := gitops.Tag{User: sess.User.Name}
	contextID, err := sess.Engine.ResolveActiveContext(ctx, sess.UserID(), sess.ProjectID())
	if err != nil {
		return tag
	}
	if c, err := sess.Repo.GetContext(ctx, contextID); err == nil {
		tag.Task = c.Name
	}
	if state, err := sess.Repo.GetContextState(ctx, contextID); err == nil && state.ActiveStepID != nil {
		if step, err := sess.Repo.GetStep(ctx, *state.ActiveStepID); err == nil {
			n := step.Number
			tag.Step = &n
		}
	}
	return tag
}

func parseStepNumber(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 1 {
		return 0, fmt.Errorf("invalid step number %q", raw)
	}
	return n, nil
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
