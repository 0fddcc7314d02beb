// Package mcptool exposes the tracker over the Model Context Protocol so AI
// assistants can drive contexts, steps, notes and checkpoints. Tool names are
// filtered through the workflow toggles: disabling steps or versioning in
// config.yaml removes the corresponding tools from the listing.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskline/internal/app"
	"taskline/internal/gitops"
)

// Version is set at build time.
var Version = "dev"

// Server wraps an MCP server bound to a workspace.
type Server struct {
	mcpServer *server.MCPServer
	workspace string
	logger    *slog.Logger
}

func NewServer(workspace string, log *slog.Logger) *Server {
	s := &Server{workspace: workspace, logger: log}
	s.mcpServer = server.NewMCPServer(
		"taskline-mcp-server",
		Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("This MCP server exposes a local task tracker. "+
			"Tasks group ordered steps; each task carries goal and plan notes and an audit log. "+
			"Checkpoint tools commit workspace changes to git with a structured tag."),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server instance.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server over standard input/output.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

type handler func(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error)

// withSession opens a fresh session per call, the way each tool invocation
// re-reads config and may trigger the daily backup or a pending migration.
func (s *Server) withSession(h handler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := app.Open(ctx, s.workspace, s.logger)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer sess.Close()
		if disabled := sess.Config.DisabledTools(); disabled[req.Params.Name] {
			return mcp.NewToolResultError(fmt.Sprintf("tool %s is disabled by configuration", req.Params.Name)), nil
		}
		result, err := h(ctx, sess, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalToolResult(result)
	}
}

func marshalToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) addTool(tool mcp.Tool, h handler) {
	s.mcpServer.AddTool(tool, s.withSession(h))
}

func (s *Server) registerTools() {
	s.registerTaskTools()
	s.registerStepTools()
	s.registerUserProjectTools()
	s.registerConfigBackupTools()
	s.registerVersioningTools()
}

func (s *Server) registerTaskTools() {
	s.addTool(mcp.NewTool("plan_task_new",
		mcp.WithDescription("Create a new task with optional initial steps and make it active."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short unique task name")),
		mcp.WithString("description", mcp.Description("Markdown description")),
		mcp.WithArray("steps", mcp.Description("Initial step titles, in order")),
	), handleTaskNew)

	s.addTool(mcp.NewTool("plan_task_list",
		mcp.WithDescription("List tasks with their status and active step."),
		mcp.WithString("status", mcp.Description("Filter: active, paused or completed")),
		mcp.WithBoolean("all_users", mcp.Description("Include tasks owned by other users")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleTaskList)

	s.addTool(mcp.NewTool("plan_task_switch",
		mcp.WithDescription("Make a task active. Completed tasks reopen only when workflow.allow_reopen_completed is on."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name or ID")),
	), handleTaskSwitch)

	s.addTool(mcp.NewTool("plan_task_show",
		mcp.WithDescription("Show a task with its steps, goal and plan. Defaults to the active task."),
		mcp.WithString("name", mcp.Description("Task name or ID; empty for the active task")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleTaskShow)

	s.addTool(mcp.NewTool("plan_task_status",
		mcp.WithDescription("Compact status of a task: step counts and last event. Defaults to the active task."),
		mcp.WithString("name", mcp.Description("Task name or ID; empty for the active task")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleTaskStatus)

	s.addTool(mcp.NewTool("plan_task_done",
		mcp.WithDescription("Mark a task completed. The active task must be switched away from first."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name or ID")),
	), handleTaskDone)

	s.addTool(mcp.NewTool("plan_task_notes",
		mcp.WithDescription("Add or list task notes. With text, adds a note of the given kind; without, lists notes."),
		mcp.WithString("name", mcp.Description("Task name or ID; empty for the active task")),
		mcp.WithString("text", mcp.Description("Note body; omit to list")),
		mcp.WithString("kind", mcp.Description("goal, plan or note (default note)")),
	), handleTaskNotes)

	s.addTool(mcp.NewTool("plan_task_log",
		mcp.WithDescription("Audit log for a task. Defaults to the active task."),
		mcp.WithString("name", mcp.Description("Task name or ID; empty for the active task")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleTaskLog)
}

func (s *Server) registerStepTools() {
	s.addTool(mcp.NewTool("plan_step_new",
		mcp.WithDescription("Create a step in the active task and make it the active step."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Step title")),
		mcp.WithString("description", mcp.Description("Markdown description")),
	), handleStepNew)

	s.addTool(mcp.NewTool("plan_step_list",
		mcp.WithDescription("List the active task's steps in order."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleStepList)

	s.addTool(mcp.NewTool("plan_step_switch",
		mcp.WithDescription("Activate a step by number. Requires goal and plan notes when the workflow toggle demands them."),
		mcp.WithNumber("number", mcp.Required(), mcp.Description("Step number within the task")),
	), handleStepSwitch)

	s.addTool(mcp.NewTool("plan_step_show",
		mcp.WithDescription("Show one step. Defaults to the active step."),
		mcp.WithNumber("number", mcp.Description("Step number; omit for the active step")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleStepShow)

	s.addTool(mcp.NewTool("plan_step_done",
		mcp.WithDescription("Mark a step complete."),
		mcp.WithNumber("number", mcp.Required(), mcp.Description("Step number within the task")),
	), handleStepDone)

	s.addTool(mcp.NewTool("plan_step_delete",
		mcp.WithDescription("Soft-delete a step. Its number is never reused."),
		mcp.WithNumber("number", mcp.Required(), mcp.Description("Step number within the task")),
	), handleStepDelete)

	s.addTool(mcp.NewTool("plan_step_notes_set",
		mcp.WithDescription("Attach a note to a step. Defaults to the active step."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Note body")),
		mcp.WithNumber("number", mcp.Description("Step number; omit for the active step")),
		mcp.WithString("kind", mcp.Description("goal, plan or note (default note)")),
	), handleStepNotesSet)

	s.addTool(mcp.NewTool("plan_step_notes_get",
		mcp.WithDescription("List notes on a step. Defaults to the active step."),
		mcp.WithNumber("number", mcp.Description("Step number; omit for the active step")),
		mcp.WithString("kind", mcp.Description("Filter by kind")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleStepNotesGet)

	s.addTool(mcp.NewTool("plan_step_notes_delete",
		mcp.WithDescription("Delete notes on a step, optionally only one kind."),
		mcp.WithNumber("number", mcp.Description("Step number; omit for the active step")),
		mcp.WithString("kind", mcp.Description("Only delete notes of this kind")),
	), handleStepNotesDelete)
}

func (s *Server) registerUserProjectTools() {
	s.addTool(mcp.NewTool("plan_user_show",
		mcp.WithDescription("Show the current user."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleUserShow)

	s.addTool(mcp.NewTool("plan_user_set",
		mcp.WithDescription("Set the current user's display alias."),
		mcp.WithString("alias", mcp.Required(), mcp.Description("Display name")),
	), handleUserSet)

	s.addTool(mcp.NewTool("plan_project_show",
		mcp.WithDescription("Show the project registered for this workspace."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleProjectShow)

	s.addTool(mcp.NewTool("plan_project_set",
		mcp.WithDescription("Update project name or description."),
		mcp.WithString("name", mcp.Description("Project name")),
		mcp.WithString("description", mcp.Description("Markdown description")),
	), handleProjectSet)
}

func (s *Server) registerConfigBackupTools() {
	s.addTool(mcp.NewTool("plan_config_show",
		mcp.WithDescription("Show the effective configuration, defaults merged with config.yaml."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleConfigShow)

	s.addTool(mcp.NewTool("plan_config_set",
		mcp.WithDescription("Set a workflow config key in config.yaml."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key within the workflow section, e.g. require_goal_and_plan")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value: true, false or an integer")),
	), handleConfigSet)

	s.addTool(mcp.NewTool("plan_backup",
		mcp.WithDescription("Take a verified backup of the tracker database now and list existing backups."),
	), handleBackup)
}

func (s *Server) registerVersioningTools() {
	s.addTool(mcp.NewTool("plan_checkpoint",
		mcp.WithDescription("Stage all changes and commit with a tag tying the commit to the active task and step."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Commit message")),
	), handleCheckpoint)

	s.addTool(mcp.NewTool("plan_commit",
		mcp.WithDescription("Commit staged changes with a tagged message, without staging."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Commit message")),
	), handleCommit)

	s.addTool(mcp.NewTool("plan_status",
		mcp.WithDescription("Working tree status."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleGitStatus)

	s.addTool(mcp.NewTool("plan_log",
		mcp.WithDescription("Recent commits with their tracker tags."),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits to return (default 50)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleGitLog)

	s.addTool(mcp.NewTool("plan_diff",
		mcp.WithDescription("Diff for a commit, or from a ref to the working tree."),
		mcp.WithString("sha", mcp.Description("Commit SHA for a single-commit patch")),
		mcp.WithString("from", mcp.Description("Ref to diff the working tree against (default HEAD)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handleGitDiff)

	s.addTool(mcp.NewTool("plan_push",
		mcp.WithDescription("Push to the configured remote."),
	), handleGitPush)

	s.addTool(mcp.NewTool("plan_restore",
		mcp.WithDescription("Undo a commit by applying its reverse patch to the working tree."),
		mcp.WithString("sha", mcp.Required(), mcp.Description("Commit SHA to undo")),
	), handleGitRestore)
}

// git returns a client rooted at the session workspace.
func git(sess *app.Session) gitops.Client {
	return gitops.Client{Dir: sess.Workspace, Logger: sess.Logger}
}

// checkpointTag builds the commit tag from the session's active task and step.
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
