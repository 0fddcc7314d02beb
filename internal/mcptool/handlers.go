package mcptool

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/engine"
	"taskline/internal/gitops"
	"taskline/internal/safety"
)

// optionalInt returns a pointer when the argument is present, nil otherwise.
func optionalInt(req mcp.CallToolRequest, key string) *int {
	args := req.GetArguments()
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	}
	return nil
}

func stringSlice(req mcp.CallToolRequest, key string) []string {
	args := req.GetArguments()
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func handleTaskNew(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	var steps []engine.StepInput
	for _, title := range stringSlice(req, "steps") {
		steps = append(steps, engine.StepInput{Title: title})
	}
	id, err := sess.Engine.CreateContext(ctx, engine.ContextCreateOptions{
		Name:          name,
		DescriptionMD: mcp.ParseString(req, "description", ""),
		Steps:         steps,
		SetActive:     true,
		Actor:         sess.Actor(),
		UserID:        sess.UserID(),
		ProjectID:     sess.ProjectID(),
	})
	if err != nil {
		return nil, err
	}
	return sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
}

func handleTaskList(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.ListContexts(ctx,
		mcp.ParseString(req, "status", ""),
		sess.UserID(), sess.ProjectID(),
		mcp.ParseBoolean(req, "all_users", false))
}

func handleTaskSwitch(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	id, err := sess.Engine.SwitchContext(ctx, name, sess.Actor(), sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
}

func handleTaskShow(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.Show(ctx, mcp.ParseString(req, "name", ""), sess.UserID(), sess.ProjectID())
}

func handleTaskStatus(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.Status(ctx, mcp.ParseString(req, "name", ""), sess.UserID(), sess.ProjectID())
}

func handleTaskDone(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	id, err := sess.Engine.CompleteContext(ctx, name, sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"context_id": id, "status": "completed"}, nil
}

func handleTaskNotes(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	name := mcp.ParseString(req, "name", "")
	text := mcp.ParseString(req, "text", "")
	kind := mcp.ParseString(req, "kind", "")
	if text == "" {
		return sess.Engine.ListContextNotes(ctx, name, kind, sess.UserID(), sess.ProjectID())
	}
	id, err := sess.Engine.AddContextNote(ctx, text, kind, name, sess.Actor(), sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"note_id": id}, nil
}

func handleTaskLog(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.ContextLog(ctx, mcp.ParseString(req, "name", ""), 100, sess.UserID(), sess.ProjectID())
}

func handleStepNew(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return nil, err
	}
	id, number, err := sess.Engine.CreateStep(ctx, engine.StepCreateOptions{
		Title:         title,
		DescriptionMD: mcp.ParseString(req, "description", ""),
		Actor:         sess.Actor(),
		UserID:        sess.UserID(),
		ProjectID:     sess.ProjectID(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"step_id": id, "step_number": number}, nil
}

func handleStepList(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.ListSteps(ctx, "", sess.UserID(), sess.ProjectID())
}

func handleStepSwitch(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	number, err := req.RequireInt("number")
	if err != nil {
		return nil, err
	}
	if _, err := sess.Engine.SwitchStep(ctx, number, "", sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
		return nil, err
	}
	return sess.Engine.StepSummary(ctx, &number, "", sess.UserID(), sess.ProjectID())
}

func handleStepShow(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.StepSummary(ctx, optionalInt(req, "number"), "", sess.UserID(), sess.ProjectID())
}

func handleStepDone(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	number, err := req.RequireInt("number")
	if err != nil {
		return nil, err
	}
	if _, err := sess.Engine.CompleteStep(ctx, number, "", sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
		return nil, err
	}
	return sess.Engine.StepSummary(ctx, &number, "", sess.UserID(), sess.ProjectID())
}

func handleStepDelete(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	number, err := req.RequireInt("number")
	if err != nil {
		return nil, err
	}
	id, err := sess.Engine.DeleteStep(ctx, number, "", sess.Actor(), sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"step_id": id, "deleted": true}, nil
}

func handleStepNotesSet(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return nil, err
	}
	id, err := sess.Engine.AddStepNote(ctx, text,
		mcp.ParseString(req, "kind", ""),
		optionalInt(req, "number"), "",
		sess.Actor(), sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"note_id": id}, nil
}

func handleStepNotesGet(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Engine.ListStepNotes(ctx, optionalInt(req, "number"), "",
		mcp.ParseString(req, "kind", ""), sess.UserID(), sess.ProjectID())
}

func handleStepNotesDelete(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	removed, err := sess.Engine.DeleteStepNotes(ctx, optionalInt(req, "number"), "",
		mcp.ParseString(req, "kind", ""), sess.Actor(), sess.UserID(), sess.ProjectID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

func handleUserShow(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.User, nil
}

func handleUserSet(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	alias, err := req.RequireString("alias")
	if err != nil {
		return nil, err
	}
	if err := sess.Repo.SetUserDisplayName(ctx, sess.User.ID, alias); err != nil {
		return nil, err
	}
	return sess.Repo.GetUser(ctx, sess.User.ID)
}

func handleProjectShow(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Project, nil
}

func handleProjectSet(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	var name, description *string
	if v := mcp.ParseString(req, "name", ""); v != "" {
		name = &v
	}
	if v := mcp.ParseString(req, "description", ""); v != "" {
		description = &v
	}
	if name == nil && description == nil {
		return nil, errors.New("nothing to update: provide name or description")
	}
	return sess.Repo.UpdateProject(ctx, sess.Project.ID, name, nil, description)
}

func handleConfigShow(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	return sess.Config, nil
}

func handleConfigSet(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, err
	}
	raw, err := req.RequireString("value")
	if err != nil {
		return nil, err
	}
	value, err := parseConfigValue(raw)
	if err != nil {
		return nil, err
	}
	return config.Set(sess.Workspace, "workflow", key, value)
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

func handleBackup(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	backup, err := safety.CreateVerifiedBackup(sess.DBPath)
	if err != nil {
		return nil, err
	}
	backups, err := safety.ListBackups(sess.DBPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"backup_path": backup.Path,
		"sha256":      backup.SHA256,
		"backups":     backups,
	}, nil
}

func handleCheckpoint(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return nil, err
	}
	g := git(sess)
	clean, err := g.IsClean(ctx)
	if err != nil {
		return nil, err
	}
	if clean {
		return map[string]any{"committed": false, "message": "nothing to commit, working tree clean"}, nil
	}
	if err := g.AddAll(ctx); err != nil {
		return nil, err
	}
	sha, err := g.Commit(ctx, buildTaggedMessage(ctx, sess, message))
	if err != nil {
		return nil, err
	}
	return map[string]any{"committed": true, "sha": sha}, nil
}

func handleCommit(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return nil, err
	}
	sha, err := git(sess).Commit(ctx, buildTaggedMessage(ctx, sess, message))
	if err != nil {
		return nil, err
	}
	return map[string]any{"committed": true, "sha": sha}, nil
}

func buildTaggedMessage(ctx context.Context, sess *app.Session, message string) string {
	tag := checkpointTag(ctx, sess)
	if tag.User == "" && tag.Task == "" && tag.Step == nil {
		return message
	}
	return gitops.BuildMessage(message, tag)
}

func handleGitStatus(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	entries, err := git(sess).Status(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"clean": len(entries) == 0, "entries": entries}, nil
}

func handleGitLog(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	maxCount := 50
	if n := optionalInt(req, "max_count"); n != nil && *n > 0 {
		maxCount = *n
	}
	return git(sess).Log(ctx, maxCount)
}

func handleGitDiff(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	g := git(sess)
	if sha := mcp.ParseString(req, "sha", ""); sha != "" {
		diff, err := g.ShowCommitDiff(ctx, sha)
		if err != nil {
			return nil, err
		}
		files, err := g.DiffStat(ctx, sha)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sha": sha, "files": files, "diff": diff}, nil
	}
	diff, err := g.DiffWorking(ctx, mcp.ParseString(req, "from", ""))
	if err != nil {
		return nil, err
	}
	return map[string]any{"diff": diff}, nil
}

func handleGitPush(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	g := git(sess)
	hasRemote, err := g.HasRemote(ctx)
	if err != nil {
		return nil, err
	}
	if !hasRemote {
		return nil, errors.New("no git remote is configured")
	}
	ok, detail, err := g.Push(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pushed": ok, "detail": detail}, nil
}

func handleGitRestore(ctx context.Context, sess *app.Session, req mcp.CallToolRequest) (any, error) {
	sha, err := req.RequireString("sha")
	if err != nil {
		return nil, err
	}
	g := git(sess)
	clean, err := g.IsClean(ctx)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, errors.New("working tree has uncommitted changes; commit or checkpoint them before restoring")
	}
	patch, err := g.ReversePatch(ctx, sha)
	if err != nil {
		return nil, err
	}
	if patch == "" {
		return map[string]any{"restored": false, "message": "commit has no changes to undo"}, nil
	}
	if err := g.ApplyPatch(ctx, patch); err != nil {
		return nil, err
	}
	return map[string]any{"restored": true, "undone_sha": sha}, nil
}
