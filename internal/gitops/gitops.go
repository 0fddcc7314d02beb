// Package gitops wraps git subprocess calls with user/context/step awareness.
// Commit messages carry a structured trailer tag that associates checkpoints
// with tracker users, contexts and steps. No database access here.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tag is embedded in commit messages as the last line:
//
//	[taskline:user=alice,task=build-auth,step=3]
type Tag struct {
	User string
	Task string
	Step *int
}

const tagPrefix = "[taskline:"

var tagPattern = regexp.MustCompile(`\[taskline:([^\]]+)\]`)

func (t Tag) Format() string {
	var parts []string
	if t.User != "" {
		parts = append(parts, "user="+t.User)
	}
	if t.Task != "" {
		parts = append(parts, "task="+t.Task)
	}
	if t.Step != nil {
		parts = append(parts, fmt.Sprintf("step=%d", *t.Step))
	}
	return tagPrefix + strings.Join(parts, ",") + "]"
}

// ParseTag extracts a Tag from a commit message. ok is false when the message
// carries no tag.
func ParseTag(message string) (Tag, bool) {
	m := tagPattern.FindStringSubmatch(message)
	if m == nil {
		return Tag{}, false
	}
	var t Tag
	for _, part := range strings.Split(m[1], ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "user":
			t.User = value
		case "task":
			t.Task = value
		case "step":
			if n, err := strconv.Atoi(value); err == nil {
				t.Step = &n
			}
		}
	}
	return t, true
}

// BuildMessage appends the tag line to a commit message.
func BuildMessage(message string, t Tag) string {
	return message + "\n" + t.Format()
}

// StripTag removes the tag line from a commit message.
func StripTag(message string) string {
	return strings.TrimRight(tagPattern.ReplaceAllString(message, ""), "\n")
}

// GitError reports a failed git command.
type GitError struct {
	Args       []string
	ReturnCode int
	Stderr     string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed: %s", strings.Join(e.Args, " "), e.Stderr)
}

// Client runs git commands in a fixed directory.
type Client struct {
	Dir    string
	Logger *slog.Logger
}

const commandTimeout = 30 * time.Second

func (c Client) run(ctx context.Context, check bool, args ...string) (stdout, stderr string, code int, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.Dir
	var out, errb strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errb
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	code = cmd.ProcessState.ExitCode()
	stdout, stderr = out.String(), strings.TrimSpace(errb.String())
	if c.Logger != nil {
		if elapsed > 2*time.Second {
			c.Logger.Warn("slow git command", "args", args, "elapsed", elapsed)
		} else {
			c.Logger.Debug("git command", "args", args, "elapsed", elapsed, "rc", code)
		}
	}
	if runErr != nil && code < 0 {
		return stdout, stderr, code, fmt.Errorf("git %s: %w", strings.Join(args, " "), runErr)
	}
	if check && code != 0 {
		if c.Logger != nil {
			c.Logger.Error("git command failed", "args", args, "rc", code, "stderr", stderr)
		}
		return stdout, stderr, code, &GitError{Args: args, ReturnCode: code, Stderr: stderr}
	}
	return stdout, stderr, code, nil
}

// StatusEntry is one line of git status --porcelain.
type StatusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

func (c Client) Status(ctx context.Context) ([]StatusEntry, error) {
	out, _, _, err := c.run(ctx, true, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   line[3:],
		})
	}
	return entries, nil
}

func (c Client) IsClean(ctx context.Context) (bool, error) {
	entries, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// AddAll stages all modified, new and deleted files.
func (c Client) AddAll(ctx context.Context) error {
	_, _, _, err := c.run(ctx, true, "add", "-A")
	return err
}

// Commit creates a commit and returns its SHA.
func (c Client) Commit(ctx context.Context, message string) (string, error) {
	if _, _, _, err := c.run(ctx, true, "commit", "-m", message); err != nil {
		return "", err
	}
	out, _, _, err := c.run(ctx, true, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LogEntry is one parsed commit from the log.
type LogEntry struct {
	SHA     string `json:"sha"`
	Author  string `json:"author"`
	Date    string `json:"date,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
	Tag     *Tag   `json:"tag,omitempty"`
}

const logSeparator = "---END---"

// Log returns up to maxCount commits, newest first, with their tags parsed.
// An empty repository yields no entries rather than an error.
func (c Client) Log(ctx context.Context, maxCount int) ([]LogEntry, error) {
	out, _, code, err := c.run(ctx, false,
		"log", fmt.Sprintf("--max-count=%d", maxCount), "--format=%H%n%an%n%ai%n%s%n%b%n"+logSeparator)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}
	var entries []LogEntry
	for _, raw := range strings.Split(out, logSeparator+"\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		lines := strings.SplitN(raw, "\n", 5)
		if len(lines) < 4 {
			continue
		}
		entry := LogEntry{SHA: lines[0], Author: lines[1], Date: lines[2], Subject: lines[3]}
		if len(lines) > 4 {
			entry.Body = strings.TrimSpace(lines[4])
		}
		full := strings.TrimSpace(entry.Subject + "\n" + entry.Body)
		if tag, ok := ParseTag(full); ok {
			entry.Tag = &tag
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DiffStat returns the files changed in a specific commit.
func (c Client) DiffStat(ctx context.Context, sha string) ([]string, error) {
	out, _, _, err := c.run(ctx, true, "diff-tree", "--no-commit-id", "-r", "--name-only", sha)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if strings.TrimSpace(f) != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// DiffRange returns the diff between two refs.
func (c Client) DiffRange(ctx context.Context, fromRef, toRef string) (string, error) {
	if toRef == "" {
		toRef = "HEAD"
	}
	out, _, _, err := c.run(ctx, true, "diff", fromRef, toRef)
	return out, err
}

// DiffWorking returns the diff from a ref to the working tree.
func (c Client) DiffWorking(ctx context.Context, fromRef string) (string, error) {
	if fromRef == "" {
		fromRef = "HEAD"
	}
	out, _, _, err := c.run(ctx, true, "diff", fromRef)
	return out, err
}

// ShowCommitDiff returns the patch for a specific commit.
func (c Client) ShowCommitDiff(ctx context.Context, sha string) (string, error) {
	out, _, _, err := c.run(ctx, true, "show", "--format=", "--patch", sha)
	return out, err
}

// CommitMessage returns the full commit message for a SHA.
func (c Client) CommitMessage(ctx context.Context, sha string) (string, error) {
	out, _, _, err := c.run(ctx, true, "log", "-1", "--format=%B", sha)
	return strings.TrimSpace(out), err
}

// ReversePatch generates a patch undoing a commit.
func (c Client) ReversePatch(ctx context.Context, sha string) (string, error) {
	out, _, _, err := c.run(ctx, true, "diff", sha, sha+"~1")
	return out, err
}

// ApplyPatch checks then applies a patch to the working tree.
func (c Client) ApplyPatch(ctx context.Context, patch string) error {
	for _, args := range [][]string{{"apply", "--check", "-"}, {"apply", "-"}} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = c.Dir
		cmd.Stdin = strings.NewReader(patch)
		var errb strings.Builder
		cmd.Stderr = &errb
		if err := cmd.Run(); err != nil {
			return &GitError{Args: args, ReturnCode: cmd.ProcessState.ExitCode(), Stderr: strings.TrimSpace(errb.String())}
		}
	}
	return nil
}

// PullFFOnly pulls with --ff-only. The bool reports success; the string is
// git's explanation either way.
func (c Client) PullFFOnly(ctx context.Context) (bool, string, error) {
	out, stderr, code, err := c.run(ctx, false, "pull", "--ff-only")
	if err != nil {
		return false, "", err
	}
	if code == 0 {
		msg := strings.TrimSpace(out)
		if msg == "" {
			msg = "Already up to date."
		}
		return true, msg, nil
	}
	return false, stderr, nil
}

// Push pushes to the configured remote.
func (c Client) Push(ctx context.Context) (bool, string, error) {
	_, stderr, code, err := c.run(ctx, false, "push")
	if err != nil {
		return false, "", err
	}
	if code == 0 {
		if stderr == "" {
			stderr = "Pushed successfully."
		}
		return true, stderr, nil
	}
	return false, stderr, nil
}

func (c Client) HasRemote(ctx context.Context) (bool, error) {
	out, _, code, err := c.run(ctx, false, "remote")
	if err != nil {
		return false, err
	}
	return code == 0 && strings.TrimSpace(out) != "", nil
}

func (c Client) CurrentBranch(ctx context.Context) (string, error) {
	out, _, _, err := c.run(ctx, true, "branch", "--show-current")
	return strings.TrimSpace(out), err
}
