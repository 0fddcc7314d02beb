package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client. The API is a local,
// unauthenticated service, so the client carries no credentials.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Context represents the API context model (partial).
type Context struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DescriptionMD string `json:"description_md,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// ContextEntry is one row of a context listing.
type ContextEntry struct {
	Context          Context `json:"context"`
	User             string  `json:"user,omitempty"`
	IsActive         bool    `json:"is_active"`
	ActiveStepNumber *int    `json:"active_step_number,omitempty"`
	ActiveStepTitle  string  `json:"active_step_title,omitempty"`
}

// Step represents one step of a context.
type Step struct {
	ID          int64   `json:"id"`
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// ContextSummary is a context with its steps and goal/plan notes.
type ContextSummary struct {
	Context          Context `json:"context"`
	Steps            []Step  `json:"steps"`
	ActiveStepNumber *int    `json:"active_step_number,omitempty"`
	StatusLabel      string  `json:"status_label,omitempty"`
	LastEvent        string  `json:"last_event,omitempty"`
	Goal             string  `json:"goal,omitempty"`
	Plan             string  `json:"plan,omitempty"`
}

// Note is a context or step note.
type Note struct {
	ID        int64  `json:"id"`
	NoteMD    string `json:"note_md"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
	Actor     string `json:"actor,omitempty"`
}

// ChangelogEntry is one audit log record.
type ChangelogEntry struct {
	ID        int64  `json:"id"`
	StepID    *int64 `json:"step_id,omitempty"`
	Action    string `json:"action"`
	DetailsMD string `json:"details_md,omitempty"`
	CreatedAt string `json:"created_at"`
	Actor     string `json:"actor,omitempty"`
}

// Backup describes one verified database backup.
type Backup struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateContext creates a context, optionally seeding steps and activating it.
func (c *Client) CreateContext(ctx context.Context, name, description string, steps []string, setActive bool) (ContextSummary, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"steps":       steps,
		"set_active":  setActive,
	}
	var resp ContextSummary
	err := c.do(ctx, http.MethodPost, "contexts", body, &resp)
	return resp, err
}

// ListContexts lists contexts, optionally filtered by status.
func (c *Client) ListContexts(ctx context.Context, status string, allUsers bool) ([]ContextEntry, error) {
	endpoint := "contexts"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if allUsers {
		q.Set("all_users", "true")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []ContextEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetContext fetches a context by name or id.
func (c *Client) GetContext(ctx context.Context, ref string) (ContextSummary, error) {
	var resp ContextSummary
	err := c.do(ctx, http.MethodGet, c.contextPath(ref, ""), nil, &resp)
	return resp, err
}

// SwitchContext makes a context active.
func (c *Client) SwitchContext(ctx context.Context, ref string) (ContextSummary, error) {
	var resp ContextSummary
	err := c.do(ctx, http.MethodPost, c.contextPath(ref, "switch"), nil, &resp)
	return resp, err
}

// CompleteContext marks a context completed.
func (c *Client) CompleteContext(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, c.contextPath(ref, "done"), nil, nil)
}

// CreateStep adds a step to a context and makes it active.
func (c *Client) CreateStep(ctx context.Context, ref, title, description string) (Step, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Step
	err := c.do(ctx, http.MethodPost, c.contextPath(ref, "steps"), body, &resp)
	return resp, err
}

// ListSteps returns the live steps of a context.
func (c *Client) ListSteps(ctx context.Context, ref string) ([]Step, error) {
	var resp []Step
	err := c.do(ctx, http.MethodGet, c.contextPath(ref, "steps"), nil, &resp)
	return resp, err
}

// SwitchStep activates a step by number.
func (c *Client) SwitchStep(ctx context.Context, ref string, number int) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, c.stepPath(ref, number, "switch"), nil, &resp)
	return resp, err
}

// CompleteStep marks a step complete.
func (c *Client) CompleteStep(ctx context.Context, ref string, number int) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, c.stepPath(ref, number, "done"), nil, &resp)
	return resp, err
}

// DeleteStep soft-deletes a step.
func (c *Client) DeleteStep(ctx context.Context, ref string, number int) error {
	return c.do(ctx, http.MethodDelete, c.stepPath(ref, number, ""), nil, nil)
}

// AddContextNote attaches a note to a context and returns its id. Kind is
// goal, plan or note.
func (c *Client) AddContextNote(ctx context.Context, ref, text, kind string) (int64, error) {
	body := map[string]any{"text": text, "kind": kind}
	var resp struct {
		NoteID int64 `json:"note_id"`
	}
	err := c.do(ctx, http.MethodPost, c.contextPath(ref, "notes"), body, &resp)
	return resp.NoteID, err
}

// ListContextNotes returns a context's notes.
func (c *Client) ListContextNotes(ctx context.Context, ref string) ([]Note, error) {
	var resp []Note
	err := c.do(ctx, http.MethodGet, c.contextPath(ref, "notes"), nil, &resp)
	return resp, err
}

// Changelog returns the audit log of a context, newest first.
func (c *Client) Changelog(ctx context.Context, ref string, limit int) ([]ChangelogEntry, error) {
	endpoint := c.contextPath(ref, "log")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ChangelogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateBackup takes a verified backup of the tracker database.
func (c *Client) CreateBackup(ctx context.Context) (Backup, error) {
	var resp Backup
	err := c.do(ctx, http.MethodPost, "backups", nil, &resp)
	return resp, err
}

// ListBackups lists backup file paths, oldest first.
func (c *Client) ListBackups(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "backups", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) contextPath(ref, suffix string) string {
	p := fmt.Sprintf("contexts/%s", url.PathEscape(ref))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) stepPath(ref string, number int, suffix string) string {
	p := fmt.Sprintf("contexts/%s/steps/%d", url.PathEscape(ref), number)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
