package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskline/internal/app"
	"taskline/internal/logger"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	log := logger.NewWithWriter(io.Discard, "error", "json")
	sess, err := app.Open(context.Background(), workspace, log)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	// keep the workflow gates out of the way unless a test opts in
	sess.Config.Workflow.RequireGoalAndPlan = false
	handler, err := New(Config{Session: sess, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			sess.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestContextLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts", map[string]any{
		"name":       "build-auth",
		"steps":      []string{"design", "implement"},
		"set_active": true,
	})
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create context status %d: %s", createRes.StatusCode, string(data))
	}
	var created ContextSummaryResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(created.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(created.Steps))
	}
	if created.ActiveStepNumber == nil || *created.ActiveStepNumber != 1 {
		t.Fatalf("expected step 1 active, got %v", created.ActiveStepNumber)
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/build-auth/steps/1/done", nil)
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("complete step status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done StepResponse
	if err := json.Unmarshal(doneBody, &done); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if done.Status != "complete" || done.CompletedAt == nil {
		t.Fatalf("expected completed step, got %+v", done)
	}

	logRes, logBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/contexts/build-auth/log", nil)
	if logRes.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", logRes.StatusCode, string(logBody))
	}
	var entries []ChangelogResponse
	if err := json.Unmarshal(logBody, &entries); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Action] = true
	}
	if !seen["Context Created"] || !seen["Task Completed"] {
		t.Fatalf("expected audit entries, got %v", seen)
	}
}

func TestContextNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contexts/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestCompleteActiveContextConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts", map[string]any{
		"name":       "busy",
		"set_active": true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	doneRes, doneBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/busy/done", nil)
	if doneRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for completing active context, got %d: %s", doneRes.StatusCode, string(doneBody))
	}
}

func TestNoteValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts", map[string]any{
		"name":       "noted",
		"set_active": true,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/noted/notes", map[string]any{
		"text": "",
	})
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d: %s", badRes.StatusCode, string(badBody))
	}

	addRes, addBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contexts/noted/notes", map[string]any{
		"text": "deliver login flow",
		"kind": "goal",
	})
	if addRes.StatusCode != http.StatusCreated {
		t.Fatalf("add note: %d %s", addRes.StatusCode, string(addBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/contexts/noted/notes?kind=goal", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list notes: %d %s", listRes.StatusCode, string(listBody))
	}
	var notes []ContextNoteResponse
	if err := json.Unmarshal(listBody, &notes); err != nil {
		t.Fatalf("unmarshal notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != "goal" {
		t.Fatalf("expected one goal note, got %+v", notes)
	}
}

func TestBackupEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/backups", nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create backup: %d %s", createRes.StatusCode, string(data))
	}
	var backup BackupResponse
	if err := json.Unmarshal(data, &backup); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if backup.Path == "" || len(backup.SHA256) != 64 {
		t.Fatalf("expected path and sha256, got %+v", backup)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/backups", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list backups: %d %s", listRes.StatusCode, string(listBody))
	}
	var backups []string
	if err := json.Unmarshal(listBody, &backups); err != nil {
		t.Fatalf("unmarshal backups: %v", err)
	}
	if len(backups) == 0 {
		t.Fatalf("expected at least one backup")
	}
}
