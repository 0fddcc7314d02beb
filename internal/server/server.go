// Package server exposes the tracker over a local HTTP API. It is meant for
// tooling on the same machine: no authentication, bound to loopback by the
// command layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskline/internal/app"
	"taskline/internal/engine"
	"taskline/internal/repo"
	"taskline/internal/safety"
)

// Config for the HTTP API handler.
type Config struct {
	Session  *app.Session
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"context not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tracker API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Taskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContexts(group, cfg.Session)
	registerSteps(group, cfg.Session)
	registerNotes(group, cfg.Session)
	registerChangelog(group, cfg.Session)
	registerBackups(group, cfg.Session)
	registerConfig(group, cfg.Session)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoActiveContext) || errors.Is(err, engine.ErrNoActiveStep) {
		return newAPIError(http.StatusConflict, "no_active", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "completed context"),
		strings.Contains(lowered, "deleted"),
		strings.Contains(lowered, "cannot progress"):
		return newAPIError(http.StatusConflict, "workflow_conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerContexts(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contexts",
		Method:      http.MethodGet,
		Path:        "/contexts",
		Summary:     "List contexts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		AllUsers bool   `query:"all_users"`
	}) (*struct {
		Body []ContextEntryResponse `json:"body"`
	}, error) {
		entries, err := sess.Engine.ListContexts(ctx, input.Status, sess.UserID(), sess.ProjectID(), input.AllUsers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContextEntryResponse `json:"body"`
		}{Body: mapContextEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-context",
		Method:        http.MethodPost,
		Path:          "/contexts",
		Summary:       "Create context",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateContextRequest `json:"body"`
	}) (*struct {
		Body ContextSummaryResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		var steps []engine.StepInput
		for _, title := range input.Body.Steps {
			steps = append(steps, engine.StepInput{Title: title})
		}
		id, err := sess.Engine.CreateContext(ctx, engine.ContextCreateOptions{
			Name:          input.Body.Name,
			DescriptionMD: input.Body.Description,
			Steps:         steps,
			SetActive:     input.Body.SetActive,
			Actor:         sess.Actor(),
			UserID:        sess.UserID(),
			ProjectID:     sess.ProjectID(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		summary, err := sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextSummaryResponse `json:"body"`
		}{Body: contextSummaryResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-context",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}",
		Summary:     "Get context",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body ContextSummaryResponse `json:"body"`
	}, error) {
		summary, err := sess.Engine.Show(ctx, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextSummaryResponse `json:"body"`
		}{Body: contextSummaryResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "context-status",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/status",
		Summary:     "Context status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body ContextStatusResponse `json:"body"`
	}, error) {
		status, err := sess.Engine.Status(ctx, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextStatusResponse `json:"body"`
		}{Body: contextStatusResponse(status)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "switch-context",
		Method:      http.MethodPost,
		Path:        "/contexts/{ref}/switch",
		Summary:     "Switch active context",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body ContextSummaryResponse `json:"body"`
	}, error) {
		id, err := sess.Engine.SwitchContext(ctx, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		summary, err := sess.Engine.Show(ctx, fmt.Sprint(id), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextSummaryResponse `json:"body"`
		}{Body: contextSummaryResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-context",
		Method:      http.MethodPost,
		Path:        "/contexts/{ref}/done",
		Summary:     "Complete context",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		id, err := sess.Engine.CompleteContext(ctx, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"context_id": id, "status": "completed"}}, nil
	})
}

func registerSteps(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/steps",
		Summary:     "List steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body []StepResponse `json:"body"`
	}, error) {
		steps, err := sess.Engine.ListSteps(ctx, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StepResponse `json:"body"`
		}{Body: mapSteps(steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-step",
		Method:        http.MethodPost,
		Path:          "/contexts/{ref}/steps",
		Summary:       "Create step",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string            `path:"ref"`
		Body CreateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		_, number, err := sess.Engine.CreateStep(ctx, engine.StepCreateOptions{
			ContextRef:    input.Ref,
			Title:         input.Body.Title,
			DescriptionMD: input.Body.Description,
			ParentID:      input.Body.ParentID,
			SortIndex:     input.Body.SortIndex,
			SubIndex:      input.Body.SubIndex,
			Actor:         sess.Actor(),
			UserID:        sess.UserID(),
			ProjectID:     sess.ProjectID(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		step, err := sess.Engine.StepSummary(ctx, &number, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/steps/{number}",
		Summary:     "Get step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref    string `path:"ref"`
		Number int    `path:"number"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		step, err := sess.Engine.StepSummary(ctx, &input.Number, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "switch-step",
		Method:      http.MethodPost,
		Path:        "/contexts/{ref}/steps/{number}/switch",
		Summary:     "Activate step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref    string `path:"ref"`
		Number int    `path:"number"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if _, err := sess.Engine.SwitchStep(ctx, input.Number, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
			return nil, handleError(err)
		}
		step, err := sess.Engine.StepSummary(ctx, &input.Number, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/contexts/{ref}/steps/{number}/done",
		Summary:     "Complete step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref    string `path:"ref"`
		Number int    `path:"number"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		if _, err := sess.Engine.CompleteStep(ctx, input.Number, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID()); err != nil {
			return nil, handleError(err)
		}
		step, err := sess.Engine.StepSummary(ctx, &input.Number, input.Ref, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(step)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-step",
		Method:      http.MethodDelete,
		Path:        "/contexts/{ref}/steps/{number}",
		Summary:     "Delete step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref    string `path:"ref"`
		Number int    `path:"number"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		id, err := sess.Engine.DeleteStep(ctx, input.Number, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"step_id": id, "deleted": true}}, nil
	})
}

func registerNotes(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "list-context-notes",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/notes",
		Summary:     "List context notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref  string `path:"ref"`
		Kind string `query:"kind"`
	}) (*struct {
		Body []ContextNoteResponse `json:"body"`
	}, error) {
		notes, err := sess.Engine.ListContextNotes(ctx, input.Ref, input.Kind, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContextNoteResponse `json:"body"`
		}{Body: mapContextNotes(notes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-context-note",
		Method:        http.MethodPost,
		Path:          "/contexts/{ref}/notes",
		Summary:       "Add context note",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string         `path:"ref"`
		Body AddNoteRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		id, err := sess.Engine.AddContextNote(ctx, input.Body.Text, input.Body.Kind, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"note_id": id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-step-notes",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/steps/{number}/notes",
		Summary:     "List step notes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref    string `path:"ref"`
		Number int    `path:"number"`
		Kind   string `query:"kind"`
	}) (*struct {
		Body []StepNoteResponse `json:"body"`
	}, error) {
		notes, err := sess.Engine.ListStepNotes(ctx, &input.Number, input.Ref, input.Kind, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StepNoteResponse `json:"body"`
		}{Body: mapStepNotes(notes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-step-note",
		Method:        http.MethodPost,
		Path:          "/contexts/{ref}/steps/{number}/notes",
		Summary:       "Add step note",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Ref    string         `path:"ref"`
		Number int            `path:"number"`
		Body   AddNoteRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		id, err := sess.Engine.AddStepNote(ctx, input.Body.Text, input.Body.Kind, &input.Number, input.Ref, sess.Actor(), sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"note_id": id}}, nil
	})
}

func registerChangelog(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "context-log",
		Method:      http.MethodGet,
		Path:        "/contexts/{ref}/log",
		Summary:     "Context audit log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref   string `path:"ref"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []ChangelogResponse `json:"body"`
	}, error) {
		entries, err := sess.Engine.ContextLog(ctx, input.Ref, input.Limit, sess.UserID(), sess.ProjectID())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangelogResponse `json:"body"`
		}{Body: mapChangelog(entries)}, nil
	})
}

func registerBackups(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "list-backups",
		Method:      http.MethodGet,
		Path:        "/backups",
		Summary:     "List database backups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		backups, err := safety.ListBackups(sess.DBPath)
		if err != nil {
			return nil, handleError(err)
		}
		if backups == nil {
			backups = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: backups}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-backup",
		Method:        http.MethodPost,
		Path:          "/backups",
		Summary:       "Create verified backup",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BackupResponse `json:"body"`
	}, error) {
		backup, err := safety.CreateVerifiedBackup(sess.DBPath)
		if err != nil {
			if errors.Is(err, safety.ErrBackupSlotsExhausted) {
				return nil, newAPIError(http.StatusConflict, "backup_slots_exhausted", err.Error(), nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body BackupResponse `json:"body"`
		}{Body: backupResponse(backup)}, nil
	})
}

func registerConfig(api huma.API, sess *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(sess)}, nil
	})
}
