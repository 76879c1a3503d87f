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

	"teamgate/internal/domain"
	"teamgate/internal/engine"
	"teamgate/internal/engine/auth"
	"teamgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"role white required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gate API.
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
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Teamgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGate(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerRemediations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "expired"),
		strings.Contains(lowered, "approved_role"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Teamgate API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "gate-status",
		Method:      http.MethodGet,
		Path:        "/gate/status",
		Summary:     "Release gate status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GateStatusResponse `json:"body"`
	}, error) {
		st, err := e.GateStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateStatusResponse `json:"body"`
		}{Body: gateStatusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-gate",
		Method:        http.MethodPost,
		Path:          "/gate/runs",
		Summary:       "Run the invariant gate",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RunGateRequest `json:"body"`
	}) (*struct {
		Body GateRunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, _, err := e.RunGate(ctx, engine.GateOptions{
			Base:       input.Body.Base,
			EditorRole: input.Body.EditorRole,
			Scope:      input.Body.Scope,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateRunResponse `json:"body"`
		}{Body: gateRunResponse(run, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-runs",
		Method:      http.MethodGet,
		Path:        "/gate/runs",
		Summary:     "List gate runs",
	}, func(ctx context.Context, input *struct {
		Overall string `query:"overall" enum:"pass,fail,"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []GateRunResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		runs, err := e.Repo.ListGateRuns(ctx, repo.GateRunFilters{
			PipelineID: e.Config.Pipeline.ID,
			Overall:    input.Overall,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GateRunResponse `json:"body"`
		}{Body: mapGateRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate-run",
		Method:      http.MethodGet,
		Path:        "/gate/runs/{run_id}",
		Summary:     "Get gate run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body GateRunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetGateRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateRunResponse `json:"body"`
		}{Body: gateRunResponse(run, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-gate-report",
		Method:      http.MethodGet,
		Path:        "/gate/report",
		Summary:     "Latest gate report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.GateReport `json:"body"`
	}, error) {
		run, err := e.Repo.LatestGateRun(ctx, e.Config.Pipeline.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var report domain.GateReport
		if err := json.Unmarshal([]byte(run.ReportJSON), &report); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-selftest",
		Method:      http.MethodPost,
		Path:        "/gate/selftest",
		Summary:     "Run the catalog self-test",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.GateReport `json:"body"`
	}, error) {
		report := e.SelfTest(ctx)
		return &struct {
			Body domain.GateReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerExceptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-exception",
		Method:        http.MethodPost,
		Path:          "/exceptions",
		Summary:       "Add a gate exception",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ExceptionRequest `json:"body"`
	}) (*struct {
		Body domain.Exception `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.AddException(ctx, domain.Exception{
			Rule:         input.Body.Rule,
			Scope:        input.Body.Scope,
			Reason:       input.Body.Reason,
			Owner:        input.Body.Owner,
			ApprovedRole: e.Config.Authority.Role,
			ExpiresAt:    input.Body.ExpiresAt,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Exception `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/exceptions",
		Summary:     "List gate exceptions",
	}, func(ctx context.Context, input *struct {
		Rule string `query:"rule"`
	}) (*struct {
		Body []domain.Exception `json:"body"`
	}, error) {
		items, err := e.Repo.ListExceptions(ctx, input.Rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Exception `json:"body"`
		}{Body: items}, nil
	})
}

func registerRemediations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-remediation",
		Method:        http.MethodPost,
		Path:          "/remediations",
		Summary:       "Record remediation evidence",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RemediationRequest `json:"body"`
	}) (*struct {
		Body domain.Remediation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rem, err := e.RecordRemediation(ctx, domain.Remediation{
			Rule:     input.Body.Rule,
			Evidence: input.Body.Evidence,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Remediation `json:"body"`
		}{Body: rem}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-remediations",
		Method:      http.MethodGet,
		Path:        "/remediations",
		Summary:     "List remediations",
	}, func(ctx context.Context, input *struct {
		Rule string `query:"rule"`
	}) (*struct {
		Body []domain.Remediation `json:"body"`
	}, error) {
		items, err := e.Repo.ListRemediations(ctx, input.Rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Remediation `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, e.Config.Pipeline.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
