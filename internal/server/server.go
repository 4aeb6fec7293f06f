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

	"stepline/internal/engine"
	"stepline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_allowed"`
	Message string         `json:"message" example:"skip step invite-team: not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stepline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Stepline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSteps(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, engine.ErrNotAllowed) {
		return newAPIError(http.StatusUnprocessableEntity, "not_allowed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lowered, "arg "):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
		return "not_allowed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerSteps(api huma.API, e engine.Engine) {
	description := func(stepID string) string {
		if step, ok := e.Catalog.Get(stepID); ok {
			return step.Description
		}
		return ""
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/steps",
		Summary:     "List step statuses for an entity",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body []StepStatusResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		statuses, err := e.List(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StepStatusResponse, 0, len(statuses))
		for _, st := range statuses {
			res = append(res, statusResponse(st, description(st.StepID)))
		}
		return &struct {
			Body []StepStatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/steps/{step_id}",
		Summary:     "Get one step status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		StepID   string `path:"step_id"`
	}) (*struct {
		Body StepStatusResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		st, err := e.Status(ctx, input.EntityID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepStatusResponse `json:"body"`
		}{Body: statusResponse(st, description(st.StepID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "onboard-step",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/steps/{step_id}/onboard",
		Summary:     "Run a step's handler",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string         `path:"entity_id"`
		StepID   string         `path:"step_id"`
		Body     OnboardRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body StepStatusResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		step, ok := e.Catalog.Get(input.StepID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("onboarding step %s: not found", input.StepID), nil)
		}
		args := input.Body.Args
		if args == nil {
			args = map[string]any{}
		}
		if err := step.Args.Validate(args); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		st, err := e.Onboard(ctx, input.EntityID, input.StepID, args)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepStatusResponse `json:"body"`
		}{Body: statusResponse(st, step.Description)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/steps/{step_id}/complete",
		Summary:     "Mark a step completed",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		StepID   string `path:"step_id"`
	}) (*struct {
		Body StepStatusResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		st, err := e.Complete(ctx, input.EntityID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepStatusResponse `json:"body"`
		}{Body: statusResponse(st, description(st.StepID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/steps/{step_id}/skip",
		Summary:     "Skip an opt-in step",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		StepID   string `path:"step_id"`
	}) (*struct {
		Body StepStatusResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		st, err := e.Skip(ctx, input.EntityID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepStatusResponse `json:"body"`
		}{Body: statusResponse(st, description(st.StepID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-step",
		Method:        http.MethodPost,
		Path:          "/entities/{entity_id}/steps/{step_id}/reset",
		Summary:       "Reset a step to pending",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		StepID   string `path:"step_id"`
	}) (*struct{}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		if err := e.Reset(ctx, input.EntityID, input.StepID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-progress",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/progress",
		Summary:     "Onboarding progress for an entity",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if err := authorizeEntity(ctx, input.EntityID); err != nil {
			return nil, err
		}
		p, err := e.Progress(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(p)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me-steps",
		Method:      http.MethodGet,
		Path:        "/me/steps",
		Summary:     "List step statuses for the authenticated entity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StepStatusResponse `json:"body"`
	}, error) {
		entityID, authErr := entityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		statuses, err := e.List(ctx, entityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StepStatusResponse, 0, len(statuses))
		for _, st := range statuses {
			desc := ""
			if step, ok := e.Catalog.Get(st.StepID); ok {
				desc = step.Description
			}
			res = append(res, statusResponse(st, desc))
		}
		return &struct {
			Body []StepStatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-progress",
		Method:      http.MethodGet,
		Path:        "/me/progress",
		Summary:     "Onboarding progress for the authenticated entity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		entityID, authErr := entityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Progress(ctx, entityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent onboarding events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Type     string `query:"type"`
		StepID   string `query:"step_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.EntityID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		entityID := input.EntityID
		if !p.Admin {
			// Non-admins only see their own events.
			entityID = p.EntityID
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, entityID, input.Type, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, it := range items {
			res = append(res, eventResponse(it))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
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
    <title>Stepline API Docs</title>
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
