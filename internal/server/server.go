package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentpm/internal/app"
	"agentpm/internal/domain"
	"agentpm/internal/engine"
	"agentpm/internal/events"
	"agentpm/internal/lifecycle"
	"agentpm/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rule_violation"`
	Message string         `json:"message" example:"task t1 -> active rejected: DP-001: effort_hours 6.0 > 4.0"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure is rendered with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

type handlers struct {
	rt     *app.Runtime
	logger *slog.Logger
}

// New returns an HTTP handler exposing the agentpm API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
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
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("agentpm API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := handlers{rt: cfg.Runtime, logger: logger}
	registerDocs(router, basePath)
	a.registerHealth(group)
	a.registerProjects(group)
	a.registerWorkItems(group)
	a.registerTasks(group)
	a.registerTransitions(group)
	a.registerRules(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

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

func (a handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ite *lifecycle.IllegalTransitionError
	if errors.As(err, &ite) {
		allowed := make([]string, 0, len(ite.Allowed))
		for _, s := range ite.Allowed {
			allowed = append(allowed, string(s))
		}
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from": string(ite.From), "to": string(ite.To), "allowed": allowed,
		})
	}
	var rve *engine.RuleViolationError
	if errors.As(err, &rve) {
		reasons := make([]string, 0, len(rve.Violations))
		for _, v := range rve.Violations {
			reasons = append(reasons, v.Message)
		}
		return newAPIError(http.StatusUnprocessableEntity, "rule_violation", err.Error(), map[string]any{
			"rule_ids": rve.RuleIDs(), "reasons": reasons,
		})
	}
	switch {
	case errors.Is(err, repo.ErrCrossProject):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "parent_id"})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrStaleStatus):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrHasDependents):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrCycle), errors.Is(err, engine.ErrDependencyCycle):
		return newAPIError(http.StatusConflict, "cycle", err.Error(), nil)
	}
	a.logger.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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
    <title>agentpm API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
    </p>
  </body>
</html>`, specURL)
}

func (a handlers) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with journal counters",
	}, func(ctx context.Context, _ *struct{}) (*body[HealthResponse], error) {
		return reply(HealthResponse{Status: "ok", Journal: a.rt.Journal.Stats()}), nil
	})
}

func (a handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project (idempotent)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*body[ProjectResponse], error) {
		p, err := a.rt.Intake.EnsureProject(ctx, input.Body.ID, input.Body.Name, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*body[[]ProjectResponse], error) {
		items, err := a.rt.Repo.ListProjects(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*body[ProjectResponse], error) {
		p, err := a.rt.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, a.handleError(fmt.Errorf("project %s: %w", input.ProjectID, err))
		}
		return reply(projectResponse(p)), nil
	})
}

func (a handlers) registerWorkItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work-items",
		Summary:       "Create work item in draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateWorkItemRequest `json:"body"`
	}) (*body[WorkItemResponse], error) {
		in := engine.WorkItemInput{
			ProjectID:   input.ProjectID,
			Name:        input.Body.Name,
			Type:        domain.WorkItemType(input.Body.Type),
			Phase:       domain.Phase(input.Body.Phase),
			Priority:    input.Body.Priority,
			EffortHours: input.Body.EffortHours,
			Metadata:    input.Body.Metadata,
			ActorID:     actorIDFromContext(ctx),
		}
		if input.Body.ParentID != nil {
			in.ParentID = *input.Body.ParentID
		}
		w, err := a.rt.Intake.CreateWorkItem(ctx, in)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(workItemResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		ParentID  string `query:"parent_id"`
	}) (*body[[]WorkItemResponse], error) {
		items, err := a.rt.Repo.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: input.ProjectID, Status: input.Status, ParentID: input.ParentID})
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]WorkItemResponse, 0, len(items))
		for _, w := range items {
			out = append(out, workItemResponse(w))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*body[WorkItemResponse], error) {
		w, err := a.rt.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(fmt.Errorf("work item %s: %w", input.ID, err))
		}
		return reply(workItemResponse(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-item",
		Method:        http.MethodDelete,
		Path:          "/work-items/{id}",
		Summary:       "Delete a work item without tasks or children",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := a.rt.Repo.DeleteWorkItem(ctx, input.ID); err != nil {
			return nil, a.handleError(fmt.Errorf("work item %s: %w", input.ID, err))
		}
		return nil, nil
	})
}

func (a handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/work-items/{id}/tasks",
		Summary:       "Create task in draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*body[TaskResponse], error) {
		t, err := a.rt.Intake.CreateTask(ctx, engine.TaskInput{
			WorkItemID:    input.ID,
			Name:          input.Body.Name,
			Type:          domain.TaskType(input.Body.Type),
			Priority:      input.Body.Priority,
			EffortHours:   input.Body.EffortHours,
			AssignedAgent: input.Body.AssignedAgent,
			DependsOn:     input.Body.DependsOn,
			Metadata:      input.Body.Metadata,
			ActorID:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/tasks",
		Summary:     "List tasks of a work item",
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Status   string `query:"status"`
		Assignee string `query:"assignee"`
	}) (*body[[]TaskResponse], error) {
		items, err := a.rt.Repo.ListTasks(ctx, repo.TaskFilters{WorkItemID: input.ID, Status: input.Status, Assignee: input.Assignee})
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]TaskResponse, 0, len(items))
		for _, t := range items {
			out = append(out, taskResponse(t))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*body[TaskResponse], error) {
		t, err := a.rt.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(fmt.Errorf("task %s: %w", input.ID, err))
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task-dependency",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "Add a dependency between tasks of one work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddDependencyRequest `json:"body"`
	}) (*body[TaskResponse], error) {
		if err := a.rt.Intake.AddDependency(ctx, input.ID, input.Body.DependsOn); err != nil {
			return nil, a.handleError(err)
		}
		t, err := a.rt.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(taskResponse(t)), nil
	})
}

var entityRoutes = []struct {
	segment string
	entity  domain.EntityType
}{
	{"work-items", domain.EntityWorkItem},
	{"tasks", domain.EntityTask},
}

func (a handlers) registerTransitions(api huma.API) {
	for _, route := range entityRoutes {
		et := route.entity
		huma.Register(api, huma.Operation{
			OperationID: "transition-" + route.segment,
			Method:      http.MethodPost,
			Path:        "/" + route.segment + "/{id}/transitions",
			Summary:     "Request a status transition",
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *struct {
			ID   string            `path:"id"`
			Body TransitionRequest `json:"body"`
		}) (*body[TransitionResponse], error) {
			res, err := a.rt.Engine.Transition(ctx, engine.TransitionRequest{
				EntityType: et,
				EntityID:   input.ID,
				Target:     domain.Status(input.Body.Target),
				Metadata:   input.Body.Metadata,
				ActorID:    actorIDFromContext(ctx),
				SessionID:  input.Body.SessionID,
			})
			if err != nil {
				return nil, a.handleError(err)
			}
			return reply(transitionResponse(et, input.ID, res)), nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "allowed-transitions-" + route.segment,
			Method:      http.MethodGet,
			Path:        "/" + route.segment + "/{id}/allowed-transitions",
			Summary:     "List legal next statuses",
			Errors:      []int{http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*body[AllowedTransitionsResponse], error) {
			current, next, err := a.rt.Engine.AllowedTransitions(ctx, et, input.ID)
			if err != nil {
				return nil, a.handleError(fmt.Errorf("%s %s: %w", et, input.ID, err))
			}
			out := AllowedTransitionsResponse{EntityType: string(et), EntityID: input.ID, Current: string(current), Allowed: []string{}}
			for _, s := range next {
				out.Allowed = append(out.Allowed, string(s))
			}
			return reply(out), nil
		})
	}
}

func (a handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules",
		Summary:     "List project rules",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		EnabledOnly bool   `query:"enabled_only"`
	}) (*body[[]RuleResponse], error) {
		list := a.rt.Repo.ListRules
		if input.EnabledOnly {
			list = a.rt.Repo.ListEnabledRules
		}
		items, err := list(ctx, input.ProjectID)
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]RuleResponse, 0, len(items))
		for _, r := range items {
			out = append(out, ruleResponse(r))
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-rules",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules/seed",
		Summary:     "Install the default rule catalog once",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*body[SeedRulesResponse], error) {
		if _, err := a.rt.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, a.handleError(fmt.Errorf("project %s: %w", input.ProjectID, err))
		}
		seeded, n, err := a.rt.Engine.SeedRules(ctx, input.ProjectID, actorIDFromContext(ctx))
		if err != nil {
			return nil, a.handleError(err)
		}
		return reply(SeedRulesResponse{Seeded: seeded, Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-enabled",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/rules/{code}/enabled",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Code      string                `path:"code"`
		Body      SetRuleEnabledRequest `json:"body"`
	}) (*body[SetRuleEnabledRequest], error) {
		if err := a.rt.Repo.SetRuleEnabled(ctx, input.ProjectID, input.Code, input.Body.Enabled); err != nil {
			return nil, a.handleError(fmt.Errorf("rule %s: %w", input.Code, err))
		}
		return reply(input.Body), nil
	})
}

func (a handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Query the audit journal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Category   string `query:"category"`
		Severity   string `query:"severity"`
		Type       string `query:"type"`
		SessionID  string `query:"session_id"`
		Since      string `query:"since" doc:"RFC3339 timestamp, inclusive"`
		Until      string `query:"until" doc:"RFC3339 timestamp, inclusive"`
		AfterSeq   int64  `query:"after_seq"`
		Limit      int    `query:"limit" default:"100"`
		Latest     bool   `query:"latest"`
	}) (*body[EventsResponse], error) {
		f := events.Filter{
			ProjectID: input.ProjectID,
			EntityID:  input.EntityID,
			Category:  input.Category,
			Severity:  domain.Severity(input.Severity),
			Type:      input.Type,
			SessionID: input.SessionID,
			AfterSeq:  input.AfterSeq,
			Limit:     input.Limit,
			Latest:    input.Latest,
		}
		if input.EntityType != "" {
			et, ok := domain.ParseEntityType(input.EntityType)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown entity_type", map[string]any{"entity_type": input.EntityType})
			}
			f.EntityType = et
		}
		var err error
		if f.Since, err = parseQueryTime("since", input.Since); err != nil {
			return nil, err
		}
		if f.Until, err = parseQueryTime("until", input.Until); err != nil {
			return nil, err
		}
		items, qerr := a.rt.Events.Query(ctx, f)
		if qerr != nil {
			return nil, a.handleError(qerr)
		}
		resp := EventsResponse{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if !f.Latest && len(items) > 0 && len(items) == effectiveLimit(f.Limit) {
			resp.NextAfterSeq = items[len(items)-1].Seq
		}
		return reply(resp), nil
	})
}

func parseQueryTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return t, nil
}

func effectiveLimit(n int) int {
	switch {
	case n <= 0:
		return events.DefaultLimit
	case n > events.MaxLimit:
		return events.MaxLimit
	}
	return n
}
