package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"taskbridge/internal/domain"
	"taskbridge/internal/engine"
	"taskbridge/internal/gamification"
	"taskbridge/internal/ratelimit"
	"taskbridge/internal/repo"
	"taskbridge/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Ledger   *gamification.Ledger
	Limiter  *ratelimit.Limiter
	Metrics  *telemetry.Metrics
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"task 341883329 is in In Review, expected To Do"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	cfg Config
}

func (h handlers) logger() *slog.Logger {
	if h.cfg.Logger != nil {
		return h.cfg.Logger
	}
	return slog.Default()
}

// New returns an HTTP handler exposing the taskbridge API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
	router.Use(requestID)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("taskbridge API", cfg.Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{cfg: cfg}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerCommands(group)
	h.registerQueries(group)
	h.registerGamification(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", ve.Message, map[string]any{"field": ve.Field})
	}
	var pe *engine.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", pe.Error(), map[string]any{"operation": pe.Operation, "assignee": pe.Assignee})
	}
	var ce *engine.StateConflictError
	if errors.As(err, &ce) {
		details := map[string]any{"phase": ce.Phase}
		if ce.Expected != domain.PhaseUnknown {
			details["expected"] = ce.Expected
		}
		if ce.Assignee != "" {
			details["assignee"] = ce.Assignee
		}
		if ce.Limit > 0 {
			details["current"] = ce.Current
			details["limit"] = ce.Limit
		}
		return newAPIError(http.StatusConflict, "state_conflict", ce.Error(), details)
	}
	var re *engine.RemoteServiceError
	if errors.As(err, &re) {
		if re.NotFound {
			return newAPIError(http.StatusNotFound, "not_found", re.Error(), nil)
		}
		return newAPIError(http.StatusBadGateway, "remote_error", re.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusBadGateway:
		return "remote_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// begin authenticates the request and charges it against the caller's
// budget for action.
func (h handlers) begin(ctx context.Context, action string) (domain.Caller, huma.StatusError) {
	caller, authErr := callerFromContext(ctx)
	if authErr != nil {
		return domain.Caller{}, authErr
	}
	if h.cfg.Limiter != nil {
		d := h.cfg.Limiter.Check(caller.ID, action)
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			h.logger().Info("rate limited", "user_id", caller.ID, "action", action, "retry_after_seconds", retry)
			h.cfg.Metrics.RecordCommand(ctx, action, caller.ID, false)
			return domain.Caller{}, newAPIError(http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("too many %s requests; try again in %d seconds", action, retry),
				map[string]any{"retry_after_seconds": retry})
		}
	}
	return caller, nil
}

func (h handlers) finish(ctx context.Context, action string, caller domain.Caller, err error) huma.StatusError {
	h.cfg.Metrics.RecordCommand(ctx, action, caller.ID, err == nil)
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	var pe *engine.PermissionError
	switch {
	case errors.As(err, &ve), errors.As(err, &pe):
		h.logger().Info("command rejected", "action", action, "user_id", caller.ID, "error", err)
	default:
		h.logger().Warn("command failed", "action", action, "user_id", caller.ID, "error", err)
	}
	return handleError(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>taskbridge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id" doc:"Numeric board card id"`
}

type resultOutput struct {
	Body engine.Result `json:"body"`
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooManyRequests,
	http.StatusBadGateway,
}

func (h handlers) registerCommands(api huma.API) {
	e := h.cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "take-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/take",
		Summary:     "Take a To Do task",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id" doc:"Numeric board card id"`
		Body   CommentRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		caller, authErr := h.begin(ctx, "take")
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Take(ctx, caller, input.TaskID, input.Body.Comment)
		if err := h.finish(ctx, "take", caller, err); err != nil {
			return nil, err
		}
		return &resultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Send an In Progress task to review",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id" doc:"Numeric board card id"`
		Body   CommentRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		caller, authErr := h.begin(ctx, "complete")
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Complete(ctx, caller, input.TaskID, input.Body.Comment)
		if err := h.finish(ctx, "complete", caller, err); err != nil {
			return nil, err
		}
		return &resultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve a reviewed task",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id" doc:"Numeric board card id"`
		Body   CommentRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		caller, authErr := h.begin(ctx, "approve")
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, caller, input.TaskID, input.Body.Comment)
		if err := h.finish(ctx, "approve", caller, err); err != nil {
			return nil, err
		}
		return &resultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/release",
		Summary:     "Return an In Progress task to To Do",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id" doc:"Numeric board card id"`
		Body   ReleaseRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		caller, authErr := h.begin(ctx, "release")
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Release(ctx, caller, input.TaskID, input.Body.Reason)
		if err := h.finish(ctx, "release", caller, err); err != nil {
			return nil, err
		}
		return &resultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign a To Do task to another user",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id" doc:"Numeric board card id"`
		Body   AssignRequest `json:"body" required:"false"`
	}) (*resultOutput, error) {
		caller, authErr := h.begin(ctx, "assign")
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Assign(ctx, caller, input.TaskID, input.Body.Target, input.Body.Comment)
		if err := h.finish(ctx, "assign", caller, err); err != nil {
			return nil, err
		}
		return &resultOutput{Body: res}, nil
	})
}

func (h handlers) registerQueries(api huma.API) {
	e := h.cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task details with audit history",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.TaskDetail `json:"body"`
	}, error) {
		caller, authErr := h.begin(ctx, "info")
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.TaskInfo(ctx, input.TaskID)
		if err := h.finish(ctx, "info", caller, err); err != nil {
			return nil, err
		}
		return &struct {
			Body engine.TaskDetail `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{phase}/tasks",
		Summary:     "List tasks in a phase",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Phase string `path:"phase" doc:"backlog, todo, in_progress, in_review, blocked or done"`
		Limit int    `query:"limit" minimum:"0" maximum:"100"`
	}) (*struct {
		Body engine.Listing `json:"body"`
	}, error) {
		caller, authErr := h.begin(ctx, "list")
		if authErr != nil {
			return nil, authErr
		}
		phase, ok := domain.ParsePhase(input.Phase)
		if !ok {
			return nil, h.finish(ctx, "list", caller, &engine.ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", input.Phase)})
		}
		l, err := e.ListPhase(ctx, caller, phase, input.Limit)
		if err := h.finish(ctx, "list", caller, err); err != nil {
			return nil, err
		}
		return &struct {
			Body engine.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/me/tasks",
		Summary:     "Tasks owned by the caller",
		Errors:      commandErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.MyTasks `json:"body"`
	}, error) {
		caller, authErr := h.begin(ctx, "mine")
		if authErr != nil {
			return nil, authErr
		}
		mine, err := e.MyTasks(ctx, caller)
		if err := h.finish(ctx, "mine", caller, err); err != nil {
			return nil, err
		}
		return &struct {
			Body engine.MyTasks `json:"body"`
		}{Body: mine}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Board overview across every phase",
		Errors:      []int{http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		caller, authErr := h.begin(ctx, "dashboard")
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx)
		if err := h.finish(ctx, "dashboard", caller, err); err != nil {
			return nil, err
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "command-stats",
		Method:      http.MethodGet,
		Path:        "/stats/commands",
		Summary:     "Command counters since start",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CommandStatsResponse `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body CommandStatsResponse `json:"body"`
		}{Body: h.cfg.Metrics.Snapshot()}, nil
	})
}

func (h handlers) ledger() (*gamification.Ledger, huma.StatusError) {
	if h.cfg.Ledger == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "gamification is not enabled", nil)
	}
	return h.cfg.Ledger, nil
}

func (h handlers) registerGamification(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "my-profile",
		Method:      http.MethodGet,
		Path:        "/me/profile",
		Summary:     "Caller's points, level and achievements",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, lerr := h.ledger()
		if lerr != nil {
			return nil, lerr
		}
		p, ok := l.Profile(caller.ID)
		if !ok {
			p = gamification.Profile{UserID: caller.ID, Username: caller.Username}
		}
		rank, _ := l.Rank(caller.ID)
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: NewProfileResponse(p, l.Levels(), rank)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Top users by points",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10" minimum:"1" maximum:"50"`
	}) (*struct {
		Body LeaderboardResponse `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		l, lerr := h.ledger()
		if lerr != nil {
			return nil, lerr
		}
		return &struct {
			Body LeaderboardResponse `json:"body"`
		}{Body: LeaderboardResponse{Items: nonNilSlice(l.Leaderboard(input.Limit))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "weekly-stats",
		Method:      http.MethodGet,
		Path:        "/stats/weekly",
		Summary:     "Activity of the last seven days",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WeeklyStatsResponse `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		l, lerr := h.ledger()
		if lerr != nil {
			return nil, lerr
		}
		return &struct {
			Body WeeklyStatsResponse `json:"body"`
		}{Body: weeklyStatsResponse(l.WeeklyStats())}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	e := h.cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		ActorID  string `query:"actor_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, next, err := e.Repo.EventPage(ctx, limit, cursorID, repo.EventFilter{
			Type: input.Type, EntityID: input.EntityID, ActorID: input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if next > 0 {
			resp.NextCursor = strconv.FormatInt(next, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, NewEventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
