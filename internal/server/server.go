package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"khata/internal/aggregate"
	"khata/internal/domain"
	"khata/internal/engine"
	"khata/internal/repo"
)

// EventLog pages through the change log.
type EventLog interface {
	LatestEvents(ctx context.Context, limit int, cursor int64, itemID, evtType string) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Tailer follows the change log.
type Tailer interface {
	Tail(ctx context.Context, cursor int64, fn func(domain.Event) error) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	Aggregator  *aggregate.Aggregator
	Events      EventLog
	Feed        Tailer
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
	Log         zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_conflict"`
	Message string         `json:"message" example:"item is not leased by this worker"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":2}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the grading API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Aggregator == nil || cfg.Events == nil || cfg.Feed == nil {
		return nil, errors.New("server: aggregator, event log and feed are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(corsHandler(cfg.CORSOrigins))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.Recoverer)
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("Khata API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerGrading(group, cfg.Engine)
	registerBoards(group, cfg.Engine, cfg.Aggregator)
	registerEvents(group, cfg.Events)
	registerEventStream(group, cfg.Events, cfg.Feed)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	msg := err.Error()
	var incomplete *engine.IncompleteGradingError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_grading", msg, map[string]any{"missing": incomplete.Missing})
	}
	var unavailable *engine.StoreUnavailableError
	if errors.As(err, &unavailable) {
		details := map[string]any{"op": unavailable.Op}
		if unavailable.ItemID != "" {
			details["item_id"] = unavailable.ItemID
		}
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", msg, details)
	}
	var decErr *repo.DecodeError
	if errors.As(err, &decErr) {
		return newAPIError(http.StatusInternalServerError, "malformed_item", msg, map[string]any{"item_id": decErr.ID})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrNoItemsAvailable):
		return newAPIError(http.StatusConflict, "no_items", msg, nil)
	case errors.Is(err, engine.ErrNotLeaseHolder):
		return newAPIError(http.StatusConflict, "lease_conflict", msg, nil)
	case errors.Is(err, engine.ErrStaleLease):
		return newAPIError(http.StatusConflict, "stale_lease", msg, nil)
	case errors.Is(err, engine.ErrAlreadyDone):
		return newAPIError(http.StatusConflict, "already_done", msg, nil)
	case errors.Is(err, engine.ErrInvalidGrade):
		return newAPIError(http.StatusBadRequest, "invalid_grade", msg, nil)
	case errors.Is(err, engine.ErrPredictionIndex):
		return newAPIError(http.StatusBadRequest, "invalid_prediction_index", msg, nil)
	case errors.Is(err, engine.ErrWorkerRequired):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Khata API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type itemPath struct {
	ItemID string `path:"item_id"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-item",
		Method:      http.MethodPost,
		Path:        "/items/acquire",
		Summary:     "Lease the next pending item",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Window int `query:"window" doc:"Scan window, defaults to lease.scan_window"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		worker, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AcquireWithin(ctx, worker, input.Window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List items by id",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,done"`
		Order  string `query:"order" enum:"asc,desc" default:"asc"`
		After  string `query:"after" doc:"Return items after this id in the chosen order"`
		Limit  int    `query:"limit" default:"50"`
		Mine   bool   `query:"mine" doc:"Only items leased by the caller"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		var heldBy string
		if input.Mine {
			worker, werr := workerFromContext(ctx)
			if werr != nil {
				return nil, werr
			}
			heldBy = worker
		}
		var status domain.Status
		if input.Status != "" {
			parsed, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			status = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.List(ctx, engine.ListOptions{
			Status:  status,
			Desc:    input.Order == "desc",
			AfterID: input.After,
			Limit:   limit + 1,
			HeldBy:  heldBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedItems{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		resp.Items = itemResponses(items)
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		it, err := e.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerGrading(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-grade",
		Method:      http.MethodPut,
		Path:        "/items/{item_id}/predictions/{index}/grade",
		Summary:     "Grade one prediction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ItemID string       `path:"item_id"`
		Index  int          `path:"index"`
		Body   GradeRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		worker, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Grade == nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_grade", "grade is required", nil)
		}
		it, err := e.SetGrade(ctx, input.ItemID, worker, input.Index, *input.Body.Grade)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-grade",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}/predictions/{index}/grade",
		Summary:     "Remove one prediction's grade",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Index  int    `path:"index"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		worker, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.ClearGrade(ctx, input.ItemID, worker, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/submit",
		Summary:     "Submit a fully graded item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		worker, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Submit(ctx, input.ItemID, worker)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerBoards(api huma.API, e engine.Engine, agg *aggregate.Aggregator) {
	type boardQuery struct {
		Limit int `query:"limit" doc:"Maximum rows, all when zero"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Item totals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		t := agg.Totals()
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{
			Total:    t.Total,
			Done:     t.Done,
			Pending:  t.Pending,
			Cursor:   agg.Cursor(),
			Ready:    agg.Ready(),
			LeaseTTL: e.LeaseTTL().String(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "model-leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboards/models",
		Summary:     "Models ranked by total score",
	}, func(ctx context.Context, input *boardQuery) (*struct {
		Body modelBoard `json:"body"`
	}, error) {
		return &struct {
			Body modelBoard `json:"body"`
		}{Body: modelBoard{Items: truncate(agg.Models(), input.Limit)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contributor-leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboards/contributors",
		Summary:     "Workers ranked by completed items",
	}, func(ctx context.Context, input *boardQuery) (*struct {
		Body contributorBoard `json:"body"`
	}, error) {
		return &struct {
			Body contributorBoard `json:"body"`
		}{Body: contributorBoard{Items: truncate(agg.Contributors(), input.Limit)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-workers",
		Method:      http.MethodGet,
		Path:        "/workers/active",
		Summary:     "Workers currently holding leases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body activeWorkers `json:"body"`
	}, error) {
		return &struct {
			Body activeWorkers `json:"body"`
		}{Body: activeWorkers{Items: nonNilSlice(agg.Active())}}, nil
	})
}

func registerEvents(api huma.API, log EventLog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent changes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		ItemID string `query:"item_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorID, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := log.LatestEvents(ctx, limit+1, cursorID, input.ItemID, input.Type)
		if err != nil {
			return nil, handleError(&engine.StoreUnavailableError{Op: "events", Err: err})
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type streamInput struct {
	After       string `query:"after"`
	LastEventID string `header:"Last-Event-ID"`
}

func (in *streamInput) rawCursor() string {
	if in.After != "" {
		return in.After
	}
	return in.LastEventID
}

// Resolve rejects a malformed cursor before the stream opens.
func (in *streamInput) Resolve(huma.Context) []error {
	raw := in.rawCursor()
	if _, err := parseCursor(raw); err != nil {
		location := "query.after"
		if in.After == "" {
			location = "header.Last-Event-ID"
		}
		return []error{&huma.ErrorDetail{Location: location, Message: err.Error(), Value: raw}}
	}
	return nil
}

// registerEventStream pushes changes as server-sent events. Without a
// cursor the stream starts at the newest change.
func registerEventStream(api huma.API, log EventLog, feed Tailer) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Stream changes",
		Errors:      []int{http.StatusBadRequest},
	}, map[string]any{
		"change": EventResponse{},
	}, func(ctx context.Context, input *streamInput, send sse.Sender) {
		raw := input.rawCursor()
		cursor, err := parseCursor(raw)
		if err != nil {
			return
		}
		if raw == "" {
			if cursor, err = log.LatestEventID(ctx); err != nil {
				return
			}
		}
		_ = feed.Tail(ctx, cursor, func(evt domain.Event) error {
			return send(sse.Message{ID: int(evt.ID), Data: eventResponse(evt)})
		})
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			WorkerID: principal.WorkerID,
			Name:     principal.Name,
			Source:   principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		worker := strings.TrimSpace(input.Body.WorkerID)
		if worker == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, worker, strings.TrimSpace(input.Body.Name))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return id, nil
}
