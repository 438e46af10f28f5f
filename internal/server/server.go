package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"enclava/internal/domain"
	"enclava/internal/engine"
	"enclava/internal/logging"
	"enclava/internal/poller"
	"enclava/internal/repo"
)

var log = logging.Logger("server")

// Backfiller reconciles mint events from a past block range.
type Backfiller interface {
	Backfill(ctx context.Context, from, to uint64) (poller.BackfillResult, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Backfill Backfiller
	// Metrics, when set, is served at /metrics.
	Metrics  http.Handler
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"payment_not_valid"`
	Message string         `json:"message" example:"payment verification failed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"agent_id\":4}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Enclava API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Config == nil {
		return nil, errors.New("server: engine config required")
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
	router.Use(middleware.RequestID, middleware.Recoverer, accessLog)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Enclava API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	registerHealth(group)
	registerAgents(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerChat(group, cfg.Engine)
	registerDatasets(group, cfg.Engine)
	registerAdmin(group, cfg.Engine, cfg.Backfill)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"took", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ve.Code, ve.Message, nil)
	}
	if errors.Is(err, engine.ErrFileTooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, "file_too_large", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrPaymentInvalid) {
		return newAPIError(http.StatusPaymentRequired, "payment_not_valid", err.Error(), nil)
	}
	var ae engine.AgentError
	if errors.As(err, &ae) {
		details := map[string]any{"agent_id": ae.AgentID}
		if errors.Is(err, engine.ErrAgentNotAvailable) {
			return newAPIError(http.StatusServiceUnavailable, "agent_not_available", err.Error(), details)
		}
		log.Errorw("agent prompt failed", "agent", ae.AgentID, "err", ae.Err)
		return newAPIError(http.StatusBadGateway, "agent_failed", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	if errors.Is(err, repo.ErrInvalidQuery) {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	log.Errorw("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusRequestEntityTooLarge:
		return "file_too_large"
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

// applyAuthSecurity marks the admin operations as requiring a bearer token
// or an API key.
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
	adminPrefix := path.Join("/", basePath, "admin") + "/"
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, adminPrefix) {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op != nil {
				op.Security = security
			}
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
    <title>Enclava API Docs</title>
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
      Admin endpoints take Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List dataset agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Search    string `query:"search"`
		Category  string `query:"category"`
		Status    string `query:"status"`
		SortBy    string `query:"sort_by" enum:"price,created_at,updated_at,name" default:"created_at"`
		SortOrder string `query:"sort_order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		if input.Category != "" {
			if _, err := domain.ParseCategory(input.Category); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_category", err.Error(), map[string]any{"category": input.Category})
			}
		}
		items, err := e.Repo.ListAgents(ctx, repo.AgentQuery{
			Search:    input.Search,
			Category:  input.Category,
			Status:    input.Status,
			SortBy:    input.SortBy,
			SortOrder: input.SortOrder,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: mapAgents(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get a dataset agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "user-profile",
		Method:      http.MethodGet,
		Path:        "/users/{address}/profile",
		Summary:     "Datasets uploaded by an address",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if !common.IsHexAddress(input.Address) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_user_address", "invalid address", map[string]any{"address": input.Address})
		}
		addr := common.HexToAddress(input.Address).Hex()
		items, err := e.Repo.AgentsByOwner(ctx, addr)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: ProfileResponse{Address: addr, Agents: mapAgents(items)}}, nil
	})
}

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "route-agents",
		Method:      http.MethodPost,
		Path:        "/chat/agents",
		Summary:     "Suggest agents able to answer a prompt",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RouteRequest `json:"body"`
	}) (*struct {
		Body AgentList `json:"body"`
	}, error) {
		items, err := e.RouteAgents(ctx, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentList `json:"body"`
		}{Body: AgentList{Items: mapAgents(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer",
		Method:      http.MethodPost,
		Path:        "/chat/agents/answer",
		Summary:     "Ask paid agents a question",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body AnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		out, err := e.Answer(ctx, engine.AnswerInput{
			AgentIDs: input.Body.AgentIDs,
			Prompt:   input.Body.Prompt,
			TxHash:   input.Body.TxHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: AnswerResponse{Responses: out}}, nil
	})
}

type multipartInput struct {
	RawBody multipart.Form
}

func registerDatasets(api huma.API, e engine.Engine) {
	maxFile := e.Config.Uploads.MaxFileSize
	// Room for the form fields around the file.
	maxBody := maxFile + 1<<20

	huma.Register(api, huma.Operation{
		OperationID: "dataset-stats",
		Method:      http.MethodGet,
		Path:        "/datasets/stats",
		Summary:     "Dataset totals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.Repo.DatasetStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "upload-dataset",
		Method:       http.MethodPost,
		Path:         "/dataset/upload",
		Summary:      "Upload a CSV dataset and create its agent",
		MaxBodyBytes: maxBody,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *multipartInput) (*struct {
		Body UploadResponse `json:"body"`
	}, error) {
		form := &input.RawBody
		name, data, err := readFormFile(form, "file", maxFile)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.UploadDataset(ctx, engine.UploadInput{
			FileName:    name,
			Data:        data,
			UserAddress: formValue(form, "user_address"),
			Price:       formValue(form, "dataset_price"),
			Description: formValue(form, "description"),
			Name:        formValue(form, "name"),
			Category:    formValue(form, "category"),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse `json:"body"`
		}{Body: UploadResponse{Agent: agentResponse(res.Agent), Rows: res.Rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "generate-dataset-details",
		Method:       http.MethodPost,
		Path:         "/dataset/details/generate",
		Summary:      "Suggest a name, description and category for a CSV dataset",
		MaxBodyBytes: maxBody,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *multipartInput) (*struct {
		Body DetailsResponse `json:"body"`
	}, error) {
		name, data, err := readFormFile(&input.RawBody, "file", maxFile)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GenerateDatasetDetails(ctx, name, data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DetailsResponse `json:"body"`
		}{Body: DetailsResponse{Name: d.Name, Description: d.Description, Category: string(d.Category)}}, nil
	})
}

// readFormFile reads at most max+1 bytes of the named file so oversized
// uploads are detected without buffering them whole.
func readFormFile(form *multipart.Form, field string, max int64) (string, []byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return "", nil, engine.ValidationError{Code: "no_file", Message: "no file found in the request"}
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return fh.Filename, data, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func registerAdmin(api huma.API, e engine.Engine, b Backfiller) {
	huma.Register(api, huma.Operation{
		OperationID: "backfill-mints",
		Method:      http.MethodPost,
		Path:        "/admin/mints/backfill",
		Summary:     "Reconcile mint events from a block range",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body BackfillRequest `json:"body"`
	}) (*struct {
		Body poller.BackfillResult `json:"body"`
	}, error) {
		if b == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "backfill_unavailable", "mint backfill is not configured", nil)
		}
		if input.Body.ToBlock < input.Body.FromBlock {
			return nil, newAPIError(http.StatusBadRequest, "invalid_block_range", "to_block must not be before from_block",
				map[string]any{"from_block": input.Body.FromBlock, "to_block": input.Body.ToBlock})
		}
		p, _ := principalFromContext(ctx)
		log.Infow("mint backfill requested", "by", p.Subject, "from", input.Body.FromBlock, "to", input.Body.ToBlock)
		res, err := b.Backfill(ctx, input.Body.FromBlock, input.Body.ToBlock)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body poller.BackfillResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
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
