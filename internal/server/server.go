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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"featuregate/internal/engine"
	"featuregate/internal/fault"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"pipeline_state_error"`
	Message string         `json:"message" example:"cannot approve proposal in stage generating"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// GetHeaders lets huma copy Retry-After onto the response.
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the featuregate API.
func New(cfg Config) (http.Handler, error) {
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
	logger = logger.With("component", "server")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if limiter := newRateLimiter(cfg.RateLimit); limiter != nil {
		router.Use(limiter.Middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("featuregate API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerPipeline(group, cfg.Engine)
	registerGate(group, cfg.Engine)
	registerGovernance(group, cfg.Engine)
	registerProviders(group, cfg.Engine)
	registerDiscussions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) *apiError {
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

var kindStatus = map[fault.Kind]int{
	fault.KindPermissionDenied: http.StatusForbidden,
	fault.KindNotFound:         http.StatusNotFound,
	fault.KindPipelineState:    http.StatusConflict,
	fault.KindInvalidInput:     http.StatusBadRequest,
	fault.KindRateLimited:      http.StatusTooManyRequests,
	fault.KindQuotaExceeded:    http.StatusPaymentRequired,
	fault.KindConfiguration:    http.StatusFailedDependency,
	fault.KindProvider:         http.StatusBadGateway,
	fault.KindTransport:        http.StatusBadGateway,
}

// handleError maps a classified error onto the envelope. Unclassified errors
// are reported without their message so nothing internal leaks.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := fault.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		return newAPIError(http.StatusInternalServerError, string(fault.KindInternal), "internal error", nil)
	}
	var details map[string]any
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Provider != "" {
			details = map[string]any{"provider": fe.Provider}
		}
		if fe.Status != 0 {
			if details == nil {
				details = map[string]any{}
			}
			details["upstream_status"] = fe.Status
		}
	}
	apiErr := newAPIError(status, string(kind), err.Error(), details)
	if wait, ok := fault.RetryAfterOf(err); ok {
		secs := int(math.Ceil(wait.Seconds()))
		apiErr.headers = http.Header{"Retry-After": []string{strconv.Itoa(secs)}}
		if apiErr.Body.Details == nil {
			apiErr.Body.Details = map[string]any{}
		}
		apiErr.Body.Details["retry_after_seconds"] = secs
	}
	return apiErr
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(fault.KindInvalidInput)
	case http.StatusNotFound:
		return string(fault.KindNotFound)
	case http.StatusForbidden:
		return string(fault.KindPermissionDenied)
	case http.StatusTooManyRequests:
		return string(fault.KindRateLimited)
	case http.StatusInternalServerError:
		return string(fault.KindInternal)
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
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
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
    <title>featuregate API Docs</title>
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
