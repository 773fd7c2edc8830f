package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/fault"
)

// quotaMarkers are body fragments vendors use to signal exhausted credit on
// statuses other than 402.
var quotaMarkers = []string{"insufficient balance", "insufficient_quota", "insufficient credits"}

// Client resolves a provider for each request and performs the HTTP call.
// Calls are never retried.
type Client struct {
	Registry   *Registry
	Source     ConfigSource
	Builtin    config.BuiltinProvider
	BuiltinKey string
	HTTP       *http.Client
	Timeout    time.Duration
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

func NewClient(cfg *config.Config, source ConfigSource, builtinKey string) *Client {
	return &Client{
		Registry:   NewRegistry(cfg.Providers),
		Source:     source,
		Builtin:    cfg.Providers.Builtin,
		BuiltinKey: builtinKey,
		HTTP:       &http.Client{},
		Timeout:    cfg.Timeout(),
		Tracer:     otel.Tracer("featuregate/provider"),
		Logger:     slog.Default().With("component", "provider"),
	}
}

type target struct {
	name     string
	model    string
	baseURL  string
	apiKey   string
	endpoint Endpoint
}

// resolve picks the provider: an explicit name, then the active default, then
// the built-in provider.
func (c *Client) resolve(ctx context.Context, req Request) (target, error) {
	if req.Provider != "" {
		pc, err := c.Source.GetProviderConfig(ctx, req.Provider)
		if err != nil {
			if errors.Is(err, fault.NotFound) {
				if req.Provider == c.Builtin.Name {
					return c.builtinTarget(req)
				}
				return target{}, fault.New(fault.KindConfiguration, "provider %q is not configured", req.Provider)
			}
			return target{}, err
		}
		if !pc.IsActive {
			return target{}, fault.New(fault.KindConfiguration, "provider %q is inactive", req.Provider)
		}
		return c.configuredTarget(pc, req)
	}
	pc, err := c.Source.DefaultProviderConfig(ctx)
	if err == nil {
		return c.configuredTarget(pc, req)
	}
	if !errors.Is(err, fault.NotFound) {
		return target{}, err
	}
	return c.builtinTarget(req)
}

func (c *Client) configuredTarget(pc domain.ProviderConfig, req Request) (target, error) {
	ep, ok := c.Registry.Lookup(pc.Name)
	if !ok {
		return target{}, fault.New(fault.KindConfiguration, "provider %q has no known adapter", pc.Name)
	}
	if pc.APIKey == "" {
		return target{}, fault.New(fault.KindConfiguration, "provider %q has no credential", pc.Name)
	}
	t := target{name: pc.Name, apiKey: pc.APIKey, endpoint: ep, baseURL: ep.BaseURL, model: ep.DefaultModel}
	if pc.BaseURL != "" {
		t.baseURL = pc.BaseURL
	}
	if pc.DefaultModel != "" {
		t.model = pc.DefaultModel
	}
	if req.Model != "" {
		t.model = req.Model
	}
	return t, nil
}

func (c *Client) builtinTarget(req Request) (target, error) {
	if c.BuiltinKey == "" {
		return target{}, fault.New(fault.KindConfiguration, "no provider configured and no built-in credential available")
	}
	ep, ok := c.Registry.Lookup(c.Builtin.Name)
	if !ok {
		return target{}, fault.New(fault.KindConfiguration, "built-in provider %q has no known adapter", c.Builtin.Name)
	}
	t := target{name: ep.Name, apiKey: c.BuiltinKey, endpoint: ep, baseURL: ep.BaseURL, model: ep.DefaultModel}
	if req.Model != "" {
		t.model = req.Model
	}
	return t, nil
}

// Complete sends req to the resolved provider. With Stream set and a
// streaming-capable adapter, the raw body is returned in Completion.Stream.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	t, err := c.resolve(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	ctx, span := c.tracer().Start(ctx, "provider.complete", trace.WithAttributes(
		attribute.String("provider.name", t.name),
		attribute.String("provider.model", t.model),
		attribute.Bool("provider.stream", req.Stream),
	))
	defer span.End()

	start := time.Now()
	out, err := c.do(ctx, t, req)
	outcome := "ok"
	if err != nil {
		outcome = string(fault.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	c.logger().InfoContext(ctx, "provider call",
		"provider", t.name,
		"model", t.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"outcome", outcome,
	)
	return out, err
}

func (c *Client) do(ctx context.Context, t target, req Request) (Completion, error) {
	adapter := t.endpoint.Adapter
	stream := req.Stream && adapter.SupportsStreaming()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := adapter.FormatRequest(callCtx, Call{BaseURL: t.baseURL, Model: t.model, Messages: req.Messages, Stream: stream})
	if err != nil {
		cancel()
		return Completion{}, fault.Wrap(fault.KindInternal, err, "format provider request")
	}
	adapter.Authenticate(httpReq, t.apiKey)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		cancel()
		return Completion{}, transportError(t.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cancel()
		return Completion{}, statusError(t.name, resp, string(body), time.Now())
	}

	out := Completion{Provider: t.name, Model: t.model}
	if stream {
		out.Stream = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return out, nil
	}
	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, transportError(t.name, err)
	}
	content, err := adapter.ParseResponse(body)
	if err != nil {
		return Completion{}, &fault.Error{Kind: fault.KindProvider, Provider: t.name, Status: resp.StatusCode,
			Message: fmt.Sprintf("unreadable response: %v", err), Body: fault.Truncate(string(body))}
	}
	out.Content = content
	return out, nil
}

// statusError classifies a non-2xx provider response.
func statusError(name string, resp *http.Response, body string, now time.Time) error {
	lower := strings.ToLower(body)
	quota := resp.StatusCode == http.StatusPaymentRequired
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			quota = true
		}
	}
	e := &fault.Error{Provider: name, Status: resp.StatusCode, Body: fault.Truncate(body)}
	switch {
	case quota:
		e.Kind = fault.KindQuotaExceeded
		e.Message = "provider credit exhausted"
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = fault.KindRateLimited
		e.Message = "provider rate limit reached"
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	default:
		e.Kind = fault.KindProvider
		e.Message = "provider request failed"
	}
	return e
}

// transportError strips the request URL from net/http errors so credentials
// carried in the query never surface.
func transportError(name string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	msg := "provider unreachable"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "provider timed out"
	}
	return &fault.Error{Kind: fault.KindTransport, Provider: name, Message: msg, Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.Tracer("featuregate/provider")
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
