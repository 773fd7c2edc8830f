// Package provider talks to large-language-model vendors through one
// interface. Each wire protocol is an Adapter; a Registry maps provider names
// to an adapter and its endpoint.
package provider

import (
	"context"
	"io"
	"net/http"
	"sort"

	"featuregate/internal/config"
	"featuregate/internal/domain"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Provider and Model are optional.
type Request struct {
	Messages []Message
	Provider string
	Model    string
	Stream   bool
}

// Completion carries either the full content or, when streaming, the raw
// upstream event stream which the caller must close.
type Completion struct {
	Content  string
	Stream   io.ReadCloser
	Provider string
	Model    string
}

// Call is what an adapter turns into an HTTP request.
type Call struct {
	BaseURL  string
	Model    string
	Messages []Message
	Stream   bool
}

// Adapter implements one vendor wire protocol.
type Adapter interface {
	Protocol() string
	SupportsStreaming() bool
	FormatRequest(ctx context.Context, call Call) (*http.Request, error)
	Authenticate(req *http.Request, apiKey string)
	ParseResponse(body []byte) (string, error)
}

// ConfigSource reads stored provider configuration.
type ConfigSource interface {
	GetProviderConfig(ctx context.Context, name string) (domain.ProviderConfig, error)
	DefaultProviderConfig(ctx context.Context) (domain.ProviderConfig, error)
}

type Endpoint struct {
	Name         string
	BaseURL      string
	DefaultModel string
	Adapter      Adapter
}

type Registry struct {
	adapters  map[string]Adapter
	endpoints map[string]Endpoint
}

// NewRegistry registers the built-in protocols and every catalog entry.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{adapters: map[string]Adapter{}, endpoints: map[string]Endpoint{}}
	r.RegisterAdapter(ChatAdapter{})
	r.RegisterAdapter(AnthropicAdapter{})
	r.RegisterAdapter(GeminiAdapter{})
	for name, ep := range cfg.Catalog {
		_ = r.Register(name, ep.Protocol, ep.BaseURL, ep.DefaultModel)
	}
	b := cfg.Builtin
	_ = r.Register(b.Name, b.Protocol, b.BaseURL, b.Model)
	return r
}

func (r *Registry) RegisterAdapter(a Adapter) {
	r.adapters[a.Protocol()] = a
}

// Register binds a provider name to a protocol and endpoint.
func (r *Registry) Register(name, protocol, baseURL, defaultModel string) bool {
	a, ok := r.adapters[protocol]
	if !ok {
		return false
	}
	r.endpoints[name] = Endpoint{Name: name, BaseURL: baseURL, DefaultModel: defaultModel, Adapter: a}
	return true
}

func (r *Registry) Lookup(name string) (Endpoint, bool) {
	ep, ok := r.endpoints[name]
	return ep, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for n := range r.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
