package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/fault"
)

type fakeSource struct {
	configs map[string]domain.ProviderConfig
}

func (f fakeSource) GetProviderConfig(_ context.Context, name string) (domain.ProviderConfig, error) {
	pc, ok := f.configs[name]
	if !ok {
		return pc, fault.New(fault.KindNotFound, "not found")
	}
	return pc, nil
}

func (f fakeSource) DefaultProviderConfig(_ context.Context) (domain.ProviderConfig, error) {
	for _, pc := range f.configs {
		if pc.IsDefault && pc.IsActive {
			return pc, nil
		}
	}
	return domain.ProviderConfig{}, fault.New(fault.KindNotFound, "not found")
}

func newTestClient(t *testing.T, source ConfigSource, builtinKey string) *Client {
	t.Helper()
	cfg := config.Default()
	c := NewClient(cfg, source, builtinKey)
	c.Timeout = 2 * time.Second
	return c
}

func chatServer(t *testing.T, status int, body string, header http.Header) (*httptest.Server, *http.Request) {
	t.Helper()
	captured := &http.Request{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = *r.Clone(context.Background())
		for k, v := range header {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestCompleteUsesExplicitProvider(t *testing.T) {
	srv, captured := chatServer(t, http.StatusOK, `{"choices":[{"message":{"content":"hello"}}]}`, nil)
	src := fakeSource{configs: map[string]domain.ProviderConfig{
		"deepseek": {Name: "deepseek", APIKey: "sk-1", BaseURL: srv.URL, DefaultModel: "deepseek-chat", IsActive: true},
	}}
	c := newTestClient(t, src, "")

	out, err := c.Complete(context.Background(), Request{Provider: "deepseek", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, "deepseek", out.Provider)
	assert.Equal(t, "deepseek-chat", out.Model)
	assert.Equal(t, "/chat/completions", captured.URL.Path)
	assert.Equal(t, "Bearer sk-1", captured.Header.Get("Authorization"))
}

func TestCompleteFallsBackToDefaultThenBuiltin(t *testing.T) {
	srv, captured := chatServer(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`, nil)
	src := fakeSource{configs: map[string]domain.ProviderConfig{
		"groq": {Name: "groq", APIKey: "gk", BaseURL: srv.URL, IsActive: true, IsDefault: true},
	}}
	c := newTestClient(t, src, "")
	out, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "groq", out.Provider)
	assert.Equal(t, "Bearer gk", captured.Header.Get("Authorization"))

	c = newTestClient(t, fakeSource{}, "builtin-key")
	require.True(t, c.Registry.Register(c.Builtin.Name, "chat", srv.URL, "m-1"))
	out, err = c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, c.Builtin.Name, out.Provider)
	assert.Equal(t, "m-1", out.Model)
	assert.Equal(t, "Bearer builtin-key", captured.Header.Get("Authorization"))
}

func TestCompleteConfigurationErrors(t *testing.T) {
	src := fakeSource{configs: map[string]domain.ProviderConfig{
		"mistral": {Name: "mistral", APIKey: "k", IsActive: false},
		"openai":  {Name: "openai", IsActive: true},
		"acme":    {Name: "acme", APIKey: "k", IsActive: true},
	}}
	c := newTestClient(t, src, "")
	for _, name := range []string{"mistral", "openai", "acme", "missing", ""} {
		_, err := c.Complete(context.Background(), Request{Provider: name})
		assert.ErrorIs(t, err, fault.Configuration, name)
	}
}

func TestCompleteMapsStatusErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		header http.Header
		want   *fault.Error
		retry  time.Duration
	}{
		{name: "payment", status: 402, body: `{"error":"pay"}`, want: fault.QuotaExceeded},
		{name: "balance marker", status: 400, body: `{"error":"Insufficient Balance"}`, want: fault.QuotaExceeded},
		{name: "rate", status: 429, body: `slow down`, header: http.Header{"Retry-After": {"7"}}, want: fault.RateLimited, retry: 7 * time.Second},
		{name: "server", status: 500, body: strings.Repeat("x", 2000), want: fault.Provider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := chatServer(t, tc.status, tc.body, tc.header)
			src := fakeSource{configs: map[string]domain.ProviderConfig{
				"openai": {Name: "openai", APIKey: "k", BaseURL: srv.URL, IsActive: true},
			}}
			_, err := newTestClient(t, src, "").Complete(context.Background(), Request{Provider: "openai"})
			require.ErrorIs(t, err, tc.want)
			var fe *fault.Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tc.status, fe.Status)
			assert.LessOrEqual(t, len(fe.Body), fault.MaxBodyLen+len("…"))
			if tc.retry > 0 {
				got, ok := fault.RetryAfterOf(err)
				assert.True(t, ok)
				assert.Equal(t, tc.retry, got)
			}
		})
	}
}

func TestCompleteTransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()
	src := fakeSource{configs: map[string]domain.ProviderConfig{
		"gemini": {Name: "gemini", APIKey: "secret-key", BaseURL: base, IsActive: true},
	}}
	_, err := newTestClient(t, src, "").Complete(context.Background(), Request{Provider: "gemini"})
	require.ErrorIs(t, err, fault.Transport)
	assert.NotContains(t, err.Error(), "secret-key")
}

func TestCompleteStreamsRawBody(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "data: {\"x\":1}\n\ndata: [DONE]\n\n", nil)
	src := fakeSource{configs: map[string]domain.ProviderConfig{
		"openai": {Name: "openai", APIKey: "k", BaseURL: srv.URL, IsActive: true},
	}}
	out, err := newTestClient(t, src, "").Complete(context.Background(), Request{Provider: "openai", Stream: true})
	require.NoError(t, err)
	require.NotNil(t, out.Stream)
	data, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	require.NoError(t, out.Stream.Close())
	assert.Contains(t, string(data), "[DONE]")
}

func TestAnthropicAdapterShape(t *testing.T) {
	req, err := AnthropicAdapter{}.FormatRequest(context.Background(), Call{
		BaseURL:  "https://api.anthropic.com/v1/",
		Model:    "claude",
		Messages: []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	AnthropicAdapter{}.Authenticate(req, "ak")
	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL.String())
	assert.Equal(t, "ak", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	assert.Equal(t, "be terse", body["system"])
	assert.Len(t, body["messages"], 1)

	text, err := AnthropicAdapter{}.ParseResponse([]byte(`{"content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestGeminiAdapterShape(t *testing.T) {
	g := GeminiAdapter{}
	assert.False(t, g.SupportsStreaming())
	req, err := g.FormatRequest(context.Background(), Call{
		BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
		Model:    "gemini-1.5-flash",
		Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleAssistant, Content: "prev"}, {Role: RoleUser, Content: "q"}},
	})
	require.NoError(t, err)
	g.Authenticate(req, "gk")
	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", req.URL.Path)
	assert.Equal(t, "gk", req.URL.Query().Get("key"))

	var body struct {
		Contents []geminiContent `json:"contents"`
		System   geminiContent   `json:"systemInstruction"`
	}
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	require.Len(t, body.Contents, 2)
	assert.Equal(t, "model", body.Contents[0].Role)
	assert.Equal(t, "sys", body.System.Parts[0].Text)

	text, err := g.ParseResponse([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"},{"text":"y"}]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "xy", text)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("", now))
}
