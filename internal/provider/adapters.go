package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const anthropicVersion = "2023-06-01"

// ChatAdapter speaks the OpenAI-compatible chat completions protocol used by
// most vendors and by the built-in provider.
type ChatAdapter struct{}

func (ChatAdapter) Protocol() string        { return "chat" }
func (ChatAdapter) SupportsStreaming() bool { return true }

func (ChatAdapter) FormatRequest(ctx context.Context, call Call) (*http.Request, error) {
	body := map[string]any{
		"model":    call.Model,
		"messages": call.Messages,
	}
	if call.Stream {
		body["stream"] = true
	}
	return newJSONRequest(ctx, joinURL(call.BaseURL, "chat/completions"), body)
}

func (ChatAdapter) Authenticate(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func (ChatAdapter) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicAdapter carries the system prompt in its own field.
type AnthropicAdapter struct {
	MaxTokens int
}

func (AnthropicAdapter) Protocol() string        { return "anthropic" }
func (AnthropicAdapter) SupportsStreaming() bool { return true }

func (a AnthropicAdapter) FormatRequest(ctx context.Context, call Call) (*http.Request, error) {
	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	var system []string
	msgs := make([]Message, 0, len(call.Messages))
	for _, m := range call.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	body := map[string]any{
		"model":      call.Model,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n\n")
	}
	if call.Stream {
		body["stream"] = true
	}
	req, err := newJSONRequest(ctx, joinURL(call.BaseURL, "messages"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (AnthropicAdapter) Authenticate(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
}

func (AnthropicAdapter) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 && len(resp.Content) == 0 {
		return "", errors.New("response has no content")
	}
	return b.String(), nil
}

// GeminiAdapter puts the model and credential in the URL and only answers in
// one piece.
type GeminiAdapter struct{}

func (GeminiAdapter) Protocol() string        { return "gemini" }
func (GeminiAdapter) SupportsStreaming() bool { return false }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (GeminiAdapter) FormatRequest(ctx context.Context, call Call) (*http.Request, error) {
	var system []geminiPart
	contents := make([]geminiContent, 0, len(call.Messages))
	for _, m := range call.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	body := map[string]any{"contents": contents}
	if len(system) > 0 {
		body["systemInstruction"] = geminiContent{Parts: system}
	}
	return newJSONRequest(ctx, joinURL(call.BaseURL, "models/"+url.PathEscape(call.Model)+":generateContent"), body)
}

func (GeminiAdapter) Authenticate(req *http.Request, apiKey string) {
	q := req.URL.Query()
	q.Set("key", apiKey)
	req.URL.RawQuery = q.Encode()
}

func (GeminiAdapter) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("response has no candidates")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func newJSONRequest(ctx context.Context, target string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func joinURL(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}
