package featuregatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal featuregate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Generation and validation wait on
// a model provider, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 90 * time.Second,
	}
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Priority          string `json:"priority"`
	Category          string `json:"category"`
	Stage             string `json:"stage"`
	ValidationScore   *int   `json:"validation_score,omitempty"`
	RequiredApprovals int    `json:"required_approvals"`
	ApprovalCount     int    `json:"approval_count"`
}

// CodeBundle holds the generated artifacts of a proposal.
type CodeBundle struct {
	ProposalID   string `json:"proposal_id"`
	FrontendCode string `json:"frontend_code"`
	BackendCode  string `json:"backend_code"`
	DatabaseCode string `json:"database_code"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

// ValidationRecord is one reviewed dimension.
type ValidationRecord struct {
	ValidationType string `json:"validation_type"`
	Status         string `json:"status"`
	Feedback       string `json:"feedback"`
}

// ValidationSummary is the outcome of a validation run.
type ValidationSummary struct {
	ProposalID string             `json:"proposal_id"`
	Passed     bool               `json:"passed"`
	Score      int                `json:"score"`
	Summary    string             `json:"summary"`
	Stage      string             `json:"stage"`
	Records    []ValidationRecord `json:"records"`
}

// ProposalDetail is a proposal with its bundle and reviews.
type ProposalDetail struct {
	Proposal
	Bundle      *CodeBundle        `json:"bundle,omitempty"`
	Validations []ValidationRecord `json:"validations"`
	Approvals   []struct {
		AdminID   string `json:"admin_id"`
		CreatedAt string `json:"created_at"`
	} `json:"approvals"`
}

// SynthesisSummary reports one synthesis run.
type SynthesisSummary struct {
	DiscussionCount int        `json:"discussion_count"`
	AnalyzedCount   int        `json:"analyzed_count"`
	CreatedCount    int        `json:"created_count"`
	DroppedCount    int        `json:"dropped_count"`
	IDs             []string   `json:"ids"`
	DryRun          bool       `json:"dry_run,omitempty"`
	Proposals       []Proposal `json:"proposals,omitempty"`
}

// ApprovalResult reports whether an approval counted and whether it
// completed the quorum.
type ApprovalResult struct {
	Proposal Proposal `json:"proposal"`
	Counted  bool     `json:"counted"`
	Approved bool     `json:"approved"`
}

// SynthesisRequest mirrors POST /proposals/synthesize.
type SynthesisRequest struct {
	Days     int    `json:"days,omitempty"`
	MaxItems int    `json:"max_items,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// DiscussionItem is one community thread.
type DiscussionItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Author     string `json:"author,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
	LikeCount  int    `json:"like_count,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error kind reported by the
// server, e.g. pipeline_state_error or rate_limited.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListProposals lists proposals, optionally filtered by stage.
func (c *Client) ListProposals(ctx context.Context, stage string, limit int) ([]Proposal, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, withQuery("proposals", q), nil, &resp)
	return resp, err
}

// GetProposal fetches a proposal with its bundle, validations and approvals.
func (c *Client) GetProposal(ctx context.Context, id string) (ProposalDetail, error) {
	var resp ProposalDetail
	err := c.do(ctx, http.MethodGet, proposalPath(id, ""), nil, &resp)
	return resp, err
}

// CreateProposal creates a proposal manually.
func (c *Client) CreateProposal(ctx context.Context, title, description, priority, category string) (Proposal, error) {
	body := struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Priority    string `json:"priority,omitempty"`
		Category    string `json:"category,omitempty"`
	}{title, description, priority, category}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

// Synthesize turns recent discussion into proposals.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisSummary, error) {
	var resp SynthesisSummary
	err := c.do(ctx, http.MethodPost, "proposals/synthesize", req, &resp)
	return resp, err
}

// Generate asks the server to generate the code bundle of a proposal.
func (c *Client) Generate(ctx context.Context, id, provider, model string) (CodeBundle, error) {
	var resp CodeBundle
	err := c.do(ctx, http.MethodPost, proposalPath(id, "generate"), providerBody(provider, model), &resp)
	return resp, err
}

// Validate reviews the generated bundle of a proposal.
func (c *Client) Validate(ctx context.Context, id, provider, model string) (ValidationSummary, error) {
	var resp ValidationSummary
	err := c.do(ctx, http.MethodPost, proposalPath(id, "validate"), providerBody(provider, model), &resp)
	return resp, err
}

// Approve records the caller's approval.
func (c *Client) Approve(ctx context.Context, id string) (ApprovalResult, error) {
	var resp ApprovalResult
	err := c.do(ctx, http.MethodPost, proposalPath(id, "approve"), nil, &resp)
	return resp, err
}

// Reject rejects a proposal with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(id, "reject"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Implement marks an approved proposal implemented.
func (c *Client) Implement(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(id, "implement"), nil, &resp)
	return resp, err
}

// IngestDiscussions upserts discussion threads.
func (c *Client) IngestDiscussions(ctx context.Context, items []DiscussionItem) (int, error) {
	var resp struct {
		Ingested int `json:"ingested"`
	}
	err := c.do(ctx, http.MethodPost, "discussions", map[string]any{"items": items}, &resp)
	return resp.Ingested, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func providerBody(provider, model string) any {
	if provider == "" && model == "" {
		return nil
	}
	return map[string]string{"provider": provider, "model": model}
}

func proposalPath(id, action string) string {
	p := "proposals/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
