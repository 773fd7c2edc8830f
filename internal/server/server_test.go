package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"featuregate/internal/config"
	"featuregate/internal/db"
	"featuregate/internal/domain"
	"featuregate/internal/engine"
	"featuregate/internal/fault"
	"featuregate/internal/migrate"
	"featuregate/internal/provider"
)

const (
	codeReply = "```frontend\n<button>Dark</button>\n```\n```backend\nfunc Toggle() {}\n```"
	passReply = `{"overallScore": 90, "passed": true, "validations": [
		{"type": "syntax", "status": "passed", "message": "ok"},
		{"type": "security", "status": "passed", "message": "ok"},
		{"type": "logic", "status": "passed", "message": "ok"},
		{"type": "compatibility", "status": "passed", "message": "ok"}],
		"summary": "fine", "recommendations": []}`
	testSecret = "test-jwt-secret"
)

type stubCompleter struct {
	mu      sync.Mutex
	content []string
	err     error
}

func (s *stubCompleter) Complete(_ context.Context, _ provider.Request) (provider.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return provider.Completion{}, s.err
	}
	if len(s.content) == 0 {
		return provider.Completion{}, fault.New(fault.KindConfiguration, "no reply queued")
	}
	c := s.content[0]
	s.content = s.content[1:]
	return provider.Completion{Content: c, Provider: "stub", Model: "stub-1"}, nil
}

func (s *stubCompleter) set(err error, content ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.content = content
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Stub   *stubCompleter
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), engine.Options{})
	stub := &stubCompleter{}
	e.Providers = stub
	ctx := context.Background()
	if err := e.EnsureGovernance(ctx); err != nil {
		t.Fatalf("seed governance: %v", err)
	}
	if err := e.GrantRole(ctx, "", "admin-1", domain.RoleAdmin); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	cfg := Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Stub: stub, client: &http.Client{}}
}

func asAdmin() map[string]string { return map[string]string{"X-Actor-Id": "admin-1"} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func (s *testServer) createProposal(t *testing.T) domain.Proposal {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/proposals", map[string]any{
		"title":       "Dark mode",
		"description": "Add a theme toggle",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, data)
	}
	var p domain.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	return p
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	if got := decodeError(t, data).Code; got != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", got)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	p := srv.createProposal(t)
	if p.Stage != domain.StageGenerating {
		t.Fatalf("expected generating, got %s", p.Stage)
	}

	srv.Stub.set(nil, codeReply)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/generate", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d: %s", res.StatusCode, data)
	}
	var bundle domain.CodeBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if bundle.FrontendCode != "<button>Dark</button>" {
		t.Fatalf("unexpected frontend code %q", bundle.FrontendCode)
	}

	srv.Stub.set(nil, passReply)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/validate", nil, map[string]string{"X-Actor-Id": "reviewer"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, data)
	}
	var summary domain.ValidationSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Stage != domain.StagePendingApproval || summary.Score != 90 || len(summary.Records) != 4 {
		t.Fatalf("unexpected validation summary %+v", summary)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	var approval engine.ApprovalResult
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if !approval.Approved || approval.Proposal.Stage != domain.StageApproved {
		t.Fatalf("expected approval to reach quorum, got %+v", approval)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/implement", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("implement status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/proposals/"+p.ID, nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}
	var detail domain.ProposalDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Stage != domain.StageImplemented || detail.Bundle == nil || len(detail.Validations) != 4 || len(detail.Approvals) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?type=proposal.approved", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 1 || evts.Items[0].EntityID != p.ID {
		t.Fatalf("expected one approval event, got %+v", evts.Items)
	}
}

func TestErrorKindsMapToStatuses(t *testing.T) {
	srv := newTestServer(t, nil)
	p := srv.createProposal(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve generating: expected 409, got %d: %s", res.StatusCode, data)
	}
	if got := decodeError(t, data).Code; got != string(fault.KindPipelineState) {
		t.Fatalf("expected pipeline_state_error, got %q", got)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"title": "x"}, map[string]string{"X-Actor-Id": "visitor"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin create: expected 403, got %d: %s", res.StatusCode, data)
	}
	if got := decodeError(t, data).Code; got != string(fault.KindPermissionDenied) {
		t.Fatalf("expected permission_denied, got %q", got)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/reject", map[string]any{"reason": "  "}, asAdmin())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank reason: expected 400, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/proposals/missing", nil, asAdmin())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing proposal: expected 404, got %d: %s", res.StatusCode, data)
	}

	srv.Stub.set(&fault.Error{Kind: fault.KindRateLimited, Message: "slow down", Provider: "openai", Status: 429, RetryAfter: 7 * time.Second})
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/generate", nil, asAdmin())
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("rate limited: expected 429, got %d: %s", res.StatusCode, data)
	}
	if got := res.Header.Get("Retry-After"); got != "7" {
		t.Fatalf("expected Retry-After 7, got %q", got)
	}
	body := decodeError(t, data)
	if body.Details["provider"] != "openai" {
		t.Fatalf("expected provider detail, got %+v", body.Details)
	}

	srv.Stub.set(fault.New(fault.KindQuotaExceeded, "insufficient balance"))
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/generate", nil, asAdmin())
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("quota: expected 402, got %d", res.StatusCode)
	}

	srv.Stub.set(fault.New(fault.KindConfiguration, "no provider configured"))
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/generate", nil, asAdmin())
	if res.StatusCode != http.StatusFailedDependency {
		t.Fatalf("configuration: expected 424, got %d", res.StatusCode)
	}
}

func TestGovernanceCascadeOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	p := srv.createProposal(t)
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/governance", map[string]any{"required_approvals": 3}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set governance status %d: %s", res.StatusCode, data)
	}
	var gov engine.GovernanceResult
	if err := json.Unmarshal(data, &gov); err != nil {
		t.Fatalf("unmarshal governance: %v", err)
	}
	if gov.Governance.RequiredApprovals != 3 || gov.Updated != 1 {
		t.Fatalf("unexpected governance result %+v", gov)
	}
	detail, err := srv.Engine.GetProposal(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if detail.RequiredApprovals != 3 {
		t.Fatalf("expected cascade to 3, got %d", detail.RequiredApprovals)
	}

	res, _ = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/governance", map[string]any{"required_approvals": 11}, asAdmin())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range threshold: expected 400, got %d", res.StatusCode)
	}
}

func TestAPIKeyAndJWTAuthentication(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.DevLogin = true })

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{"name": "ci"}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, data)
	}
	var created CreatedAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, data)
	}
	var who engine.WhoAmI
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "admin-1" || !who.IsAdmin {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: expected 401, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "admin-1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/governance", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("governance via jwt status %d: %s", res.StatusCode, data)
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{RPS: 1, Burst: 1} })
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d: %s", res.StatusCode, data)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if got := decodeError(t, data).Code; got != "rate_limited" {
		t.Fatalf("expected rate_limited code, got %q", got)
	}
}

func TestWebhookDispatcherFiltersAndSigns(t *testing.T) {
	srv := newTestServer(t, nil)

	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{event: r.Header.Get(headerEvent), signature: r.Header.Get(headerSignature), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d, err := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"proposal.*"}, Secret: "s3cret"},
	}, nil)
	if err != nil || d == nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()
	d.DispatchOnce(ctx)

	srv.createProposal(t)
	if _, err := srv.Engine.SetRequiredApprovals(ctx, 2, "admin-1"); err != nil {
		t.Fatalf("set governance: %v", err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].event != "proposal.created" {
		t.Fatalf("expected proposal.created, got %q", got[0].event)
	}
	if want := "sha256=" + Sign("s3cret", got[0].body); got[0].signature != want {
		t.Fatalf("signature mismatch: %q != %q", got[0].signature, want)
	}
}

// flakySource fails LatestEventID until healthy is set.
type flakySource struct {
	mu      sync.Mutex
	healthy bool
	latest  int64
	events  []domain.Event
	fetched int
}

func (f *flakySource) LatestEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return 0, errors.New("database is locked")
	}
	return f.latest, nil
}

func (f *flakySource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	var out []domain.Event
	for _, evt := range f.events {
		if evt.ID > cursor && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func TestWebhookCursorRetriesInsteadOfReplaying(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get(headerEvent))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	src := &flakySource{latest: 2, events: []domain.Event{
		{ID: 1, Type: "proposal.created", EntityKind: "proposal", Payload: "{}"},
		{ID: 2, Type: "proposal.approved", EntityKind: "proposal", Payload: "{}"},
	}}
	d, err := NewWebhookDispatcher(src, []config.WebhookConfig{{URL: hook.URL}}, nil)
	if err != nil || d == nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()
	d.DispatchOnce(ctx)
	if src.fetched != 0 {
		t.Fatalf("events fetched without a cursor")
	}

	src.mu.Lock()
	src.healthy = true
	src.events = append(src.events, domain.Event{ID: 3, Type: "proposal.implemented", EntityKind: "proposal", Payload: "{}"})
	src.mu.Unlock()
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "proposal.implemented" {
		t.Fatalf("expected only the new event, got %v", delivered)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.fetched != 1 {
		t.Fatalf("expected one fetch after recovery, got %d", src.fetched)
	}
}

func TestNewWebhookDispatcherRejectsBadPattern(t *testing.T) {
	if _, err := NewWebhookDispatcher(nil, []config.WebhookConfig{{URL: "http://example.invalid", Events: []string{"proposal.["}}}, nil); err == nil {
		t.Fatalf("expected pattern error")
	}
	disabled := false
	d, err := NewWebhookDispatcher(nil, []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &disabled}}, nil)
	if err != nil || d != nil {
		t.Fatalf("expected nil dispatcher for disabled hooks, got %v %v", d, err)
	}
}
