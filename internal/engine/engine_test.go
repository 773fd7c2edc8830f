package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"featuregate/internal/config"
	"featuregate/internal/db"
	"featuregate/internal/domain"
	"featuregate/internal/engine"
	"featuregate/internal/engine/artifacts"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/migrate"
	"featuregate/internal/provider"
	"featuregate/internal/repo"
)

type reply struct {
	content string
	err     error
}

// stubCompleter answers with queued replies, repeating the last one.
type stubCompleter struct {
	mu      sync.Mutex
	replies []reply
	calls   []provider.Request
}

func (s *stubCompleter) Complete(_ context.Context, req provider.Request) (provider.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return provider.Completion{}, fault.New(fault.KindConfiguration, "no reply queued")
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	if r.err != nil {
		return provider.Completion{}, r.err
	}
	return provider.Completion{Content: r.content, Provider: "stub", Model: "stub-1"}, nil
}

func (s *stubCompleter) queue(rs ...reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append([]reply(nil), rs...)
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEnv struct {
	Engine engine.Engine
	Stub   *stubCompleter
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	codeReply = "```frontend\nexport const Toggle = () => null\n```\n```backend\nfunc Toggle() {}\n```"
	passReply = "```json\n" + `{"overallScore": 88, "passed": true, "summary": "looks good", "recommendations": ["add tests"],
 "validations": [{"type":"syntax","status":"passed","message":"ok"},{"type":"security","status":"passed","message":"ok"},
 {"type":"logic","status":"passed","message":"ok"},{"type":"compatibility","status":"warning","message":"check old browsers"}]}` + "\n```"
	failReply = `{"overallScore": 31, "passed": false, "summary": "unsafe", "validations": [{"type":"security","status":"failed","message":"injection"}]}`
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), engine.Options{})
	eng.Now = func() time.Time { return fixedNow }
	stub := &stubCompleter{}
	eng.Providers = stub
	ctx := context.Background()
	if err := eng.EnsureGovernance(ctx); err != nil {
		t.Fatalf("seed governance: %v", err)
	}
	if err := eng.GrantRole(ctx, "", "admin-1", domain.RoleAdmin); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	for _, id := range []string{"admin-2", "admin-3", "admin-4"} {
		if err := eng.GrantRole(ctx, "admin-1", id, domain.RoleAdmin); err != nil {
			t.Fatalf("grant %s: %v", id, err)
		}
	}
	return testEnv{Engine: eng, Stub: stub, Ctx: ctx}
}

func (env testEnv) proposal(t *testing.T) domain.Proposal {
	t.Helper()
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalInput{Title: "Dark mode", Description: "Add a theme toggle"}, "admin-1")
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

// pending drives a new proposal through generation and a passing validation.
func (env testEnv) pending(t *testing.T) domain.Proposal {
	t.Helper()
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	env.Stub.queue(reply{content: passReply})
	sum, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sum.Stage != domain.StagePendingApproval {
		t.Fatalf("expected pending_approval, got %s", sum.Stage)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (env testEnv) stage(t *testing.T, id string) domain.Stage {
	t.Helper()
	p, err := env.Engine.Repo.GetProposal(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Stage
}

func TestCreateProposalNormalizes(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalInput{
		Title: strings.Repeat("é", 140), Description: "x", Priority: "URGENT",
	}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(p.Title)); n != engine.MaxTitleLength {
		t.Fatalf("title runes = %d", n)
	}
	if p.Priority != domain.PriorityMedium || p.Category != domain.CategoryOther {
		t.Fatalf("defaults not applied: %s/%s", p.Priority, p.Category)
	}
	if p.Stage != domain.StageGenerating || p.RequiredApprovals != 1 {
		t.Fatalf("unexpected initial state %s/%d", p.Stage, p.RequiredApprovals)
	}
	if _, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalInput{Title: "only title"}, "admin-1"); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestGenerateCodeRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	_, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "mallory"})
	if fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if env.Stub.callCount() != 0 {
		t.Fatalf("provider must not be called")
	}
	if env.stage(t, p.ID) != domain.StageGenerating {
		t.Fatalf("stage changed")
	}
	if _, err := env.Engine.Repo.GetCodeBundle(env.Ctx, p.ID); fault.KindOf(err) != fault.KindNotFound {
		t.Fatalf("bundle must not exist: %v", err)
	}
}

func TestGenerateCodeStoresBundle(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	b, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1", Provider: "deepseek"})
	if err != nil {
		t.Fatal(err)
	}
	if b.FrontendCode != "export const Toggle = () => null" || b.BackendCode != "func Toggle() {}" {
		t.Fatalf("unexpected bundle %+v", b)
	}
	if !artifacts.IsPlaceholder(artifacts.Database, b.DatabaseCode) {
		t.Fatalf("database should be a placeholder, got %q", b.DatabaseCode)
	}
	if b.RawResponse != codeReply || b.GeneratedBy != "admin-1" {
		t.Fatalf("audit fields missing")
	}
	if env.Stub.calls[0].Provider != "deepseek" {
		t.Fatalf("provider override not passed")
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if got.Stage != domain.StageValidating || got.GeneratedBy == nil || *got.GeneratedBy != "admin-1" {
		t.Fatalf("unexpected proposal state %+v", got)
	}
	// A second generation needs a failed validation first.
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("expected pipeline_state_error, got %v", err)
	}
}

func TestGenerateCodeProviderErrorWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{err: &fault.Error{Kind: fault.KindRateLimited, Provider: "stub", Status: 429, RetryAfter: time.Second}})
	_, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("expected rate_limited unchanged, got %v", err)
	}
	if d, ok := fault.RetryAfterOf(err); !ok || d != time.Second {
		t.Fatalf("retry hint lost")
	}
	if env.stage(t, p.ID) != domain.StageGenerating {
		t.Fatalf("stage changed")
	}
	if _, err := env.Engine.Repo.GetCodeBundle(env.Ctx, p.ID); fault.KindOf(err) != fault.KindNotFound {
		t.Fatalf("partial bundle written")
	}
}

func TestValidationFailsClosedOnProviderError(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{err: fault.New(fault.KindTransport, "provider timed out")})
	sum, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "reviewer"})
	if err != nil {
		t.Fatalf("fail-closed run must not error: %v", err)
	}
	if sum.Score != 0 || sum.Passed || sum.Stage != domain.StageValidationFailed {
		t.Fatalf("unexpected summary %+v", sum)
	}
	got, _ := env.Engine.GetProposal(env.Ctx, p.ID)
	if got.ValidationScore == nil || *got.ValidationScore != 0 || got.ReviewNotes == nil {
		t.Fatalf("score or notes missing: %+v", got.Proposal)
	}
	if len(got.Validations) != 4 {
		t.Fatalf("expected 4 records, got %d", len(got.Validations))
	}
	for _, v := range got.Validations {
		if v.Status != domain.ValidationFailed || v.CompletedAt == nil {
			t.Fatalf("record not failed/completed: %+v", v)
		}
	}
}

func TestValidationFailsSoftOnUnreadableVerdict(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: "I think the code is fine overall!"})
	sum, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Score != 50 || !strings.Contains(sum.Summary, "manual review") {
		t.Fatalf("unexpected fallback summary %+v", sum)
	}
	if sum.Stage != domain.StagePendingApproval || len(sum.Records) != 4 {
		t.Fatalf("unexpected stage %s / records %d", sum.Stage, len(sum.Records))
	}
}

func TestValidationKeepsFailingVerdictWithQuotedFence(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); err != nil {
		t.Fatal(err)
	}
	verdictJSON := `{"overallScore": 12, "passed": false, "summary": "query is built from user input",
 "validations": [{"type":"security","status":"failed","message":"use a placeholder: ` + "```sql\\nSELECT * FROM t WHERE id = ?\\n```" + `"}]}`
	env.Stub.queue(reply{content: verdictJSON})
	sum, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Score != 12 || sum.Passed || sum.Stage != domain.StageValidationFailed {
		t.Fatalf("failing verdict not honoured: %+v", sum)
	}
	if strings.Contains(sum.Summary, "manual review") {
		t.Fatalf("fallback verdict used: %q", sum.Summary)
	}
}

func TestValidationRerunReplacesRecords(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	env.Stub.queue(reply{content: codeReply})
	if _, err := env.Engine.GenerateCode(env.Ctx, engine.GenerateOptions{ProposalID: p.ID, ActorID: "admin-1"}); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: failReply})
	sum, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stage != domain.StageValidationFailed || sum.Score != 31 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Records[1].Status != domain.ValidationFailed || sum.Records[1].Feedback != "injection" {
		t.Fatalf("security record not applied: %+v", sum.Records[1])
	}

	if _, err := env.Engine.SetRequiredApprovals(env.Ctx, 3, "admin-1"); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: passReply})
	sum, err = env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stage != domain.StagePendingApproval || sum.Score != 88 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	recs, _ := env.Engine.Repo.ListValidationRecords(env.Ctx, p.ID)
	if len(recs) != 4 {
		t.Fatalf("records not replaced: %d", len(recs))
	}
	if recs[0].Details.Recommendations[0] != "add tests" {
		t.Fatalf("recommendations missing: %+v", recs[0].Details)
	}
	got, _ := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if got.RequiredApprovals != 3 || *got.ReviewNotes != "looks good" {
		t.Fatalf("threshold snapshot or notes wrong: %+v", got)
	}
}

func TestValidateRequiresBundle(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	_, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID, ActorID: "admin-1"})
	if fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("expected pipeline_state_error, got %v", err)
	}
	if _, err := env.Engine.ValidateCode(env.Ctx, engine.ValidateOptions{ProposalID: p.ID}); fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("anonymous validation allowed: %v", err)
	}
}

func TestQuorum(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetRequiredApprovals(env.Ctx, 3, "admin-1"); err != nil {
		t.Fatal(err)
	}
	p := env.pending(t)
	if p.RequiredApprovals != 3 {
		t.Fatalf("threshold = %d", p.RequiredApprovals)
	}
	for _, admin := range []string{"admin-1", "admin-2", "admin-1"} {
		res, err := env.Engine.RecordApproval(env.Ctx, p.ID, admin)
		if err != nil {
			t.Fatal(err)
		}
		if res.Approved || res.Proposal.Stage != domain.StagePendingApproval {
			t.Fatalf("approved too early after %s", admin)
		}
	}
	res, err := env.Engine.RecordApproval(env.Ctx, p.ID, "admin-3")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved || res.Proposal.Stage != domain.StageApproved || res.Proposal.ApprovalCount != 3 {
		t.Fatalf("expected approval, got %+v", res)
	}
	res, err = env.Engine.RecordApproval(env.Ctx, p.ID, "admin-4")
	if err != nil {
		t.Fatal(err)
	}
	if res.Counted || res.Approved || res.Proposal.ApprovalCount != 3 {
		t.Fatalf("late approval must be a no-op: %+v", res)
	}
	if _, err := env.Engine.RecordApproval(env.Ctx, p.ID, "mallory"); fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("non-admin approval allowed: %v", err)
	}
}

func TestConcurrentApprovalsReachQuorumOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetRequiredApprovals(env.Ctx, 3, "admin-1"); err != nil {
		t.Fatal(err)
	}
	p := env.pending(t)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, admin := range []string{"admin-1", "admin-2", "admin-3", "admin-4"} {
		wg.Add(1)
		go func(admin string) {
			defer wg.Done()
			_, err := env.Engine.RecordApproval(env.Ctx, p.ID, admin)
			errs <- err
		}(admin)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if env.stage(t, p.ID) != domain.StageApproved {
		t.Fatalf("quorum missed")
	}
	evts, err := env.Engine.ListEvents(env.Ctx, 100, events.ProposalApproved, "proposal", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("approved %d times", len(evts))
	}
}

func TestApproveOutsidePendingIsStateError(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	if _, err := env.Engine.RecordApproval(env.Ctx, p.ID, "admin-1"); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("expected pipeline_state_error, got %v", err)
	}
}

func TestRejection(t *testing.T) {
	env := newTestEnv(t)
	p := env.proposal(t)
	if _, err := env.Engine.RecordRejection(env.Ctx, p.ID, "admin-1", "  "); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("empty reason accepted: %v", err)
	}
	got, err := env.Engine.RecordRejection(env.Ctx, p.ID, "admin-2", "duplicate of an existing feature")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageRejected || *got.ReviewNotes != "duplicate of an existing feature" || *got.ReviewedBy != "admin-2" {
		t.Fatalf("unexpected rejection state %+v", got)
	}
	if _, err := env.Engine.RecordRejection(env.Ctx, p.ID, "admin-1", "again"); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("rejected twice: %v", err)
	}

	high := env.pending(t)
	if got, err = env.Engine.RecordRejection(env.Ctx, high.ID, "admin-1", "not now"); err != nil || got.Stage != domain.StageRejected {
		t.Fatalf("reject pending: %v", err)
	}
}

func TestMarkImplemented(t *testing.T) {
	env := newTestEnv(t)
	p := env.pending(t)
	if _, err := env.Engine.MarkImplemented(env.Ctx, p.ID, "admin-1"); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("implemented before approval: %v", err)
	}
	if _, err := env.Engine.RecordApproval(env.Ctx, p.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.MarkImplemented(env.Ctx, p.ID, "admin-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageImplemented {
		t.Fatalf("stage = %s", got.Stage)
	}
	if _, err := env.Engine.RecordRejection(env.Ctx, p.ID, "admin-1", "too late"); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("implemented proposal rejected: %v", err)
	}
}

func TestSetRequiredApprovalsCascade(t *testing.T) {
	env := newTestEnv(t)
	done := env.pending(t)
	if _, err := env.Engine.RecordApproval(env.Ctx, done.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	waiting := env.pending(t)
	fresh := env.proposal(t)

	res, err := env.Engine.SetRequiredApprovals(env.Ctx, 5, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 2 {
		t.Fatalf("updated = %d", res.Updated)
	}
	for id, want := range map[string]int{done.ID: 1, waiting.ID: 5, fresh.ID: 5} {
		p, _ := env.Engine.Repo.GetProposal(env.Ctx, id)
		if p.RequiredApprovals != want {
			t.Fatalf("%s threshold = %d, want %d", id, p.RequiredApprovals, want)
		}
	}

	if _, err := env.Engine.RecordApproval(env.Ctx, waiting.ID, "admin-2"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.SetRequiredApprovals(env.Ctx, 1, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Promoted) != 1 || res.Promoted[0] != waiting.ID {
		t.Fatalf("promoted = %v", res.Promoted)
	}
	if env.stage(t, waiting.ID) != domain.StageApproved {
		t.Fatalf("lowered threshold did not promote")
	}
	for _, n := range []int{0, 11} {
		if _, err := env.Engine.SetRequiredApprovals(env.Ctx, n, "admin-1"); fault.KindOf(err) != fault.KindInvalidInput {
			t.Fatalf("threshold %d accepted: %v", n, err)
		}
	}
	if _, err := env.Engine.SetRequiredApprovals(env.Ctx, 2, "mallory"); fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("non-admin threshold change: %v", err)
	}
}

func TestOverrideStage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetRequiredApprovals(env.Ctx, 2, "admin-1"); err != nil {
		t.Fatal(err)
	}
	p := env.pending(t)
	if _, err := env.Engine.RecordApproval(env.Ctx, p.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.OverrideStage(env.Ctx, engine.OverrideOptions{
		ProposalID: p.ID, ActorID: "admin-2", Stage: domain.StageValidationFailed, Reason: "bundle is stale",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageValidationFailed || got.ApprovalCount != 0 {
		t.Fatalf("override did not reset approvals: %+v", got)
	}
	if _, err := env.Engine.OverrideStage(env.Ctx, engine.OverrideOptions{
		ProposalID: p.ID, ActorID: "admin-2", Stage: domain.StageImplemented, Reason: "x",
	}); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("override into terminal stage: %v", err)
	}
	if _, err := env.Engine.RecordRejection(env.Ctx, p.ID, "admin-1", "no"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OverrideStage(env.Ctx, engine.OverrideOptions{
		ProposalID: p.ID, ActorID: "admin-2", Stage: domain.StageGenerating, Reason: "revive",
	}); fault.KindOf(err) != fault.KindPipelineState {
		t.Fatalf("override out of rejected: %v", err)
	}
}

func TestSynthesizeProposals(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.IngestDiscussions(env.Ctx, []domain.DiscussionItem{
		{ID: "t-1", Title: "Dark mode please", Body: "My eyes hurt at night", LikeCount: 12, CreatedAt: "2023-12-30T10:00:00Z"},
		{ID: "t-2", Title: "Offline playlists", Body: "Let me download playlists", ReplyCount: 4, CreatedAt: "2023-12-31T10:00:00Z"},
		{ID: "t-old", Title: "Ancient thread", Body: "old", CreatedAt: "2023-06-01T00:00:00Z"},
	}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: "```json\n" + `[
  {"title": "Dark mode", "description": "Theme toggle", "priority": "high", "category": "UI"},
  {"title": "Offline playlists", "description": "Download for offline use"},
  {"title": "` + strings.Repeat("Long ", 40) + `", "description": "very long title"},
  {"title": "Missing description"}
]` + "\n```"})

	dry, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{DryRun: true, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if dry.CreatedCount != 3 || len(dry.IDs) != 0 || len(dry.Proposals) != 3 {
		t.Fatalf("unexpected dry run %+v", dry)
	}
	if list, _ := env.Engine.ListProposals(env.Ctx, repo.ProposalFilters{}); len(list) != 0 {
		t.Fatalf("dry run persisted %d proposals", len(list))
	}

	sum, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{Days: 7, ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.DiscussionCount != 2 || sum.AnalyzedCount != 4 || sum.CreatedCount != 3 || sum.DroppedCount != 1 || len(sum.IDs) != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !strings.Contains(env.Stub.calls[0].Messages[1].Content, "Dark mode please") {
		t.Fatalf("discussion excerpt not sent")
	}
	list, err := env.Engine.ListProposals(env.Ctx, repo.ProposalFilters{Stage: domain.StageGenerating})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(list))
	}
	for _, p := range list {
		if len([]rune(p.Title)) > engine.MaxTitleLength {
			t.Fatalf("title not truncated")
		}
		if p.Title == "Dark mode" && (p.Priority != domain.PriorityHigh || p.Category != "ui") {
			t.Fatalf("fields not kept: %+v", p)
		}
		if p.Title == "Offline playlists" && (p.Priority != domain.PriorityMedium || p.Category != domain.CategoryOther) {
			t.Fatalf("defaults not applied: %+v", p)
		}
	}
}

func TestSynthesizeUnparseableCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.IngestDiscussions(env.Ctx, []domain.DiscussionItem{
		{ID: "t-1", Title: "Anything", Body: "body", CreatedAt: "2023-12-31T00:00:00Z"},
	}, "admin-1"); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: "Sorry, I cannot help with that."})
	sum, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.AnalyzedCount != 0 || sum.CreatedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSynthesizeBareArrayWithQuotedFence(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.IngestDiscussions(env.Ctx, []domain.DiscussionItem{
		{ID: "t-1", Title: "Exports", Body: "CSV export please", CreatedAt: "2023-12-31T00:00:00Z"},
	}, "admin-1"); err != nil {
		t.Fatal(err)
	}
	env.Stub.queue(reply{content: `[
  {"title": "CSV export", "description": "Export rows, e.g. ` + "```sql\\nCOPY t TO STDOUT CSV\\n```" + `"},
  {"title": "Scheduled exports", "description": "Email the export weekly"}
]`})
	sum, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.AnalyzedCount != 2 || sum.CreatedCount != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSynthesizeWithoutDiscussionSkipsProvider(t *testing.T) {
	env := newTestEnv(t)
	sum, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.DiscussionCount != 0 || env.Stub.callCount() != 0 {
		t.Fatalf("provider called without input")
	}
	if _, err := env.Engine.SynthesizeProposals(env.Ctx, engine.SynthesisOptions{Days: -1}); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("negative window accepted: %v", err)
	}
}

func TestProviderAdministration(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpsertProvider(env.Ctx, engine.ProviderInput{Name: "acme"}, "admin-1"); fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("unknown provider accepted: %v", err)
	}
	if _, err := env.Engine.UpsertProvider(env.Ctx, engine.ProviderInput{Name: "deepseek", APIKey: "sk"}, "mallory"); fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("non-admin upsert: %v", err)
	}
	pc, err := env.Engine.UpsertProvider(env.Ctx, engine.ProviderInput{Name: "DeepSeek", APIKey: "sk-secret"}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if pc.Name != "deepseek" || !pc.HasAPIKey || pc.APIKey != "" || pc.DefaultModel != "deepseek-chat" || !pc.IsActive {
		t.Fatalf("unexpected provider %+v", pc)
	}
	if pc, err = env.Engine.UpsertProvider(env.Ctx, engine.ProviderInput{Name: "deepseek", DefaultModel: "deepseek-coder"}, "admin-1"); err != nil || !pc.HasAPIKey {
		t.Fatalf("key dropped on update: %v %+v", err, pc)
	}
	if pc, err = env.Engine.SetDefaultProvider(env.Ctx, "deepseek", "admin-1"); err != nil || !pc.IsDefault {
		t.Fatalf("set default: %v", err)
	}
	if pc, err = env.Engine.SetProviderActive(env.Ctx, "deepseek", false, "admin-1"); err != nil || pc.IsActive {
		t.Fatalf("deactivate: %v", err)
	}
	list, err := env.Engine.ListProviders(env.Ctx, "admin-1")
	if err != nil || len(list) != 1 || list[0].APIKey != "" {
		t.Fatalf("list: %v %+v", err, list)
	}
	if err := env.Engine.DeleteProvider(env.Ctx, "deepseek", "admin-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProvider(env.Ctx, "deepseek", "admin-1"); fault.KindOf(err) != fault.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestGrantRoleBootstrapOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "mallory", "mallory", domain.RoleAdmin); fault.KindOf(err) != fault.KindPermissionDenied {
		t.Fatalf("self-grant allowed once admins exist: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "admin-2")
	if err != nil || !who.IsAdmin {
		t.Fatalf("whoami: %v %+v", err, who)
	}
}
