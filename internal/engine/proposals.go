package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"featuregate/internal/domain"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/repo"
)

const MaxTitleLength = 100

// ProposalInput is a candidate proposal from the synthesizer or manual entry.
type ProposalInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
	Category    string `json:"category,omitempty"`
}

// newProposal normalizes in into an initial-stage proposal. It reports false
// when the title or description is missing.
func (e Engine) newProposal(in ProposalInput, required int) (domain.Proposal, bool) {
	title := strings.TrimSpace(in.Title)
	desc := strings.TrimSpace(in.Description)
	if title == "" || desc == "" {
		return domain.Proposal{}, false
	}
	now := e.ts()
	return domain.Proposal{
		ID:                uuid.NewString(),
		Title:             truncateRunes(title, MaxTitleLength),
		Description:       desc,
		Priority:          normalizePriority(in.Priority),
		Category:          normalizeCategory(in.Category),
		Stage:             domain.StageGenerating,
		RequiredApprovals: required,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, true
}

func (e Engine) currentThreshold(ctx context.Context) (int, error) {
	g, err := e.Repo.GetGovernance(ctx)
	if err == nil {
		return g.RequiredApprovals, nil
	}
	if fault.KindOf(err) == fault.KindNotFound && e.Config != nil {
		return e.Config.Governance.RequiredApprovals, nil
	}
	return 0, err
}

// CreateProposal enters a proposal by hand.
func (e Engine) CreateProposal(ctx context.Context, in ProposalInput, actorID string) (domain.Proposal, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return domain.Proposal{}, err
	}
	required, err := e.currentThreshold(ctx)
	if err != nil {
		return domain.Proposal{}, err
	}
	p, ok := e.newProposal(in, required)
	if !ok {
		return domain.Proposal{}, fault.New(fault.KindInvalidInput, "title and description are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProposalCreated, "proposal", p.ID, actorID, events.EventPayload{
		"title": p.Title, "priority": p.Priority, "category": p.Category, "source": "manual",
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// GetProposal returns a proposal with its bundle, validation records and approvals.
func (e Engine) GetProposal(ctx context.Context, id string) (domain.ProposalDetail, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return domain.ProposalDetail{}, err
	}
	d := domain.ProposalDetail{Proposal: p}
	b, err := e.Repo.GetCodeBundle(ctx, id)
	switch {
	case err == nil:
		d.Bundle = &b
	case fault.KindOf(err) != fault.KindNotFound:
		return d, err
	}
	if d.Validations, err = e.Repo.ListValidationRecords(ctx, id); err != nil {
		return d, err
	}
	if d.Approvals, err = e.Repo.ListApprovals(ctx, id); err != nil {
		return d, err
	}
	if d.Validations == nil {
		d.Validations = []domain.ValidationRecord{}
	}
	if d.Approvals == nil {
		d.Approvals = []domain.Approval{}
	}
	return d, nil
}

func (e Engine) ListProposals(ctx context.Context, f repo.ProposalFilters) ([]domain.Proposal, error) {
	if f.Stage != "" && !f.Stage.Valid() {
		return nil, fault.New(fault.KindInvalidInput, "unknown stage %q", f.Stage)
	}
	return e.Repo.ListProposals(ctx, f)
}
