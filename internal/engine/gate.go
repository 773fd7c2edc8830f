package engine

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/repo"
)

// ApprovalResult reports what one approval did. Counted is false for a
// repeat approval or one arriving after the proposal was approved.
type ApprovalResult struct {
	Proposal domain.Proposal `json:"proposal"`
	Counted  bool            `json:"counted"`
	Approved bool            `json:"approved"`
}

// RecordApproval adds adminID to the proposal's approvals and promotes it to
// approved once the distinct approvals reach its threshold.
func (e Engine) RecordApproval(ctx context.Context, proposalID, adminID string) (ApprovalResult, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return ApprovalResult{}, err
	}
	ctx, span := e.startSpan(ctx, "engine.approve", attribute.String("proposal.id", proposalID))
	defer span.End()

	var res ApprovalResult
	err := e.withProposalLock(ctx, proposalID, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		if p.Stage == domain.StageApproved {
			res.Proposal = p
			return nil
		}
		if p.Stage != domain.StagePendingApproval {
			return stageError(p, "approve")
		}
		now := e.ts()
		inserted, err := e.Repo.InsertApproval(ctx, tx, domain.Approval{ProposalID: p.ID, AdminID: adminID, CreatedAt: now})
		if err != nil {
			return err
		}
		res.Counted = inserted
		if inserted {
			count, err := e.Repo.CountApprovals(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if err := e.events().Append(ctx, tx, events.ProposalApproval, "proposal", p.ID, adminID, events.EventPayload{
				"approvals": count, "required": p.RequiredApprovals,
			}); err != nil {
				return err
			}
		}
		approved, err := e.approveIfQuorum(ctx, tx, p.ID, adminID, now)
		if err != nil {
			return err
		}
		res.Approved = approved
		if res.Proposal, err = e.Repo.GetProposalTx(ctx, tx, p.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	return res, err
}

func (e Engine) approveIfQuorum(ctx context.Context, tx *sql.Tx, proposalID, actorID, now string) (bool, error) {
	approved, err := e.Repo.ApproveIfQuorum(ctx, tx, proposalID, actorID, now)
	if err != nil || !approved {
		return false, err
	}
	if err := e.events().Append(ctx, tx, events.ProposalApproved, "proposal", proposalID, actorID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RecordRejection rejects a proposal from any non-terminal stage.
func (e Engine) RecordRejection(ctx context.Context, proposalID, adminID, reason string) (domain.Proposal, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return domain.Proposal{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Proposal{}, fault.New(fault.KindInvalidInput, "a rejection reason is required")
	}
	return e.transition(ctx, proposalID, adminID, "reject", func(p domain.Proposal) (repo.StageUpdate, string, error) {
		if !domain.CanTransition(p.Stage, domain.StageRejected) {
			return repo.StageUpdate{}, "", stageError(p, "reject")
		}
		return repo.StageUpdate{To: domain.StageRejected, ReviewNotes: ptr(reason)}, events.ProposalRejected, nil
	})
}

// MarkImplemented acknowledges that an approved proposal has been deployed.
func (e Engine) MarkImplemented(ctx context.Context, proposalID, adminID string) (domain.Proposal, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return domain.Proposal{}, err
	}
	return e.transition(ctx, proposalID, adminID, "implement", func(p domain.Proposal) (repo.StageUpdate, string, error) {
		if p.Stage != domain.StageApproved {
			return repo.StageUpdate{}, "", stageError(p, "mark implemented")
		}
		return repo.StageUpdate{To: domain.StageImplemented}, events.ProposalImplemented, nil
	})
}

type OverrideOptions struct {
	ProposalID string
	ActorID    string
	Stage      domain.Stage
	Reason     string
}

// OverrideStage moves a proposal between non-terminal stages outside the
// normal edges. Leaving pending_approval discards recorded approvals; entering
// it takes a fresh threshold snapshot.
func (e Engine) OverrideStage(ctx context.Context, opts OverrideOptions) (domain.Proposal, error) {
	if err := e.requireAdmin(ctx, opts.ActorID); err != nil {
		return domain.Proposal{}, err
	}
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		return domain.Proposal{}, fault.New(fault.KindInvalidInput, "an override reason is required")
	}
	if !opts.Stage.Valid() || opts.Stage.Terminal() {
		return domain.Proposal{}, fault.New(fault.KindInvalidInput, "cannot override to stage %q", opts.Stage)
	}
	var cleared bool
	return e.transition(ctx, opts.ProposalID, opts.ActorID, "override", func(p domain.Proposal) (repo.StageUpdate, string, error) {
		if p.Stage.Terminal() {
			return repo.StageUpdate{}, "", stageError(p, "override")
		}
		if p.Stage == opts.Stage {
			return repo.StageUpdate{}, "", fault.New(fault.KindInvalidInput, "proposal %s is already %s", p.ID, p.Stage)
		}
		u := repo.StageUpdate{To: opts.Stage, ReviewNotes: ptr("Stage override: " + reason)}
		cleared = p.Stage == domain.StagePendingApproval
		return u, events.ProposalOverride, nil
	}, func(ctx context.Context, tx *sql.Tx, p domain.Proposal, u *repo.StageUpdate) error {
		if cleared {
			if err := e.Repo.DeleteApprovals(ctx, tx, p.ID); err != nil {
				return err
			}
		}
		if u.To == domain.StagePendingApproval {
			g, err := e.Repo.GetGovernanceTx(ctx, tx)
			if err != nil {
				return err
			}
			u.RequiredApprovals = ptr(g.RequiredApprovals)
		}
		return nil
	})
}

type transitionFunc func(p domain.Proposal) (repo.StageUpdate, string, error)

type transitionHook func(ctx context.Context, tx *sql.Tx, p domain.Proposal, u *repo.StageUpdate) error

// transition applies one gate decision under the proposal lock. decide
// returns the update and the event type; hooks run in the same transaction
// before the update.
func (e Engine) transition(ctx context.Context, proposalID, actorID, op string, decide transitionFunc, hooks ...transitionHook) (domain.Proposal, error) {
	ctx, span := e.startSpan(ctx, "engine."+op, attribute.String("proposal.id", proposalID))
	defer span.End()

	var out domain.Proposal
	err := e.withProposalLock(ctx, proposalID, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		u, evt, err := decide(p)
		if err != nil {
			return err
		}
		u.ID, u.From, u.At = p.ID, p.Stage, e.ts()
		u.ReviewedBy = ptr(actorID)
		for _, h := range hooks {
			if err := h(ctx, tx, p, &u); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateStage(ctx, tx, u); err != nil {
			return err
		}
		payload := events.EventPayload{"from": p.Stage, "to": u.To}
		if u.ReviewNotes != nil {
			payload["notes"] = *u.ReviewNotes
		}
		if err := e.events().Append(ctx, tx, evt, "proposal", p.ID, actorID, payload); err != nil {
			return err
		}
		if out, err = e.Repo.GetProposalTx(ctx, tx, p.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// GovernanceResult reports a threshold change and its cascade.
type GovernanceResult struct {
	Governance domain.GovernanceConfig `json:"governance"`
	Updated    int64                   `json:"updated"`
	Promoted   []string                `json:"promoted"`
}

func (e Engine) GetGovernance(ctx context.Context) (domain.GovernanceConfig, error) {
	return e.Repo.GetGovernance(ctx)
}

// SetRequiredApprovals changes the platform threshold and applies it to every
// proposal that has not yet passed the gate. Pending proposals that already
// meet a lowered threshold are approved in the same transaction.
func (e Engine) SetRequiredApprovals(ctx context.Context, n int, adminID string) (GovernanceResult, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return GovernanceResult{}, err
	}
	if n < config.MinRequiredApprovals || n > config.MaxRequiredApprovals {
		return GovernanceResult{}, fault.New(fault.KindInvalidInput, "required approvals must be between %d and %d", config.MinRequiredApprovals, config.MaxRequiredApprovals)
	}
	ctx, span := e.startSpan(ctx, "engine.governance", attribute.Int("required_approvals", n))
	defer span.End()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GovernanceResult{}, err
	}
	defer tx.Rollback()
	now := e.ts()
	res := GovernanceResult{
		Governance: domain.GovernanceConfig{RequiredApprovals: n, UpdatedBy: adminID, UpdatedAt: now},
		Promoted:   []string{},
	}
	if err := e.Repo.SetGovernance(ctx, tx, res.Governance); err != nil {
		return res, err
	}
	if res.Updated, err = e.Repo.CascadeRequiredApprovals(ctx, tx, n, now); err != nil {
		return res, err
	}
	ready, err := e.Repo.PendingAtQuorum(ctx, tx)
	if err != nil {
		return res, err
	}
	for _, id := range ready {
		ok, err := e.approveIfQuorum(ctx, tx, id, adminID, now)
		if err != nil {
			return res, err
		}
		if ok {
			res.Promoted = append(res.Promoted, id)
		}
	}
	if err := e.events().Append(ctx, tx, events.GovernanceUpdated, "governance", "1", adminID, events.EventPayload{
		"required_approvals": n, "updated": res.Updated, "promoted": res.Promoted,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// EnsureGovernance seeds the governance singleton from process config.
func (e Engine) EnsureGovernance(ctx context.Context) error {
	n := config.MinRequiredApprovals
	if e.Config != nil && e.Config.Governance.RequiredApprovals > 0 {
		n = e.Config.Governance.RequiredApprovals
	}
	return e.Repo.EnsureGovernance(ctx, n, e.ts())
}
