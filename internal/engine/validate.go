package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"featuregate/internal/domain"
	"featuregate/internal/engine/verdict"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/provider"
	"featuregate/internal/repo"
)

type ValidateOptions struct {
	ProposalID string
	ActorID    string
	Provider   string
	Model      string
}

// ValidateCode scores the proposal's bundle. A failed provider call is
// recorded as a failed run with score 0 and is not returned as an error; an
// unreadable verdict is replaced by verdict.Fallback.
func (e Engine) ValidateCode(ctx context.Context, opts ValidateOptions) (domain.ValidationSummary, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.ValidationSummary{}, fault.New(fault.KindPermissionDenied, "an authenticated actor is required")
	}
	ctx, span := e.startSpan(ctx, "engine.validate", attribute.String("proposal.id", opts.ProposalID))
	defer span.End()

	var summary domain.ValidationSummary
	err := e.withProposalLock(ctx, opts.ProposalID, func() error {
		p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
		if err != nil {
			return err
		}
		if p.Stage != domain.StageValidating && p.Stage != domain.StageValidationFailed {
			return stageError(p, "validate")
		}
		bundle, err := e.Repo.GetCodeBundle(ctx, p.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.New(fault.KindPipelineState, "proposal %s has no code bundle", p.ID)
			}
			return err
		}
		if err := e.beginValidation(ctx, p, opts.ActorID); err != nil {
			return err
		}

		out, callErr := e.Providers.Complete(ctx, provider.Request{
			Provider: opts.Provider,
			Model:    opts.Model,
			Messages: []provider.Message{
				{Role: provider.RoleSystem, Content: e.Config.Prompts.Validation},
				{Role: provider.RoleUser, Content: validationPrompt(p, bundle)},
			},
		})
		var v verdict.Verdict
		if callErr != nil {
			e.logger().WarnContext(ctx, "validation call failed", "proposal", p.ID, "kind", fault.KindOf(callErr), "error", callErr)
			v = failedVerdict(callErr)
		} else {
			if out.Stream != nil {
				out.Stream.Close()
			}
			var perr error
			v, perr = verdict.Parse(out.Content)
			if perr != nil {
				e.logger().WarnContext(ctx, "validation verdict unreadable", "proposal", p.ID, "error", perr)
				v = verdict.Fallback()
			}
		}
		// The run is recorded even when the caller has gone away.
		summary, err = e.finishValidation(context.WithoutCancel(ctx), p.ID, opts.ActorID, v)
		return err
	})
	return summary, err
}

// beginValidation moves the proposal to validating and leaves four pending
// records behind before the provider is called.
func (e Engine) beginValidation(ctx context.Context, p domain.Proposal, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.ts()
	if err := e.Repo.UpdateStage(ctx, tx, repo.StageUpdate{ID: p.ID, From: p.Stage, To: domain.StageValidating, At: now}); err != nil {
		return err
	}
	recs := make([]domain.ValidationRecord, 0, len(domain.ValidationTypes))
	for _, t := range domain.ValidationTypes {
		recs = append(recs, domain.ValidationRecord{
			ID:             uuid.NewString(),
			ProposalID:     p.ID,
			ValidationType: t,
			Status:         domain.ValidationPending,
			CreatedAt:      now,
		})
	}
	if err := e.Repo.ReplaceValidationRecords(ctx, tx, p.ID, recs); err != nil {
		return fmt.Errorf("reset validation records: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ProposalValidating, "proposal", p.ID, actorID, events.EventPayload{"from": p.Stage}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finishValidation(ctx context.Context, proposalID, actorID string, v verdict.Verdict) (domain.ValidationSummary, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	defer tx.Rollback()
	now := e.ts()
	for _, d := range v.Dimensions {
		if err := e.Repo.CompleteValidationRecord(ctx, tx, domain.ValidationRecord{
			ProposalID:     proposalID,
			ValidationType: d.Type,
			Status:         d.Status,
			Feedback:       d.Feedback,
			Details:        domain.ValidationDetails{Notes: d.Notes, Recommendations: v.Recommendations},
			CompletedAt:    &now,
		}); err != nil {
			return domain.ValidationSummary{}, fmt.Errorf("complete %s record: %w", d.Type, err)
		}
	}

	summaryText := v.Summary
	if summaryText == "" {
		if v.Passed {
			summaryText = "Validation passed."
		} else {
			summaryText = "Validation failed."
		}
	}
	upd := repo.StageUpdate{
		ID:              proposalID,
		From:            domain.StageValidating,
		To:              domain.StageValidationFailed,
		At:              now,
		ValidationScore: ptr(v.Score),
		ReviewNotes:     ptr(summaryText),
	}
	if v.Passed {
		g, err := e.Repo.GetGovernanceTx(ctx, tx)
		if err != nil {
			return domain.ValidationSummary{}, fmt.Errorf("read governance: %w", err)
		}
		upd.To = domain.StagePendingApproval
		upd.RequiredApprovals = ptr(g.RequiredApprovals)
	}
	if err := e.Repo.UpdateStage(ctx, tx, upd); err != nil {
		return domain.ValidationSummary{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProposalValidated, "proposal", proposalID, actorID, events.EventPayload{
		"passed": v.Passed, "score": v.Score, "stage": upd.To, "fallback": v.Fallback,
	}); err != nil {
		return domain.ValidationSummary{}, err
	}
	recs, err := e.Repo.ListValidationRecordsTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationSummary{}, err
	}
	return domain.ValidationSummary{
		ProposalID: proposalID,
		Passed:     v.Passed,
		Score:      v.Score,
		Summary:    summaryText,
		Stage:      upd.To,
		Records:    recs,
	}, nil
}

// failedVerdict records an unreachable validator as a failure on every
// dimension.
func failedVerdict(err error) verdict.Verdict {
	msg := fmt.Sprintf("Validation could not be completed (%s).", fault.KindOf(err))
	v := verdict.Verdict{Score: 0, Passed: false, Summary: msg}
	for _, t := range domain.ValidationTypes {
		v.Dimensions = append(v.Dimensions, verdict.Dimension{Type: t, Status: domain.ValidationFailed, Feedback: msg})
	}
	return v
}

func validationPrompt(p domain.Proposal, b domain.CodeBundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature: %s\n\n%s\n\n", p.Title, p.Description)
	fmt.Fprintf(&sb, "Frontend code:\n%s\n\n", b.FrontendCode)
	fmt.Fprintf(&sb, "Backend code:\n%s\n\n", b.BackendCode)
	fmt.Fprintf(&sb, "Database code:\n%s\n", b.DatabaseCode)
	return sb.String()
}
