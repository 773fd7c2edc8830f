package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"featuregate/internal/domain"
	"featuregate/internal/engine/artifacts"
	"featuregate/internal/events"
	"featuregate/internal/provider"
	"featuregate/internal/repo"
)

type GenerateOptions struct {
	ProposalID string
	ActorID    string
	Provider   string
	Model      string
}

// GenerateCode asks a provider for the proposal's code bundle. Provider errors
// are returned unchanged and nothing is written unless the call succeeds.
func (e Engine) GenerateCode(ctx context.Context, opts GenerateOptions) (domain.CodeBundle, error) {
	if err := e.requireAdmin(ctx, opts.ActorID); err != nil {
		return domain.CodeBundle{}, err
	}
	ctx, span := e.startSpan(ctx, "engine.generate", attribute.String("proposal.id", opts.ProposalID))
	defer span.End()

	var bundle domain.CodeBundle
	err := e.withProposalLock(ctx, opts.ProposalID, func() error {
		p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
		if err != nil {
			return err
		}
		if p.Stage != domain.StageGenerating && p.Stage != domain.StageValidationFailed {
			return stageError(p, "generate code for")
		}
		out, err := e.Providers.Complete(ctx, provider.Request{
			Provider: opts.Provider,
			Model:    opts.Model,
			Messages: []provider.Message{
				{Role: provider.RoleSystem, Content: e.Config.Prompts.CodeGeneration},
				{Role: provider.RoleUser, Content: generationPrompt(p)},
			},
		})
		if err != nil {
			return err
		}
		if out.Stream != nil {
			out.Stream.Close()
		}
		parts := artifacts.Extract(out.Content)
		bundle = domain.CodeBundle{
			ProposalID:   p.ID,
			FrontendCode: parts.Frontend,
			BackendCode:  parts.Backend,
			DatabaseCode: parts.Database,
			RawResponse:  out.Content,
			Provider:     out.Provider,
			Model:        out.Model,
			GeneratedBy:  opts.ActorID,
			CreatedAt:    e.ts(),
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.ReplaceCodeBundle(ctx, tx, bundle); err != nil {
			return fmt.Errorf("store code bundle: %w", err)
		}
		if err := e.Repo.UpdateStage(ctx, tx, repo.StageUpdate{
			ID:          p.ID,
			From:        p.Stage,
			To:          domain.StageValidating,
			At:          bundle.CreatedAt,
			GeneratedBy: ptr(opts.ActorID),
		}); err != nil {
			return err
		}
		missing := []string{}
		for _, k := range artifacts.Kinds {
			if artifacts.IsPlaceholder(k, parts.Get(k)) {
				missing = append(missing, string(k))
			}
		}
		if err := e.events().Append(ctx, tx, events.ProposalGenerated, "proposal", p.ID, opts.ActorID, events.EventPayload{
			"provider": bundle.Provider, "model": bundle.Model, "missing": missing, "from": p.Stage,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.CodeBundle{}, err
	}
	return bundle, nil
}

func generationPrompt(p domain.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Description:\n%s\n\n", p.Description)
	fmt.Fprintf(&b, "Priority: %s\nCategory: %s\n", p.Priority, p.Category)
	return b.String()
}
