package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/engine/verdict"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/provider"
)

type SynthesisOptions struct {
	Days     int
	MaxItems int
	DryRun   bool
	Provider string
	Model    string
	ActorID  string
}

type discussionExcerpt struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Replies int    `json:"replies"`
	Likes   int    `json:"likes"`
}

// SynthesizeProposals turns recent discussion into new proposals. Malformed
// candidates are dropped and counted; nothing is merged or overwritten.
func (e Engine) SynthesizeProposals(ctx context.Context, opts SynthesisOptions) (domain.SynthesisSummary, error) {
	days, limit, err := e.synthesisWindow(opts)
	if err != nil {
		return domain.SynthesisSummary{}, err
	}
	ctx, span := e.startSpan(ctx, "engine.synthesize", attribute.Int("days", days), attribute.Bool("dry_run", opts.DryRun))
	defer span.End()

	summary := domain.SynthesisSummary{DryRun: opts.DryRun, IDs: []string{}}
	since := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	items, err := e.Discussions.RecentDiscussions(ctx, since, limit)
	if err != nil {
		return summary, err
	}
	summary.DiscussionCount = len(items)
	if len(items) == 0 {
		return summary, nil
	}

	prompt, err := e.synthesisPrompt(items)
	if err != nil {
		return summary, err
	}
	out, err := e.Providers.Complete(ctx, provider.Request{
		Provider: opts.Provider,
		Model:    opts.Model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: e.Config.Prompts.Synthesis},
			{Role: provider.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return summary, err
	}
	candidates := parseCandidates(out.Content)
	summary.AnalyzedCount = len(candidates)

	required, err := e.currentThreshold(ctx)
	if err != nil {
		return summary, err
	}
	var created []domain.Proposal
	for _, c := range candidates {
		p, ok := e.newProposal(c, required)
		if !ok {
			summary.DroppedCount++
			continue
		}
		created = append(created, p)
	}
	summary.CreatedCount = len(created)
	if opts.DryRun {
		summary.Proposals = created
		return summary, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()
	for _, p := range created {
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return summary, fmt.Errorf("insert proposal: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.ProposalCreated, "proposal", p.ID, opts.ActorID, events.EventPayload{
			"title": p.Title, "priority": p.Priority, "category": p.Category, "source": "synthesis",
		}); err != nil {
			return summary, err
		}
		summary.IDs = append(summary.IDs, p.ID)
	}
	if err := e.events().Append(ctx, tx, events.SynthesisRun, "synthesis", "", opts.ActorID, events.EventPayload{
		"discussions": summary.DiscussionCount,
		"analyzed":    summary.AnalyzedCount,
		"created":     summary.CreatedCount,
		"dropped":     summary.DroppedCount,
		"provider":    out.Provider,
		"model":       out.Model,
	}); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, err
	}
	summary.Proposals = created
	e.logger().InfoContext(ctx, "synthesis completed",
		"discussions", summary.DiscussionCount, "analyzed", summary.AnalyzedCount, "created", summary.CreatedCount)
	return summary, nil
}

func (e Engine) synthesisWindow(opts SynthesisOptions) (int, int, error) {
	days, limit := opts.Days, opts.MaxItems
	if days < 0 || limit < 0 {
		return 0, 0, fault.New(fault.KindInvalidInput, "days and max_items must not be negative")
	}
	if days == 0 {
		days = e.Config.Synthesis.Days
	}
	if days == 0 {
		days = 7
	}
	if limit == 0 {
		limit = e.Config.Synthesis.MaxItems
	}
	if limit == 0 || limit > config.MaxSynthesisItems {
		limit = config.MaxSynthesisItems
	}
	return days, limit, nil
}

func (e Engine) synthesisPrompt(items []domain.DiscussionItem) (string, error) {
	n := e.Config.Synthesis.ExcerptLength
	if n <= 0 {
		n = 280
	}
	excerpts := make([]discussionExcerpt, 0, len(items))
	for _, it := range items {
		excerpts = append(excerpts, discussionExcerpt{
			Title:   it.Title,
			Excerpt: truncateRunes(strings.Join(strings.Fields(it.Body), " "), n),
			Replies: it.ReplyCount,
			Likes:   it.LikeCount,
		})
	}
	data, err := json.MarshalIndent(excerpts, "", "  ")
	if err != nil {
		return "", err
	}
	return "Recent community discussions:\n" + string(data), nil
}

// parseCandidates reads the provider's JSON array. Anything unreadable yields
// no candidates; an element that is not an object is kept as an empty
// candidate so it is counted and dropped.
func parseCandidates(content string) []ProposalInput {
	body := verdict.StripFences(content)
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		start, end := strings.Index(content, "["), strings.LastIndex(content, "]")
		if start < 0 || end <= start {
			return nil
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return nil
		}
	}
	out := make([]ProposalInput, 0, len(raw))
	for _, r := range raw {
		var obj map[string]any
		_ = json.Unmarshal(r, &obj)
		out = append(out, ProposalInput{
			Title:       stringField(obj, "title"),
			Description: stringField(obj, "description"),
			Priority:    stringField(obj, "priority"),
			Category:    stringField(obj, "category"),
		})
	}
	return out
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
