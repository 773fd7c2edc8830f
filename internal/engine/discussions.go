package engine

import (
	"context"
	"strings"
	"time"

	"featuregate/internal/domain"
	"featuregate/internal/events"
	"featuregate/internal/fault"
)

// IngestDiscussions stores items exported from the forum. Re-ingesting an id
// replaces the stored item.
func (e Engine) IngestDiscussions(ctx context.Context, items []domain.DiscussionItem, actorID string) (int, error) {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return 0, err
	}
	now := e.ts()
	clean := make([]domain.DiscussionItem, 0, len(items))
	for i, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		it.Title = strings.TrimSpace(it.Title)
		if it.ID == "" || it.Title == "" {
			return 0, fault.New(fault.KindInvalidInput, "item %d: id and title are required", i)
		}
		if it.ReplyCount < 0 || it.LikeCount < 0 {
			return 0, fault.New(fault.KindInvalidInput, "item %d: counts must not be negative", i)
		}
		if it.CreatedAt == "" {
			it.CreatedAt = now
		} else {
			at, err := time.Parse(time.RFC3339, it.CreatedAt)
			if err != nil {
				return 0, fault.New(fault.KindInvalidInput, "item %d: created_at must be RFC3339", i)
			}
			it.CreatedAt = at.UTC().Format(time.RFC3339)
		}
		clean = append(clean, it)
	}
	if len(clean) == 0 {
		return 0, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, it := range clean {
		if err := e.Repo.UpsertDiscussion(ctx, tx, it); err != nil {
			return 0, err
		}
	}
	if err := e.events().Append(ctx, tx, events.DiscussionsIngested, "discussion", "", actorID, events.EventPayload{"count": len(clean)}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(clean), nil
}
