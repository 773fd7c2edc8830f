package server

import (
	"encoding/json"

	"featuregate/internal/domain"
)

// Request payloads

type CreateProposalRequest struct {
	Title       string `json:"title" maxLength:"1000"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Category    string `json:"category,omitempty"`
}

type SynthesizeRequest struct {
	Days     int    `json:"days,omitempty" minimum:"0"`
	MaxItems int    `json:"max_items,omitempty" minimum:"0"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type ProviderOverrideRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type OverrideRequest struct {
	Stage  string `json:"stage" enum:"generating,validating,validation_failed,pending_approval"`
	Reason string `json:"reason"`
}

type GovernanceRequest struct {
	RequiredApprovals int `json:"required_approvals" minimum:"1" maximum:"10"`
}

type UpsertProviderRequest struct {
	APIKey       string `json:"api_key,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	IsActive     *bool  `json:"is_active,omitempty"`
}

type ProviderActiveRequest struct {
	Active bool `json:"active"`
}

type DiscussionItemRequest struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Author     string `json:"author,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
	LikeCount  int    `json:"like_count,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type IngestDiscussionsRequest struct {
	Items []DiscussionItemRequest `json:"items"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ProviderListResponse struct {
	Providers []domain.ProviderConfig `json:"providers"`
	Available []string                `json:"available"`
}

type IngestResponse struct {
	Ingested int `json:"ingested"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type CreatedAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func discussionItems(in []DiscussionItemRequest) []domain.DiscussionItem {
	out := make([]domain.DiscussionItem, 0, len(in))
	for _, it := range in {
		out = append(out, domain.DiscussionItem(it))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
