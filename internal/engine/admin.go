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

type WhoAmI struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	IsAdmin bool     `json:"is_admin"`
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (WhoAmI, error) {
	roles, err := e.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	w := WhoAmI{ActorID: actorID, Roles: roles}
	for _, r := range roles {
		if r == domain.RoleAdmin {
			w.IsAdmin = true
		}
	}
	return w, nil
}

// GrantRole gives target a role. While no admin exists the first admin grant
// is allowed without a check.
func (e Engine) GrantRole(ctx context.Context, actorID, target, role string) error {
	target, role = strings.TrimSpace(target), strings.TrimSpace(role)
	if target == "" || role == "" {
		return fault.New(fault.KindInvalidInput, "actor and role are required")
	}
	admins, err := e.Repo.CountActorsWithRole(ctx, domain.RoleAdmin)
	if err != nil {
		return err
	}
	if admins > 0 || role != domain.RoleAdmin {
		if err := e.requireAdmin(ctx, actorID); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.ts()
	if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, target, role, now); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.RBACGranted, "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role. The last admin cannot be revoked.
func (e Engine) RevokeRole(ctx context.Context, actorID, target, role string) error {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if role == domain.RoleAdmin {
		n, err := e.Repo.CountActorsWithRole(ctx, domain.RoleAdmin)
		if err != nil {
			return err
		}
		if n <= 1 {
			return fault.New(fault.KindInvalidInput, "cannot revoke the last admin")
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.RBACRevoked, "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for target. The secret is returned once; only its
// hash is stored. Actors may create keys for themselves, admins for anyone.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, target, name string) (domain.APIKey, string, error) {
	if target == "" {
		target = actorID
	}
	if target == "" {
		return domain.APIKey{}, "", fault.New(fault.KindInvalidInput, "actor is required")
	}
	if target != actorID {
		if err := e.requireAdmin(ctx, actorID); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	secret, err := repo.NewAPIKeySecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, target, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"actor": target, "name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, actorID, id string) error {
	if err := e.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyRevoked, "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}
