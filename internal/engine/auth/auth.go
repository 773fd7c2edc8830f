package auth

import (
	"context"
	"database/sql"
	"fmt"

	"featuregate/internal/domain"
	"featuregate/internal/fault"
)

// ForbiddenError indicates the actor lacks a role.
type ForbiddenError struct {
	ActorID string
	Role    string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("role %s required", e.Role)
	}
	return fmt.Sprintf("actor %s lacks role %s", e.ActorID, e.Role)
}

func (e ForbiddenError) FaultKind() fault.Kind { return fault.KindPermissionDenied }

// Service resolves roles from the actor_roles table.
type Service struct {
	DB *sql.DB
}

func (s Service) HasRole(ctx context.Context, actorID, role string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role_id=? LIMIT 1`, actorID, role).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	return s.HasRole(ctx, actorID, domain.RoleAdmin)
}

// RequireAdmin returns ForbiddenError unless actorID holds the admin role.
func (s Service) RequireAdmin(ctx context.Context, actorID string) error {
	ok, err := s.IsAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{ActorID: actorID, Role: domain.RoleAdmin}
	}
	return nil
}
