package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id, created_at) VALUES (?,?,?)`, actorID, roleID, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) CountActorsWithRole(ctx context.Context, roleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles WHERE role_id=?`, roleID).Scan(&n)
	return n, err
}
