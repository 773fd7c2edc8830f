package repo

import (
	"context"
	"database/sql"

	"featuregate/internal/domain"
)

// EnsureGovernance seeds the singleton row if it does not exist yet.
func (r Repo) EnsureGovernance(ctx context.Context, requiredApprovals int, at string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO governance_config(id, required_approvals, updated_at) VALUES (1,?,?)`, requiredApprovals, at)
	return err
}

func (r Repo) GetGovernance(ctx context.Context) (domain.GovernanceConfig, error) {
	return r.GetGovernanceTx(ctx, nil)
}

func (r Repo) GetGovernanceTx(ctx context.Context, tx *sql.Tx) (domain.GovernanceConfig, error) {
	var g domain.GovernanceConfig
	var by sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT required_approvals, updated_by, updated_at FROM governance_config WHERE id=1`).
		Scan(&g.RequiredApprovals, &by, &g.UpdatedAt)
	if err != nil {
		return g, notFound(err)
	}
	g.UpdatedBy = by.String
	return g, nil
}

func (r Repo) SetGovernance(ctx context.Context, tx *sql.Tx, g domain.GovernanceConfig) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO governance_config(id, required_approvals, updated_by, updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET required_approvals=excluded.required_approvals, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		g.RequiredApprovals, nullable(g.UpdatedBy), g.UpdatedAt)
	return err
}
