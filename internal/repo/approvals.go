package repo

import (
	"context"
	"database/sql"

	"featuregate/internal/domain"
)

// InsertApproval records an admin's approval once. It reports false when the
// admin had already approved.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO approvals(proposal_id, admin_id, created_at) VALUES (?,?,?)`,
		a.ProposalID, a.AdminID, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountApprovals(ctx context.Context, tx *sql.Tx, proposalID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE proposal_id=?`, proposalID).Scan(&n)
	return n, err
}

func (r Repo) ListApprovals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id, admin_id, created_at FROM approvals WHERE proposal_id=? ORDER BY created_at, admin_id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ProposalID, &a.AdminID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteApprovals(ctx context.Context, tx *sql.Tx, proposalID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM approvals WHERE proposal_id=?`, proposalID)
	return err
}

// ApproveIfQuorum moves a pending proposal to approved when its distinct
// approvals reach the threshold. The check and the write are one statement so
// the transition happens at most once.
func (r Repo) ApproveIfQuorum(ctx context.Context, tx *sql.Tx, proposalID, reviewer, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET stage='approved', reviewed_by=?, reviewed_at=?, updated_at=?
WHERE id=? AND stage='pending_approval'
  AND (SELECT COUNT(*) FROM approvals WHERE proposal_id=?) >= required_approvals`,
		reviewer, at, at, proposalID, proposalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
