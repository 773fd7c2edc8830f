package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"featuregate/internal/domain"
)

// ReplaceValidationRecords drops every record of the proposal and inserts recs.
func (r Repo) ReplaceValidationRecords(ctx context.Context, tx *sql.Tx, proposalID string, recs []domain.ValidationRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM validation_records WHERE proposal_id=?`, proposalID); err != nil {
		return err
	}
	for _, v := range recs {
		details, err := json.Marshal(v.Details)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO validation_records(id,proposal_id,validation_type,status,feedback,details_json,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?)`,
			v.ID, v.ProposalID, v.ValidationType, v.Status, v.Feedback, string(details), v.CreatedAt, nullableStringPtr(v.CompletedAt)); err != nil {
			return err
		}
	}
	return nil
}

// CompleteValidationRecord sets the outcome of one record by type.
func (r Repo) CompleteValidationRecord(ctx context.Context, tx *sql.Tx, v domain.ValidationRecord) error {
	details, err := json.Marshal(v.Details)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE validation_records SET status=?, feedback=?, details_json=?, completed_at=?
WHERE proposal_id=? AND validation_type=?`,
		v.Status, v.Feedback, string(details), nullableStringPtr(v.CompletedAt), v.ProposalID, v.ValidationType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListValidationRecords(ctx context.Context, proposalID string) ([]domain.ValidationRecord, error) {
	return r.ListValidationRecordsTx(ctx, nil, proposalID)
}

func (r Repo) ListValidationRecordsTx(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.ValidationRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,proposal_id,validation_type,status,feedback,details_json,created_at,completed_at
FROM validation_records WHERE proposal_id=?
ORDER BY CASE validation_type WHEN 'syntax' THEN 0 WHEN 'security' THEN 1 WHEN 'logic' THEN 2 ELSE 3 END`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRecord
	for rows.Next() {
		var v domain.ValidationRecord
		var detailsJSON string
		var completed sql.NullString
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.ValidationType, &v.Status, &v.Feedback, &detailsJSON, &v.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &v.Details)
		}
		v.CompletedAt = stringPtr(completed)
		res = append(res, v)
	}
	return res, rows.Err()
}
