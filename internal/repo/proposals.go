package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"featuregate/internal/domain"
)

const proposalColumns = `p.id,p.title,p.description,p.priority,p.category,p.stage,p.validation_score,p.required_approvals,
(SELECT COUNT(*) FROM approvals a WHERE a.proposal_id=p.id),
p.reviewed_by,p.reviewed_at,p.review_notes,p.generated_by,p.generated_at,p.created_at,p.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var stage string
	var score sql.NullInt64
	var reviewedBy, reviewedAt, notes, generatedBy, generatedAt sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Priority, &p.Category, &stage, &score, &p.RequiredApprovals,
		&p.ApprovalCount, &reviewedBy, &reviewedAt, &notes, &generatedBy, &generatedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, notFound(err)
	}
	p.Stage = domain.Stage(stage)
	if score.Valid {
		v := int(score.Int64)
		p.ValidationScore = &v
	}
	p.ReviewedBy = stringPtr(reviewedBy)
	p.ReviewedAt = stringPtr(reviewedAt)
	p.ReviewNotes = stringPtr(notes)
	p.GeneratedBy = stringPtr(generatedBy)
	p.GeneratedAt = stringPtr(generatedAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id,title,description,priority,category,stage,required_approvals,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.Description, p.Priority, p.Category, string(p.Stage), p.RequiredApprovals, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals p WHERE p.id=?`, id))
}

type ProposalFilters struct {
	Stage    domain.Stage
	Category string
	Limit    int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "p.stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Category != "" {
		clauses = append(clauses, "p.category=?")
		args = append(args, f.Category)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM proposals p WHERE %s ORDER BY p.created_at DESC, p.id ASC LIMIT ?`, proposalColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// StageUpdate moves a proposal from one stage to another. Nil fields are left
// untouched.
type StageUpdate struct {
	ID                string
	From              domain.Stage
	To                domain.Stage
	At                string
	ReviewedBy        *string
	ReviewNotes       *string
	ValidationScore   *int
	RequiredApprovals *int
	GeneratedBy       *string
}

// UpdateStage applies u only if the proposal is still in u.From, returning
// ErrStageConflict otherwise.
func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, u StageUpdate) error {
	fields := []string{"stage=?", "updated_at=?"}
	args := []any{string(u.To), u.At}
	if u.ReviewedBy != nil {
		fields = append(fields, "reviewed_by=?", "reviewed_at=?")
		args = append(args, *u.ReviewedBy, u.At)
	}
	if u.ReviewNotes != nil {
		fields = append(fields, "review_notes=?")
		args = append(args, *u.ReviewNotes)
	}
	if u.ValidationScore != nil {
		fields = append(fields, "validation_score=?")
		args = append(args, *u.ValidationScore)
	}
	if u.RequiredApprovals != nil {
		fields = append(fields, "required_approvals=?")
		args = append(args, *u.RequiredApprovals)
	}
	if u.GeneratedBy != nil {
		fields = append(fields, "generated_by=?", "generated_at=?")
		args = append(args, *u.GeneratedBy, u.At)
	}
	args = append(args, u.ID, string(u.From))
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE proposals SET %s WHERE id=? AND stage=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStageConflict
	}
	return nil
}

// CascadeRequiredApprovals sets the threshold on every proposal that has not
// yet passed the approval gate.
func (r Repo) CascadeRequiredApprovals(ctx context.Context, tx *sql.Tx, n int, at string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET required_approvals=?, updated_at=?
WHERE stage IN ('generating','validating','validation_failed','pending_approval')`, n, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingAtQuorum lists pending proposals whose approvals already meet their threshold.
func (r Repo) PendingAtQuorum(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT p.id FROM proposals p
WHERE p.stage='pending_approval' AND (SELECT COUNT(*) FROM approvals a WHERE a.proposal_id=p.id) >= p.required_approvals
ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountProposalsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, COUNT(*) FROM proposals GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		res[stage] = n
	}
	return res, rows.Err()
}

// ReplaceCodeBundle writes the bundle, replacing any previous one.
func (r Repo) ReplaceCodeBundle(ctx context.Context, tx *sql.Tx, b domain.CodeBundle) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO code_bundles(proposal_id,frontend_code,backend_code,database_code,raw_response,provider,model,generated_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_id) DO UPDATE SET
  frontend_code=excluded.frontend_code,
  backend_code=excluded.backend_code,
  database_code=excluded.database_code,
  raw_response=excluded.raw_response,
  provider=excluded.provider,
  model=excluded.model,
  generated_by=excluded.generated_by,
  created_at=excluded.created_at`,
		b.ProposalID, b.FrontendCode, b.BackendCode, b.DatabaseCode, b.RawResponse, b.Provider, b.Model, b.GeneratedBy, b.CreatedAt)
	return err
}

func (r Repo) GetCodeBundle(ctx context.Context, proposalID string) (domain.CodeBundle, error) {
	var b domain.CodeBundle
	err := r.DB.QueryRowContext(ctx, `SELECT proposal_id,frontend_code,backend_code,database_code,raw_response,provider,model,generated_by,created_at
FROM code_bundles WHERE proposal_id=?`, proposalID).
		Scan(&b.ProposalID, &b.FrontendCode, &b.BackendCode, &b.DatabaseCode, &b.RawResponse, &b.Provider, &b.Model, &b.GeneratedBy, &b.CreatedAt)
	if err != nil {
		return b, notFound(err)
	}
	return b, nil
}
