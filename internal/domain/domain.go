package domain

// Stage is a proposal lifecycle stage.
type Stage string

const (
	StageGenerating       Stage = "generating"
	StageValidating       Stage = "validating"
	StageValidationFailed Stage = "validation_failed"
	StagePendingApproval  Stage = "pending_approval"
	StageApproved         Stage = "approved"
	StageRejected         Stage = "rejected"
	StageImplemented      Stage = "implemented"
)

var Stages = []Stage{
	StageGenerating,
	StageValidating,
	StageValidationFailed,
	StagePendingApproval,
	StageApproved,
	StageRejected,
	StageImplemented,
}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal stages admit no further transitions, not even an override.
func (s Stage) Terminal() bool {
	return s == StageRejected || s == StageImplemented
}

// CanTransition reports whether from -> to is a lifecycle edge. Re-entering
// validating covers validation re-runs and regeneration after a failure.
func CanTransition(from, to Stage) bool {
	if to == StageRejected {
		return !from.Terminal()
	}
	switch from {
	case StageGenerating:
		return to == StageValidating
	case StageValidating:
		return to == StageValidating || to == StageValidationFailed || to == StagePendingApproval
	case StageValidationFailed:
		return to == StageValidating
	case StagePendingApproval:
		return to == StageApproved
	case StageApproved:
		return to == StageImplemented
	}
	return false
}

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

const CategoryOther = "other"

type Proposal struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Priority          string  `json:"priority" enum:"low,medium,high,critical"`
	Category          string  `json:"category"`
	Stage             Stage   `json:"stage" enum:"generating,validating,validation_failed,pending_approval,approved,rejected,implemented"`
	ValidationScore   *int    `json:"validation_score,omitempty"`
	RequiredApprovals int     `json:"required_approvals"`
	ApprovalCount     int     `json:"approval_count"`
	ReviewedBy        *string `json:"reviewed_by,omitempty"`
	ReviewedAt        *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes       *string `json:"review_notes,omitempty"`
	GeneratedBy       *string `json:"generated_by,omitempty"`
	GeneratedAt       *string `json:"generated_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// CodeBundle holds the generated artifacts of a proposal; a missing kind is
// stored as a placeholder, never as an empty string.
type CodeBundle struct {
	ProposalID   string `json:"proposal_id"`
	FrontendCode string `json:"frontend_code"`
	BackendCode  string `json:"backend_code"`
	DatabaseCode string `json:"database_code"`
	RawResponse  string `json:"raw_response"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	GeneratedBy  string `json:"generated_by"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

const (
	ValidationSyntax        = "syntax"
	ValidationSecurity      = "security"
	ValidationLogic         = "logic"
	ValidationCompatibility = "compatibility"
)

var ValidationTypes = []string{ValidationSyntax, ValidationSecurity, ValidationLogic, ValidationCompatibility}

const (
	ValidationPending = "pending"
	ValidationPassed  = "passed"
	ValidationFailed  = "failed"
	ValidationWarning = "warning"
)

// ValidationDetails is the structured part of a dimension verdict.
// Recommendations are the run-wide ones, repeated on every record.
type ValidationDetails struct {
	Notes           []string `json:"notes,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type ValidationRecord struct {
	ID             string            `json:"id"`
	ProposalID     string            `json:"proposal_id"`
	ValidationType string            `json:"validation_type" enum:"syntax,security,logic,compatibility"`
	Status         string            `json:"status" enum:"pending,passed,failed,warning"`
	Feedback       string            `json:"feedback"`
	Details        ValidationDetails `json:"details"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
}

type Approval struct {
	ProposalID string `json:"proposal_id"`
	AdminID    string `json:"admin_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ProviderConfig is a stored provider entry. APIKey is never serialized.
type ProviderConfig struct {
	Name         string `json:"name"`
	APIKey       string `json:"-"`
	HasAPIKey    bool   `json:"has_api_key"`
	DefaultModel string `json:"default_model"`
	BaseURL      string `json:"base_url,omitempty"`
	IsActive     bool   `json:"is_active"`
	IsDefault    bool   `json:"is_default"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type GovernanceConfig struct {
	RequiredApprovals int    `json:"required_approvals" minimum:"1" maximum:"10"`
	UpdatedBy         string `json:"updated_by,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty" format:"date-time"`
}

type DiscussionItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Author     string `json:"author,omitempty"`
	ReplyCount int    `json:"reply_count"`
	LikeCount  int    `json:"like_count"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// SynthesisSummary reports one synthesis run. AnalyzedCount counts the
// candidates the provider returned; DiscussionCount the items it was shown.
type SynthesisSummary struct {
	DiscussionCount int        `json:"discussion_count"`
	AnalyzedCount   int        `json:"analyzed_count"`
	CreatedCount    int        `json:"created_count"`
	DroppedCount    int        `json:"dropped_count"`
	IDs             []string   `json:"ids"`
	DryRun          bool       `json:"dry_run,omitempty"`
	Proposals       []Proposal `json:"proposals,omitempty"`
}

// ValidationSummary is the outcome of one validation run.
type ValidationSummary struct {
	ProposalID string             `json:"proposal_id"`
	Passed     bool               `json:"passed"`
	Score      int                `json:"score"`
	Summary    string             `json:"summary"`
	Stage      Stage              `json:"stage"`
	Records    []ValidationRecord `json:"records"`
}

// ProposalDetail is a proposal with everything recorded against it.
type ProposalDetail struct {
	Proposal
	Bundle      *CodeBundle        `json:"bundle,omitempty"`
	Validations []ValidationRecord `json:"validations"`
	Approvals   []Approval         `json:"approvals"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const RoleAdmin = "admin"
