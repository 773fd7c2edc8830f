package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the pipeline.
const (
	ProposalCreated     = "proposal.created"
	ProposalGenerated   = "proposal.generated"
	ProposalValidating  = "proposal.validating"
	ProposalValidated   = "proposal.validated"
	ProposalApproval    = "proposal.approval.recorded"
	ProposalApproved    = "proposal.approved"
	ProposalRejected    = "proposal.rejected"
	ProposalImplemented = "proposal.implemented"
	ProposalOverride    = "proposal.stage.override"
	SynthesisRun        = "synthesis.completed"
	GovernanceUpdated   = "governance.updated"
	ProviderUpdated     = "provider.updated"
	ProviderDeleted     = "provider.deleted"
	DiscussionsIngested = "discussions.ingested"
	RBACGranted         = "rbac.role.granted"
	RBACRevoked         = "rbac.role.revoked"
	APIKeyCreated       = "apikey.created"
	APIKeyRevoked       = "apikey.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
