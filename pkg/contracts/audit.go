package contracts

import (
	"encoding/json"
	"time"
)

// AuditEventType names a lifecycle transition recorded in the ledger.
type AuditEventType string

const (
	EventProposed          AuditEventType = "action.proposed"
	EventPolicyChecked     AuditEventType = "action.policy_checked"
	EventApprovalRequested AuditEventType = "action.approval_requested"
	EventApproved          AuditEventType = "action.approved"
	EventRejected          AuditEventType = "action.rejected"
	EventExpired           AuditEventType = "action.expired"
	EventRunStarted        AuditEventType = "run.started"
	EventExecutionStarted  AuditEventType = "action.execution_started"
	EventExecuted          AuditEventType = "action.executed"
	EventExecutionFailed   AuditEventType = "action.execution_failed"
	EventAttestationStored AuditEventType = "attestation.stored"
)

// AuditEvent is one entry in a per-target hash chain. Hash covers the
// event's own content plus the predecessor's hash, so recomputing the chain
// from genesis detects any edit or removal.
type AuditEvent struct {
	ID string `json:"id"`

	// Target identifies the chain this event belongs to; one chain per
	// action id. Sequence is the position within that chain, from 1.
	Target   string `json:"target"`
	Sequence uint64 `json:"sequence"`

	Type  AuditEventType `json:"type"`
	Actor Identity       `json:"actor"`

	// Data is the payload snapshot for this transition; PayloadHash is
	// its canonical content hash and is what the chain hash covers.
	Data        json.RawMessage `json:"data,omitempty"`
	PayloadHash string          `json:"payload_hash"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	RecordedAt time.Time `json:"recorded_at"`
}
