// Wire types for the v1 API. Field sets and JSON tags mirror the server's
// encoding; keep them in sync when the API grows.

package client

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	StatusProposed         ActionStatus = "proposed"
	StatusPolicyChecked    ActionStatus = "policy_checked"
	StatusAwaitingApproval ActionStatus = "awaiting_approval"
	StatusApproved         ActionStatus = "approved"
	StatusExecuting        ActionStatus = "executing"
	StatusExecuted         ActionStatus = "executed"
	StatusFailed           ActionStatus = "failed"
	StatusRejected         ActionStatus = "rejected"
	StatusExpired          ActionStatus = "expired"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictDeny            Verdict = "deny"
)

// RiskTier classifies how much scrutiny an action type warrants.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// RunStatus is the outcome of a single execution attempt.
type RunStatus string

const (
	RunStarted RunStatus = "started"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Decision values accepted by Decide.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Identity names who proposed, approved, or executed an action.
// Kind is "human", "agent", or "system".
type Identity struct {
	ID    string   `json:"id"`
	Kind  string   `json:"kind"`
	Roles []string `json:"roles,omitempty"`
}

// CheckResult is one named policy check inside a decision.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// PolicyDecision records how policy judged a proposal.
type PolicyDecision struct {
	PolicyVersion   string        `json:"policy_version"`
	Entity          string        `json:"entity"`
	ActionType      string        `json:"action_type"`
	PayloadHash     string        `json:"payload_hash"`
	Verdict         Verdict       `json:"verdict"`
	Reason          string        `json:"reason"`
	RiskTier        RiskTier      `json:"risk_tier,omitempty"`
	AutoApprove     bool          `json:"auto_approve"`
	ApproverRoles   []string      `json:"approver_roles,omitempty"`
	Checks          []CheckResult `json:"checks"`
	BudgetRemaining int64         `json:"budget_remaining"`
}

// Denied reports whether the decision blocks the action outright.
func (d *PolicyDecision) Denied() bool { return d.Verdict == VerdictDeny }

// ApprovalRecord captures a human decision on a held action.
type ApprovalRecord struct {
	DecidedBy Identity  `json:"decided_by"`
	Decision  string    `json:"decision"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Action is one governed unit of work moving through the lifecycle.
type Action struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Entity string `json:"entity"`

	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`

	Period string `json:"period"`

	Classification string       `json:"classification,omitempty"`
	RiskTier       RiskTier     `json:"risk_tier,omitempty"`
	Status         ActionStatus `json:"status"`

	Proposer Identity `json:"proposer"`

	Decision     *PolicyDecision `json:"decision,omitempty"`
	DecisionHash string          `json:"decision_hash,omitempty"`

	ApproverRoles []string        `json:"approver_roles,omitempty"`
	Approval      *ApprovalRecord `json:"approval,omitempty"`

	EvidenceEligible bool `json:"evidence_eligible"`

	ProposedAt      time.Time  `json:"proposed_at"`
	PolicyCheckedAt *time.Time `json:"policy_checked_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	Version int64 `json:"version"`
}

// TraceStep is one recorded step inside an execution attempt.
type TraceStep struct {
	Step       string          `json:"step"`
	Tool       string          `json:"tool,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ArtifactRef points at an output stored in the blob store.
type ArtifactRef struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Hash string `json:"hash"`
	Size int64  `json:"size,omitempty"`
}

// IngestionProgress is the phase detail attached to knowledge ingestion runs.
type IngestionProgress struct {
	Phase          string `json:"phase"`
	SourceURI      string `json:"source_uri"`
	SourceChecksum string `json:"source_checksum,omitempty"`
	ChunkCount     int    `json:"chunk_count"`
	EmbeddingCount int    `json:"embedding_count"`
}

// ActionRun is one execution attempt of an approved action.
type ActionRun struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`
	Entity   string `json:"entity"`
	Type     string `json:"type"`
	Attempt  int    `json:"attempt"`

	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RequestedBy Identity `json:"requested_by"`

	Trace     []TraceStep   `json:"trace,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`

	Reused bool `json:"reused,omitempty"`

	AttestationHash string `json:"attestation_hash,omitempty"`
	AttestationPath string `json:"attestation_path,omitempty"`

	Ingestion *IngestionProgress `json:"ingestion,omitempty"`

	Error string `json:"error,omitempty"`
}

// AuditEvent is one hash-chained ledger entry for an action.
type AuditEvent struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Sequence uint64 `json:"sequence"`

	Type  string   `json:"type"`
	Actor Identity `json:"actor"`

	Data        json.RawMessage `json:"data,omitempty"`
	PayloadHash string          `json:"payload_hash"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	RecordedAt time.Time `json:"recorded_at"`
}

// VerifyResult is the outcome of replaying one audit chain.
type VerifyResult struct {
	Target  string `json:"target"`
	Entries int    `json:"entries"`
	Head    string `json:"head"`
	Valid   bool   `json:"valid"`
	Detail  string `json:"detail,omitempty"`
}

// LedgerVerification aggregates chain verification across the ledger.
type LedgerVerification struct {
	Valid  bool           `json:"valid"`
	Chains []VerifyResult `json:"chains"`
}

// EvidenceItem summarizes one action inside an evidence bundle.
type EvidenceItem struct {
	ActionID    string       `json:"action_id"`
	ActionType  string       `json:"action_type"`
	Status      ActionStatus `json:"status"`
	RiskTier    RiskTier     `json:"risk_tier,omitempty"`
	PayloadHash string       `json:"payload_hash"`
	ProposedAt  time.Time    `json:"proposed_at"`

	RunID           string        `json:"run_id,omitempty"`
	AttestationPath string        `json:"attestation_path,omitempty"`
	AttestationHash string        `json:"attestation_hash,omitempty"`
	Artifacts       []ArtifactRef `json:"artifacts,omitempty"`
}

// EvidenceSummary is the bundle roll-up.
type EvidenceSummary struct {
	TotalActions     int `json:"total_actions"`
	AttestationCount int `json:"attestation_count"`
	Failures         int `json:"failures"`
}

// EvidenceAppendix is the per-entity, per-period evidence bundle.
type EvidenceAppendix struct {
	BundleID string `json:"bundle_id"`
	Entity   string `json:"entity"`
	Period   string `json:"period"`

	Items   []EvidenceItem  `json:"items"`
	Summary EvidenceSummary `json:"summary"`

	ChainHeads map[string]string `json:"chain_heads,omitempty"`

	LedgerVerified bool `json:"ledger_verified"`

	GeneratedAt time.Time `json:"generated_at"`
	BundleHash  string    `json:"bundle_hash"`
}

// ProposeRequest creates a new action.
type ProposeRequest struct {
	Type    string          `json:"type"`
	Entity  string          `json:"entity"`
	Payload json.RawMessage `json:"payload"`
}

// DecisionRequest approves or rejects a held action.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// Execution is the combined result of propose-execute.
type Execution struct {
	Action *Action    `json:"action"`
	Run    *ActionRun `json:"run"`
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Entity       string
	Period       string
	Type         string
	Status       ActionStatus
	EvidenceOnly bool
}

type listEnvelope struct {
	Actions []Action `json:"actions"`
	Count   int      `json:"count"`
}

type eventsEnvelope struct {
	Events []AuditEvent `json:"events"`
	Count  int          `json:"count"`
}

type runsEnvelope struct {
	Runs  []ActionRun `json:"runs"`
	Count int         `json:"count"`
}
