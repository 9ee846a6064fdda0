// Package contracts defines the shared data model of the action lifecycle:
// proposals, runs, audit events, attestations, and the error taxonomy every
// layer speaks. Types here are plain data; behavior lives in the packages
// that own each concern.
package contracts

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of an Action.
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

// RiskTier is the coarse risk classification assigned once at policy-check
// time. It drives auto-approval eligibility and never changes afterwards.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// transitions is the forward-only lifecycle graph. A denied policy check is
// not a transition: the action stays policy_checked with a deny decision
// attached. failed → executing is the explicit caller-initiated retry path;
// it always creates a new ActionRun.
var transitions = map[ActionStatus][]ActionStatus{
	StatusProposed:         {StatusPolicyChecked},
	StatusPolicyChecked:    {StatusAwaitingApproval, StatusApproved},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusExecuted, StatusFailed},
	StatusFailed:           {StatusExecuting},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
// failed is not terminal: a caller may re-execute, which opens a new run.
func IsTerminal(s ActionStatus) bool {
	return len(transitions[s]) == 0
}

// Identity names the actor behind a proposal, decision, or execution request.
type Identity struct {
	ID    string   `json:"id"`
	Kind  string   `json:"kind"` // "human", "agent", or "system"
	Roles []string `json:"roles,omitempty"`
}

// SystemIdentity is the actor recorded for engine-initiated transitions
// such as expiry sweeps and attestation writes.
func SystemIdentity() Identity {
	return Identity{ID: "system", Kind: "system"}
}

// HasRole reports whether the identity holds any of the given roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range i.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Action is a proposed automated operation moving through the lifecycle.
// The payload is immutable once the status leaves proposed; every status
// change is recorded in the audit ledger before the record is updated.
type Action struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Entity string `json:"entity"`

	// Payload is the validated proposal with schema defaults applied.
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`

	// Period labels the evidence window this action belongs to (YYYY-MM).
	// Fixed at proposal time: the payload's period field when the schema
	// defines one, otherwise the month of ProposedAt.
	Period string `json:"period"`

	Classification string       `json:"classification,omitempty"`
	RiskTier       RiskTier     `json:"risk_tier,omitempty"`
	Status         ActionStatus `json:"status"`

	Proposer Identity `json:"proposer"`

	// Decision is the canonical policy decision record, attached at
	// policy-check time and immutable afterwards.
	Decision     *PolicyDecision `json:"decision,omitempty"`
	DecisionHash string          `json:"decision_hash,omitempty"`

	// ApproverRoles is the set of roles allowed to decide an
	// awaiting_approval action, copied from the policy decision.
	ApproverRoles []string `json:"approver_roles,omitempty"`

	// Approval captures the human decision, when one was made.
	Approval *ApprovalRecord `json:"approval,omitempty"`

	// EvidenceEligible marks the action for inclusion in evidence bundles.
	EvidenceEligible bool `json:"evidence_eligible"`

	ProposedAt      time.Time  `json:"proposed_at"`
	PolicyCheckedAt *time.Time `json:"policy_checked_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`

	// ExpiresAt is the approval deadline, set when the action enters
	// awaiting_approval.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Version is the optimistic concurrency token; every persisted
	// transition increments it.
	Version int64 `json:"version"`
}

// ApprovalRecord captures one human decision on an awaiting_approval action.
type ApprovalRecord struct {
	DecidedBy Identity  `json:"decided_by"`
	Decision  string    `json:"decision"` // "approved" or "rejected"
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}
