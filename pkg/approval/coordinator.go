// Package approval routes policy-checked actions to auto-approval or to the
// human queue, applies human decisions, and expires actions whose approval
// window elapsed. The coordinator itself holds no state: it computes the
// transition, and the engine applies it inside the per-action critical
// section.
package approval

import (
	"fmt"
	"time"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// Decision is a human verdict on an awaiting_approval action.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Route is the lifecycle step a policy decision maps to.
type Route struct {
	Next  contracts.ActionStatus
	Event contracts.AuditEventType

	// ExpiresAt is the approval deadline, set only when Next is
	// awaiting_approval.
	ExpiresAt *time.Time
}

// Outcome is the transition a human decision maps to.
type Outcome struct {
	Next   contracts.ActionStatus
	Event  contracts.AuditEventType
	Record *contracts.ApprovalRecord
}

// Coordinator turns policy decisions and human decisions into lifecycle
// transitions.
type Coordinator struct {
	ttl   time.Duration
	clock func() time.Time
}

// NewCoordinator creates a coordinator with the given approval window.
func NewCoordinator(ttl time.Duration) *Coordinator {
	return &Coordinator{ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Route maps a fresh policy decision onto the action's next step. A denied
// decision routes nowhere: the action stays policy_checked and the caller
// surfaces the denial.
func (c *Coordinator) Route(decision *contracts.PolicyDecision) (*Route, error) {
	if decision == nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeInternal, "policy decision missing", nil)
	}
	switch decision.Verdict {
	case contracts.VerdictAllow:
		if !decision.AutoApprove {
			return nil, contracts.NewDomainError(contracts.ErrorTypeInternal,
				"allow verdict without auto-approval", nil)
		}
		return &Route{Next: contracts.StatusApproved, Event: contracts.EventApproved}, nil
	case contracts.VerdictRequireApproval:
		deadline := c.clock().UTC().Add(c.ttl)
		return &Route{
			Next:      contracts.StatusAwaitingApproval,
			Event:     contracts.EventApprovalRequested,
			ExpiresAt: &deadline,
		}, nil
	case contracts.VerdictDeny:
		return nil, contracts.NewDomainError(contracts.ErrorTypePolicyDenied, decision.Reason, nil).
			WithDetail("policy_version", decision.PolicyVersion)
	default:
		return nil, contracts.NewDomainError(contracts.ErrorTypeInternal,
			fmt.Sprintf("unknown policy verdict %q", decision.Verdict), nil)
	}
}

// Decide validates a human decision against the action's current state and
// returns the transition to apply. It mutates nothing.
//
// A decision arriving after the deadline is refused even when the expiry
// sweep has not landed yet; the window is the contract, not the sweep.
func (c *Coordinator) Decide(action *contracts.Action, approver contracts.Identity, decision Decision, note string) (*Outcome, error) {
	if action.Status != contracts.StatusAwaitingApproval {
		return nil, contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			fmt.Sprintf("action is %s, decisions apply only to awaiting_approval", action.Status), nil).
			WithDetail("action_id", action.ID).
			WithDetail("status", string(action.Status))
	}

	now := c.clock().UTC()
	if action.ExpiresAt != nil && now.After(*action.ExpiresAt) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeExpired,
			"approval window elapsed", nil).
			WithDetail("action_id", action.ID).
			WithDetail("expired_at", action.ExpiresAt.Format(time.RFC3339))
	}

	if !approver.HasRole(action.ApproverRoles...) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeForbidden,
			"identity lacks a required approver role", nil).
			WithDetail("action_id", action.ID).
			WithDetail("required_roles", action.ApproverRoles)
	}

	record := &contracts.ApprovalRecord{
		DecidedBy: approver,
		Decision:  string(decision),
		Note:      note,
		DecidedAt: now,
	}

	switch decision {
	case DecisionApproved:
		return &Outcome{Next: contracts.StatusApproved, Event: contracts.EventApproved, Record: record}, nil
	case DecisionRejected:
		return &Outcome{Next: contracts.StatusRejected, Event: contracts.EventRejected, Record: record}, nil
	default:
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation,
			fmt.Sprintf("decision must be %q or %q", DecisionApproved, DecisionRejected), nil).
			WithDetail("decision", string(decision))
	}
}
