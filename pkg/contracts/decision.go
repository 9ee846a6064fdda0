package contracts

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictDeny            Verdict = "deny"
)

// PolicyDecision is the canonical record of one policy evaluation. It is
// hashed with JCS and must therefore be reproducible byte for byte from the
// same inputs: no wall-clock fields, no map iteration artifacts. The
// evaluation timestamp lives on the Action, outside this record.
//
// Checks appear in evaluation order; evaluation short-circuits, so the last
// entry is the failing check on a deny.
type PolicyDecision struct {
	PolicyVersion string   `json:"policy_version"`
	Entity        string   `json:"entity"`
	ActionType    string   `json:"action_type"`
	PayloadHash   string   `json:"payload_hash"`
	Verdict       Verdict  `json:"verdict"`
	Reason        string   `json:"reason"`
	RiskTier      RiskTier `json:"risk_tier,omitempty"`
	AutoApprove   bool     `json:"auto_approve"`
	ApproverRoles []string `json:"approver_roles,omitempty"`

	Checks []CheckResult `json:"checks"`

	// BudgetRemaining is the allowance left for the action's category in
	// the inspected snapshot, recorded for explainability.
	BudgetRemaining int64 `json:"budget_remaining"`
}

// Denied reports whether the decision blocks the action outright.
func (d *PolicyDecision) Denied() bool { return d.Verdict == VerdictDeny }

// CheckResult records one ordered policy check and its outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}
