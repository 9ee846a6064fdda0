// Package policy implements the deterministic decision point of the action
// lifecycle. Evaluate is a pure function of (proposal, capability profile,
// budget snapshot): no clock reads, no model calls, no store access. Identical
// inputs always produce a byte-identical decision record, which is itself an
// audited property of the system.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/budget"
	"github.com/stewardlabs/veract/pkg/capability"
	"github.com/stewardlabs/veract/pkg/contracts"
)

// Version is stamped into every decision record. Bump when check semantics
// change, so historical decisions stay interpretable.
const Version = "veract.policy/v1"

// Check names, in evaluation order.
const (
	CheckProfileEnabled   = "profile_enabled"
	CheckProposalsEnabled = "proposals_enabled"
	CheckActionGranted    = "action_granted"
	CheckClassification   = "classification_permitted"
	CheckBudget           = "budget_available"
	CheckRiskTier         = "risk_tier_resolution"
)

var tierRank = map[contracts.RiskTier]int{
	contracts.RiskLow:    0,
	contracts.RiskMedium: 1,
	contracts.RiskHigh:   2,
}

// Input carries everything one evaluation may consult. The caller resolves
// profile and budget beforehand; a nil Profile means none exists and a nil
// Budget means the snapshot could not be read, both of which fail closed.
type Input struct {
	Entity         string
	ActionType     string
	Payload        map[string]interface{}
	PayloadHash    string
	Classification string
	Period         string

	Profile *capability.Profile
	Budget  *budget.Snapshot
}

// Engine evaluates proposals against capability profiles. Tier escalation
// rules are CEL expressions; compiled programs are cached per source.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	logger   *zap.Logger
}

// NewEngine initializes the CEL environment for tier escalation rules.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("proposal", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("action_type", types.StringType),
			decls.NewVariable("entity", types.StringType),
			decls.NewVariable("classification", types.StringType),
			decls.NewVariable("period", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
		logger:   logger,
	}, nil
}

// Evaluate runs the ordered checks, short-circuiting on the first failure.
// It never returns an error for a policy outcome: denials are decisions. The
// error path is reserved for broken rule expressions, which also deny.
func (e *Engine) Evaluate(in Input) *contracts.PolicyDecision {
	d := &contracts.PolicyDecision{
		PolicyVersion: Version,
		Entity:        in.Entity,
		ActionType:    in.ActionType,
		PayloadHash:   in.PayloadHash,
		Verdict:       contracts.VerdictDeny, // default deny
	}

	// 1. Capability profile exists and is enabled.
	if in.Profile == nil || !in.Profile.Enabled {
		detail := "no capability profile for entity"
		if in.Profile != nil {
			detail = "capability profile disabled"
		}
		d.Reason = detail
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckProfileEnabled, Passed: false, Detail: detail})
		return d
	}
	d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckProfileEnabled, Passed: true})

	// 2. Proposing actions is switched on for the entity.
	if !in.Profile.ProposalsEnabled {
		d.Reason = "action proposals disabled for entity"
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckProposalsEnabled, Passed: false, Detail: d.Reason})
		return d
	}
	d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckProposalsEnabled, Passed: true})

	// 3. The action type is on the profile's allow-list.
	grant, ok := in.Profile.FindGrant(in.ActionType)
	if !ok {
		d.Reason = fmt.Sprintf("action type %s not granted", in.ActionType)
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckActionGranted, Passed: false, Detail: d.Reason})
		return d
	}
	d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckActionGranted, Passed: true})

	// 4. Data classification fits under the profile ceiling. Proposals
	// that touch no classified data skip the comparison.
	if in.Classification != "" {
		if !capability.ClassificationPermitted(in.Classification, in.Profile.MaxClassification) {
			d.Reason = fmt.Sprintf("classification %s exceeds profile maximum %s",
				in.Classification, in.Profile.MaxClassification)
			d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckClassification, Passed: false, Detail: d.Reason})
			return d
		}
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckClassification, Passed: true})
	} else {
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckClassification, Passed: true, Detail: "no classified data"})
	}

	// 5. Budget for the action's category has headroom. A missing
	// snapshot reads as exhausted.
	if in.Budget == nil {
		d.Reason = "budget snapshot unavailable"
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckBudget, Passed: false, Detail: d.Reason})
		return d
	}
	if in.Budget.Exhausted() {
		d.Reason = fmt.Sprintf("budget exhausted for category %s: %d of %d used",
			in.Budget.Category, in.Budget.Used, in.Budget.Limit)
		d.BudgetRemaining = 0
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckBudget, Passed: false, Detail: d.Reason})
		return d
	}
	d.BudgetRemaining = in.Budget.Remaining()
	d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckBudget, Passed: true})

	// 6. Resolve the risk tier and the approval requirement.
	tier, detail, err := e.resolveTier(grant, in)
	if err != nil {
		// A broken rule expression denies rather than guessing.
		d.Reason = fmt.Sprintf("tier rule evaluation failed: %v", err)
		d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckRiskTier, Passed: false, Detail: d.Reason})
		return d
	}
	d.RiskTier = tier
	d.Checks = append(d.Checks, contracts.CheckResult{Name: CheckRiskTier, Passed: true, Detail: detail})

	if tier == contracts.RiskLow && grant.AutoApprove {
		d.Verdict = contracts.VerdictAllow
		d.AutoApprove = true
		d.Reason = "low risk, auto-approval granted"
		return d
	}

	d.Verdict = contracts.VerdictRequireApproval
	d.ApproverRoles = grant.ApproverRoles
	if len(d.ApproverRoles) == 0 {
		// A grant without named approvers must still be decidable.
		d.ApproverRoles = []string{"operator"}
	}
	d.Reason = fmt.Sprintf("risk tier %s requires human approval", tier)
	return d
}

// resolveTier starts from the grant's base tier and applies every matching
// escalation rule; the highest tier wins. Rules only ever raise the tier.
func (e *Engine) resolveTier(grant *capability.Grant, in Input) (contracts.RiskTier, string, error) {
	tier := grant.BaseTier
	if _, ok := tierRank[tier]; !ok {
		tier = contracts.RiskMedium
	}
	detail := fmt.Sprintf("base tier %s", tier)

	for _, rule := range in.Profile.TierRules {
		matched, err := e.matches(rule.Expression, in)
		if err != nil {
			return "", "", fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if matched && tierRank[rule.Tier] > tierRank[tier] {
			tier = rule.Tier
			detail = fmt.Sprintf("escalated to %s by rule %s", tier, rule.Name)
		}
	}
	return tier, detail, nil
}

// matches evaluates one CEL expression against the proposal.
func (e *Engine) matches(expression string, in Input) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"proposal":       payload,
		"action_type":    in.ActionType,
		"entity":         in.Entity,
		"classification": in.Classification,
		"period":         in.Period,
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", expression)
	}
	return matched, nil
}

// program returns the compiled program for an expression, compiling once.
func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}
	e.programs[expression] = prg
	e.logger.Debug("compiled tier rule", zap.String("expression", expression))
	return prg, nil
}
