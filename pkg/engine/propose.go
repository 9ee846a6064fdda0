package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/budget"
	"github.com/stewardlabs/veract/pkg/canonical"
	"github.com/stewardlabs/veract/pkg/capability"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/policy"
)

// ProposeRequest carries one action proposal from an agent or operator.
type ProposeRequest struct {
	Type     string
	Entity   string
	Payload  json.RawMessage
	Proposer contracts.Identity
}

func (r ProposeRequest) validate() error {
	switch {
	case r.Type == "":
		return contracts.NewDomainError(contracts.ErrorTypeValidation, "proposal requires an action type", nil)
	case r.Entity == "":
		return contracts.NewDomainError(contracts.ErrorTypeValidation, "proposal requires an entity", nil)
	case r.Proposer.ID == "":
		return contracts.NewDomainError(contracts.ErrorTypeValidation, "proposal requires a proposer identity", nil)
	}
	return nil
}

// ProposeAction validates a proposal, persists it, and runs the policy
// check. Nothing is written until the payload passes schema validation.
// A policy denial is a decision, not an error: the action is returned with
// status policy_checked and the denying decision attached. Allowed actions
// come back approved (auto-approve) or awaiting_approval.
func (e *Engine) ProposeAction(ctx context.Context, req ProposeRequest) (*contracts.Action, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	def, err := e.registry.Lookup(req.Type)
	if err != nil {
		return nil, err
	}

	normalized, err := e.schemas.Validate(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(normalized)
	if err != nil {
		return nil, err
	}

	payloadHash, err := canonical.CanonicalHash(normalized)
	if err != nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeInternal, "payload hash failed", err)
	}

	period, err := e.resolvePeriod(def, payload)
	if err != nil {
		return nil, err
	}
	classification := stringField(payload, "classification")
	if classification == "" {
		classification = "internal"
	}
	evidenceEligible := def.EvidenceDefault
	if v, ok := payload["store_evidence"].(bool); ok {
		evidenceEligible = v
	}

	action := &contracts.Action{
		ID:               uuid.New().String(),
		Type:             req.Type,
		Entity:           req.Entity,
		Payload:          normalized,
		PayloadHash:      payloadHash,
		Period:           period,
		Classification:   classification,
		Status:           contracts.StatusProposed,
		Proposer:         req.Proposer,
		EvidenceEligible: evidenceEligible,
		ProposedAt:       e.clock().UTC(),
	}

	// Audit first, record second. A crash between the two leaves a
	// proposal event with no action, which reconciliation can detect;
	// the reverse would be an action with no provenance.
	if _, err := e.append(ctx, action.ID, contracts.EventProposed, req.Proposer, map[string]interface{}{
		"action_type":    req.Type,
		"entity":         req.Entity,
		"payload_hash":   payloadHash,
		"period":         period,
		"classification": classification,
	}); err != nil {
		return nil, err
	}
	if err := e.store.CreateAction(ctx, action); err != nil {
		e.logger.Error("action create failed after audit append",
			zap.String("action_id", action.ID), zap.Error(err))
		return nil, err
	}

	profile := e.loadProfile(ctx, req.Entity)
	category := resolveCategory(def, profile, req.Type)
	snapshot := e.loadBudget(ctx, req.Entity, category, period)

	decision := e.policy.Evaluate(policy.Input{
		Entity:         req.Entity,
		ActionType:     req.Type,
		Payload:        payload,
		PayloadHash:    payloadHash,
		Classification: classification,
		Period:         period,
		Profile:        profile,
		Budget:         snapshot,
	})
	decisionHash, err := canonical.CanonicalHash(decision)
	if err != nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeInternal, "decision hash failed", err)
	}

	unlock := e.keys.lock(action.ID)
	defer unlock()

	if err := e.applyLocked(ctx, action, contracts.StatusPolicyChecked, contracts.EventPolicyChecked, contracts.SystemIdentity(), map[string]interface{}{
		"verdict":        string(decision.Verdict),
		"policy_version": decision.PolicyVersion,
		"decision_hash":  decisionHash,
		"risk_tier":      string(decision.RiskTier),
	}, func(a *contracts.Action) {
		a.Decision = decision
		a.DecisionHash = decisionHash
		a.RiskTier = decision.RiskTier
		a.ApproverRoles = decision.ApproverRoles
	}); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.Proposal(req.Entity, req.Type, decision.Verdict)
	}

	if decision.Denied() {
		e.logger.Info("proposal denied",
			zap.String("action_id", action.ID),
			zap.String("entity", req.Entity),
			zap.String("action_type", req.Type),
			zap.String("reason", decision.Reason),
		)
		return action, nil
	}

	route, err := e.coordinator.Route(decision)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{}
	switch route.Event {
	case contracts.EventApprovalRequested:
		data["approver_roles"] = decision.ApproverRoles
		if route.ExpiresAt != nil {
			data["expires_at"] = route.ExpiresAt.Format(time.RFC3339)
		}
	case contracts.EventApproved:
		data["auto_approved"] = true
		data["policy_version"] = decision.PolicyVersion
	}

	if err := e.applyLocked(ctx, action, route.Next, route.Event, contracts.SystemIdentity(), data, func(a *contracts.Action) {
		if route.ExpiresAt != nil {
			a.ExpiresAt = route.ExpiresAt
		}
	}); err != nil {
		return nil, err
	}
	return action, nil
}

// ProposeAndExecute runs the full pipeline in one call for auto-approvable
// work. Denied proposals and proposals parked for human approval return the
// action alongside a typed error so the caller sees exactly where the
// pipeline stopped.
func (e *Engine) ProposeAndExecute(ctx context.Context, req ProposeRequest) (*contracts.Action, *contracts.ActionRun, error) {
	action, err := e.ProposeAction(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if action.Decision != nil && action.Decision.Denied() {
		return action, nil, contracts.NewDomainError(contracts.ErrorTypePolicyDenied, action.Decision.Reason, nil).
			WithDetail("action_id", action.ID)
	}
	if action.Status != contracts.StatusApproved {
		return action, nil, contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"action requires approval before execution", nil).
			WithDetail("action_id", action.ID).
			WithDetail("status", string(action.Status))
	}

	run, err := e.ExecuteAction(ctx, action.ID, req.Proposer)
	if refreshed, gerr := e.store.GetAction(ctx, action.ID); gerr == nil {
		action = refreshed
	}
	return action, run, err
}

// resolvePeriod reads the accounting period from the payload field the
// action type declares, falling back to the proposal month.
func (e *Engine) resolvePeriod(def *dispatch.Definition, payload map[string]interface{}) (string, error) {
	if def.PeriodField == "" {
		return e.clock().UTC().Format("2006-01"), nil
	}
	period := stringField(payload, def.PeriodField)
	if period == "" {
		return "", contracts.NewDomainError(contracts.ErrorTypeValidation,
			fmt.Sprintf("proposal for %s must carry %s", def.Type, def.PeriodField), nil).
			WithDetail("field", def.PeriodField)
	}
	return period, nil
}

// loadProfile resolves the entity's capability profile. Any failure reads
// as no profile, which the policy engine denies.
func (e *Engine) loadProfile(ctx context.Context, entity string) *capability.Profile {
	profile, err := e.profiles.Profile(ctx, entity)
	if err != nil {
		e.logger.Warn("capability profile unavailable",
			zap.String("entity", entity), zap.Error(err))
		return nil
	}
	return profile
}

// loadBudget resolves the budget snapshot for the category the action
// spends against. A read failure returns nil, which the policy engine
// treats as exhausted.
func (e *Engine) loadBudget(ctx context.Context, entity, category, period string) *budget.Snapshot {
	snap, err := e.budgets.Snapshot(ctx, entity, category, period)
	if err != nil {
		e.logger.Warn("budget snapshot unavailable",
			zap.String("entity", entity),
			zap.String("category", category),
			zap.Error(err))
		return nil
	}
	return snap
}

// resolveCategory picks the budget category: grant override first, then the
// action type's default.
func resolveCategory(def *dispatch.Definition, profile *capability.Profile, actionType string) string {
	if profile != nil {
		if grant, ok := profile.FindGrant(actionType); ok && grant.Category != "" {
			return grant.Category
		}
	}
	return def.Category
}

// decodePayload parses normalized proposal JSON preserving number fidelity.
func decodePayload(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation, "proposal payload must be a JSON object", err)
	}
	return payload, nil
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}
