package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/approval"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/ledger"
)

// ApproveAction applies a human decision to an action awaiting approval.
// The whole check-and-commit runs under the action's critical section, so
// two racing approvers resolve to exactly one recorded decision.
func (e *Engine) ApproveAction(ctx context.Context, actionID string, approver contracts.Identity, decision approval.Decision, note string) (*contracts.Action, error) {
	unlock := e.keys.lock(actionID)
	defer unlock()

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	outcome, err := e.coordinator.Decide(action, approver, decision, note)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"decision":   string(decision),
		"decided_by": approver.ID,
	}
	if note != "" {
		data["note"] = note
	}

	if err := e.applyLocked(ctx, action, outcome.Next, outcome.Event, approver, data, func(a *contracts.Action) {
		a.Approval = outcome.Record
	}); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.Decision(action.Type, string(decision))
	}
	return action, nil
}

// ExpireAction closes an approval window that has elapsed. The deadline is
// re-read under the critical section so a sweep racing a late approval
// cannot expire a freshly decided action.
func (e *Engine) ExpireAction(ctx context.Context, actionID string) (*contracts.Action, error) {
	unlock := e.keys.lock(actionID)
	defer unlock()

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != contracts.StatusAwaitingApproval {
		return nil, contracts.StateConflict(action.Status, contracts.StatusExpired).
			WithDetail("action_id", actionID)
	}
	now := e.clock().UTC()
	if action.ExpiresAt == nil || now.Before(*action.ExpiresAt) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"approval window still open", nil).
			WithDetail("action_id", actionID)
	}

	if err := e.applyLocked(ctx, action, contracts.StatusExpired, contracts.EventExpired, contracts.SystemIdentity(), map[string]interface{}{
		"expired_at": action.ExpiresAt.Format(time.RFC3339),
	}, nil); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.Decision(action.Type, "expired")
	}
	return action, nil
}

// SweepExpired expires every action whose approval window has elapsed and
// returns how many were closed. Individual failures are logged and skipped
// so one contended action cannot stall the sweep.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.clock().UTC()
	stale, err := e.store.ListActions(ctx, actionstore.Filter{
		Status:        contracts.StatusAwaitingApproval,
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		if _, err := e.ExpireAction(ctx, stale[i].ID); err != nil {
			e.logger.Warn("expiry sweep skipped action",
				zap.String("action_id", stale[i].ID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		e.logger.Info("expiry sweep completed", zap.Int("expired", expired))
	}
	return expired, nil
}

// ExecuteAction runs one execution attempt through the dispatcher and, on a
// fresh (non-reused) success, records one unit of budget spend against the
// action's category.
func (e *Engine) ExecuteAction(ctx context.Context, actionID string, requestedBy contracts.Identity) (*contracts.ActionRun, error) {
	run, err := e.dispatcher.Execute(ctx, actionID, requestedBy)

	if run != nil && e.metrics != nil {
		e.metrics.Execution(run.Type, run.Status, run.Reused)
	}
	if err != nil {
		return run, err
	}

	if run.AttestationHash != "" && e.metrics != nil {
		e.metrics.Attestation(run.Entity)
	}
	if !run.Reused {
		e.recordSpend(ctx, run)
	}
	return run, nil
}

// recordSpend charges one unit for a completed run. Spend is accounting,
// not control; a write failure is logged and the run stands.
func (e *Engine) recordSpend(ctx context.Context, run *contracts.ActionRun) {
	action, err := e.store.GetAction(ctx, run.ActionID)
	if err != nil {
		e.logger.Warn("budget spend skipped, action unavailable",
			zap.String("action_id", run.ActionID), zap.Error(err))
		return
	}
	def, err := e.registry.Lookup(action.Type)
	if err != nil {
		return
	}
	category := resolveCategory(def, e.loadProfile(ctx, action.Entity), action.Type)
	if err := e.budgets.RecordSpend(ctx, action.Entity, category, action.Period, 1); err != nil {
		e.logger.Warn("budget spend failed",
			zap.String("entity", action.Entity),
			zap.String("category", category),
			zap.String("period", action.Period),
			zap.Error(err))
	}
}

// CollectEvidence assembles the evidence appendix for an entity and period.
func (e *Engine) CollectEvidence(ctx context.Context, entity, period string) (*contracts.EvidenceAppendix, error) {
	return e.collector.Collect(ctx, entity, period)
}

// VerifyActionChain recomputes the audit chain for one action.
func (e *Engine) VerifyActionChain(ctx context.Context, actionID string) (*ledger.VerifyResult, error) {
	result, err := ledger.Verify(ctx, e.chains, actionID)
	if err != nil {
		return nil, err
	}
	if result.Entries == 0 {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound, "no audit chain for action", nil).
			WithDetail("action_id", actionID)
	}
	return result, nil
}

// VerifyLedger recomputes every chain in the ledger.
func (e *Engine) VerifyLedger(ctx context.Context) ([]*ledger.VerifyResult, error) {
	targets, err := e.chains.Targets(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*ledger.VerifyResult, 0, len(targets))
	for _, target := range targets {
		result, err := ledger.Verify(ctx, e.chains, target)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// GetAction returns one action by id.
func (e *Engine) GetAction(ctx context.Context, actionID string) (*contracts.Action, error) {
	return e.store.GetAction(ctx, actionID)
}

// ListActions returns actions matching the filter.
func (e *Engine) ListActions(ctx context.Context, f actionstore.Filter) ([]contracts.Action, error) {
	return e.store.ListActions(ctx, f)
}

// ActionEvents returns the action's audit chain in sequence order.
func (e *Engine) ActionEvents(ctx context.Context, actionID string) ([]contracts.AuditEvent, error) {
	return e.chains.Events(ctx, actionID)
}

// ActionRuns returns the action's execution attempts in attempt order.
func (e *Engine) ActionRuns(ctx context.Context, actionID string) ([]contracts.ActionRun, error) {
	return e.store.RunsForAction(ctx, actionID)
}
