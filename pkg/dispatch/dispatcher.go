package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/lock"
)

// DefaultTimeout bounds one tool invocation so a hung tool becomes a failed
// run instead of a stuck action holding its execution lock.
const DefaultTimeout = 2 * time.Minute

// Lifecycle applies audited lifecycle transitions. The audit event is
// appended before the state change lands; the dispatcher never writes
// action records directly.
type Lifecycle interface {
	// Transition moves the action to the next status and returns the
	// updated record. An illegal move is a state-conflict error.
	Transition(ctx context.Context, actionID string, to contracts.ActionStatus, event contracts.AuditEventType, actor contracts.Identity, data interface{}) (*contracts.Action, error)

	// Record appends an audit event without a status change.
	Record(ctx context.Context, actionID string, event contracts.AuditEventType, actor contracts.Identity, data interface{}) error
}

// Attestor produces and stores the attestation document for a successful
// run. The run carries its sanitized trace and artifacts when Attest runs.
type Attestor interface {
	Attest(ctx context.Context, action *contracts.Action, run *contracts.ActionRun) (*contracts.AttestationDocument, error)
}

// Dispatcher executes approved actions through their registered adapters.
type Dispatcher struct {
	registry  *Registry
	store     actionstore.Store
	lifecycle Lifecycle
	locker    lock.Locker
	attestor  Attestor
	timeout   time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewDispatcher wires a dispatcher. A zero timeout falls back to
// DefaultTimeout.
func NewDispatcher(registry *Registry, store actionstore.Store, lifecycle Lifecycle, locker lock.Locker, attestor Attestor, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		store:     store,
		lifecycle: lifecycle,
		locker:    locker,
		attestor:  attestor,
		timeout:   timeout,
		clock:     time.Now,
		logger:    logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Execute runs one execution attempt for an approved action. A failed
// action may be re-executed, which opens a new run with a higher attempt
// number; any other status is a state conflict. The execution lock is held
// for the whole attempt and released on every exit path.
func (d *Dispatcher) Execute(ctx context.Context, actionID string, requestedBy contracts.Identity) (*contracts.ActionRun, error) {
	release, err := d.locker.Acquire(ctx, actionID)
	if err != nil {
		return nil, err
	}
	defer release()

	action, err := d.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != contracts.StatusApproved && action.Status != contracts.StatusFailed {
		return nil, contracts.StateConflict(action.Status, contracts.StatusExecuting).
			WithDetail("action_id", actionID)
	}

	def, err := d.registry.Lookup(action.Type)
	if err != nil {
		return nil, err
	}

	prior, err := d.store.RunsForAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	now := d.clock().UTC()
	run := &contracts.ActionRun{
		ID:          uuid.New().String(),
		ActionID:    action.ID,
		Entity:      action.Entity,
		Type:        action.Type,
		Attempt:     len(prior) + 1,
		Status:      contracts.RunStarted,
		StartedAt:   now,
		RequestedBy: requestedBy,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := d.lifecycle.Record(ctx, actionID, contracts.EventRunStarted, requestedBy, map[string]interface{}{
		"run_id":  run.ID,
		"attempt": run.Attempt,
	}); err != nil {
		return nil, err
	}

	action, err = d.lifecycle.Transition(ctx, actionID, contracts.StatusExecuting, contracts.EventExecutionStarted, requestedBy, map[string]interface{}{
		"run_id": run.ID,
	})
	if err != nil {
		// Lost the state to an out-of-band writer after the run record
		// was created; close the run so nothing stays started.
		return d.fail(ctx, actionID, run, requestedBy, fmt.Errorf("lifecycle transition: %w", err))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return d.fail(ctx, actionID, run, requestedBy, fmt.Errorf("decode proposal payload: %w", err))
	}

	d.logger.Info("dispatching tool",
		zap.String("action_id", action.ID),
		zap.String("action_type", action.Type),
		zap.String("run_id", run.ID),
		zap.Int("attempt", run.Attempt),
	)

	invCtx, cancel := context.WithTimeout(ctx, d.timeout)
	result, invokeErr := def.Adapter.Invoke(invCtx, &Invocation{Action: action, Run: run, Payload: payload})
	cancel()

	if invokeErr != nil {
		if invCtx.Err() == context.DeadlineExceeded {
			invokeErr = fmt.Errorf("tool invocation exceeded %s: %w", d.timeout, invokeErr)
		}
		return d.fail(ctx, actionID, run, requestedBy, invokeErr)
	}
	if result == nil {
		return d.fail(ctx, actionID, run, requestedBy, fmt.Errorf("adapter %s returned no result", def.Adapter.Name()))
	}

	run.Trace = SanitizeTrace(result.Trace)
	run.Artifacts = result.Artifacts
	run.Reused = result.Reused
	run.Ingestion = result.Ingestion

	doc, err := d.attestor.Attest(ctx, action, run)
	if err != nil {
		// Artifacts may exist in blob storage, but the run must not
		// reference them as valid without an attestation.
		run.Artifacts = nil
		return d.fail(ctx, actionID, run, requestedBy, fmt.Errorf("attestation: %w", err))
	}
	run.AttestationHash = doc.SelfHash
	run.AttestationPath = doc.StoragePath

	completed := d.clock().UTC()
	run.Status = contracts.RunSuccess
	run.CompletedAt = &completed
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	if _, err := d.lifecycle.Transition(ctx, actionID, contracts.StatusExecuted, contracts.EventExecuted, requestedBy, map[string]interface{}{
		"run_id": run.ID,
		"reused": run.Reused,
	}); err != nil {
		return nil, err
	}
	if err := d.lifecycle.Record(ctx, actionID, contracts.EventAttestationStored, contracts.SystemIdentity(), map[string]interface{}{
		"run_id":    run.ID,
		"self_hash": doc.SelfHash,
		"path":      doc.StoragePath,
	}); err != nil {
		return nil, err
	}

	d.logger.Info("execution succeeded",
		zap.String("action_id", action.ID),
		zap.String("run_id", run.ID),
		zap.Bool("reused", run.Reused),
	)
	return run, nil
}

// fail finalizes the run as failed, moves the action to failed, and records
// the audit event. The raw error text passes through secret redaction
// before it is stored.
func (d *Dispatcher) fail(ctx context.Context, actionID string, run *contracts.ActionRun, actor contracts.Identity, cause error) (*contracts.ActionRun, error) {
	completed := d.clock().UTC()
	run.Status = contracts.RunFailed
	run.Error = Redact(cause.Error())
	run.CompletedAt = &completed

	if err := d.store.UpdateRun(ctx, run); err != nil {
		d.logger.Error("failed to finalize run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if _, err := d.lifecycle.Transition(ctx, actionID, contracts.StatusFailed, contracts.EventExecutionFailed, actor, map[string]interface{}{
		"run_id": run.ID,
		"error":  run.Error,
	}); err != nil {
		d.logger.Error("failed to record execution failure", zap.String("action_id", actionID), zap.Error(err))
	}

	d.logger.Warn("execution failed",
		zap.String("action_id", actionID),
		zap.String("run_id", run.ID),
		zap.Error(cause),
	)
	return run, contracts.NewDomainError(contracts.ErrorTypeExecutionFailed, "tool invocation failed", cause).
		WithDetail("action_id", actionID).
		WithDetail("run_id", run.ID)
}
