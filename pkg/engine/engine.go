// Package engine composes the action lifecycle: proposal intake, policy
// checks, approval gates, execution, attestation, and evidence collection.
// Every status change runs inside a per-action critical section and follows
// write-ahead ordering: the audit event is appended to the ledger first,
// then the action record is updated with compare-and-swap.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/approval"
	"github.com/stewardlabs/veract/pkg/budget"
	"github.com/stewardlabs/veract/pkg/capability"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/evidence"
	"github.com/stewardlabs/veract/pkg/ledger"
	"github.com/stewardlabs/veract/pkg/lock"
	"github.com/stewardlabs/veract/pkg/policy"
	"github.com/stewardlabs/veract/pkg/schema"
)

// Metrics receives lifecycle counters. A nil Metrics disables
// instrumentation; implementations must be safe for concurrent use.
type Metrics interface {
	Proposal(entity, actionType string, verdict contracts.Verdict)
	Decision(actionType, outcome string)
	Execution(actionType string, status contracts.RunStatus, reused bool)
	Attestation(entity string)
}

// Config wires an Engine. Store, Ledger, Schemas, Registry, Policy,
// Profiles, and Budgets are required; the rest have working defaults.
type Config struct {
	Store    actionstore.Store
	Ledger   ledger.Store
	Schemas  *schema.Registry
	Registry *dispatch.Registry
	Policy   *policy.Engine
	Profiles capability.Store
	Budgets  budget.Store

	// Locker serializes execution per action across processes. Defaults
	// to the in-process locker.
	Locker lock.Locker

	// Attestor produces the proof document for each successful run. A
	// nil attestor is refused: executed actions without attestations
	// have no evidence value.
	Attestor dispatch.Attestor

	// ApprovalTTL bounds how long an action may wait for a human
	// decision. Defaults to 72h.
	ApprovalTTL time.Duration

	// DispatchTimeout bounds one tool invocation. Defaults to 2m.
	DispatchTimeout time.Duration

	Metrics Metrics
	Logger  *zap.Logger
}

// Engine is the lifecycle facade. It implements dispatch.Lifecycle so the
// dispatcher's transitions flow through the same write-ahead path as every
// other status change.
type Engine struct {
	store    actionstore.Store
	chains   ledger.Store
	schemas  *schema.Registry
	registry *dispatch.Registry
	policy   *policy.Engine
	profiles capability.Store
	budgets  budget.Store

	coordinator *approval.Coordinator
	dispatcher  *dispatch.Dispatcher
	collector   *evidence.Collector

	keys    *keyedMutex
	metrics Metrics
	clock   func() time.Time
	logger  *zap.Logger
}

// New validates the configuration, binds every registered action type's
// schema into the validator, and wires the dispatcher with the engine
// itself as its lifecycle.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("engine requires an action store")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("engine requires an audit ledger")
	case cfg.Schemas == nil:
		return nil, fmt.Errorf("engine requires a schema registry")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("engine requires an action-type registry")
	case cfg.Policy == nil:
		return nil, fmt.Errorf("engine requires a policy engine")
	case cfg.Profiles == nil:
		return nil, fmt.Errorf("engine requires a capability profile store")
	case cfg.Budgets == nil:
		return nil, fmt.Errorf("engine requires a budget store")
	case cfg.Attestor == nil:
		return nil, fmt.Errorf("engine requires an attestor")
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocalLocker()
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 72 * time.Hour
	}

	if err := cfg.Registry.BindSchemas(cfg.Schemas); err != nil {
		return nil, err
	}

	e := &Engine{
		store:       cfg.Store,
		chains:      cfg.Ledger,
		schemas:     cfg.Schemas,
		registry:    cfg.Registry,
		policy:      cfg.Policy,
		profiles:    cfg.Profiles,
		budgets:     cfg.Budgets,
		coordinator: approval.NewCoordinator(cfg.ApprovalTTL),
		collector:   evidence.NewCollector(cfg.Store, cfg.Ledger, cfg.Logger),
		keys:        newKeyedMutex(),
		metrics:     cfg.Metrics,
		clock:       time.Now,
		logger:      cfg.Logger,
	}
	e.dispatcher = dispatch.NewDispatcher(cfg.Registry, cfg.Store, e, cfg.Locker, cfg.Attestor, cfg.DispatchTimeout, cfg.Logger)
	return e, nil
}

// WithClock overrides every internal clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.coordinator.WithClock(clock)
	e.dispatcher.WithClock(clock)
	e.collector.WithClock(clock)
	return e
}

// append seals one audit event onto the action's chain. A nil data payload
// hashes as the empty object.
func (e *Engine) append(ctx context.Context, actionID string, event contracts.AuditEventType, actor contracts.Identity, data interface{}) (*contracts.AuditEvent, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, contracts.NewDomainError(contracts.ErrorTypeInternal, "audit payload marshal failed", err)
		}
		raw = b
	}
	return e.chains.Append(ctx, &contracts.AuditEvent{
		Target: actionID,
		Type:   event,
		Actor:  actor,
		Data:   raw,
	})
}

// applyLocked commits one lifecycle transition for an action already held
// under its critical section: validate the move, append the audit event,
// mutate, stamp timestamps, compare-and-swap. The caller's mutate hook runs
// before the store write so decision and approval fields commit atomically
// with the status.
func (e *Engine) applyLocked(ctx context.Context, action *contracts.Action, to contracts.ActionStatus, event contracts.AuditEventType, actor contracts.Identity, data interface{}, mutate func(*contracts.Action)) error {
	if !contracts.CanTransition(action.Status, to) {
		return contracts.StateConflict(action.Status, to).WithDetail("action_id", action.ID)
	}

	sealed, err := e.append(ctx, action.ID, event, actor, data)
	if err != nil {
		return err
	}

	from := action.Status
	action.Status = to
	e.stamp(action, to)
	if mutate != nil {
		mutate(action)
	}

	if err := e.store.UpdateAction(ctx, action, action.Version); err != nil {
		// The event is already sealed; an orphaned audit entry is
		// detectable, a silent state change would not be.
		e.logger.Error("action update failed after audit append",
			zap.String("action_id", action.ID),
			zap.String("event_id", sealed.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return err
	}

	e.logger.Info("action transitioned",
		zap.String("action_id", action.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(event)),
	)
	return nil
}

// stamp sets the status-specific timestamp.
func (e *Engine) stamp(action *contracts.Action, to contracts.ActionStatus) {
	now := e.clock().UTC()
	switch to {
	case contracts.StatusPolicyChecked:
		action.PolicyCheckedAt = &now
	case contracts.StatusApproved:
		action.ApprovedAt = &now
	case contracts.StatusExecuted:
		action.ExecutedAt = &now
	}
}

// Transition implements dispatch.Lifecycle: fetch under the action's
// critical section, append the event, apply the status.
func (e *Engine) Transition(ctx context.Context, actionID string, to contracts.ActionStatus, event contracts.AuditEventType, actor contracts.Identity, data interface{}) (*contracts.Action, error) {
	unlock := e.keys.lock(actionID)
	defer unlock()

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := e.applyLocked(ctx, action, to, event, actor, data, nil); err != nil {
		return nil, err
	}
	return action, nil
}

// Record implements dispatch.Lifecycle: append an audit event without a
// status change.
func (e *Engine) Record(ctx context.Context, actionID string, event contracts.AuditEventType, actor contracts.Identity, data interface{}) error {
	_, err := e.append(ctx, actionID, event, actor, data)
	return err
}

// keyedMutex serializes work per action id. Entries are reference-counted
// and removed when idle, so the table stays proportional to in-flight work.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
