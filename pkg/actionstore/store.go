// Package actionstore persists Action and ActionRun records. Lifecycle
// transitions are compare-and-swap updates on the action's version counter:
// two writers racing on the same action cannot both succeed, which is what
// makes concurrent approval attempts and sweep/decision races safe.
package actionstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// Filter narrows action listings. Zero fields match everything.
type Filter struct {
	Entity string
	Period string
	Type   string
	Status contracts.ActionStatus

	// EvidenceOnly keeps only evidence-eligible actions.
	EvidenceOnly bool

	// ExpiresBefore matches actions whose approval deadline is at or
	// before the given instant. Used by the expiry sweep together with
	// Status awaiting_approval.
	ExpiresBefore *time.Time
}

func (f Filter) matches(a *contracts.Action) bool {
	if f.Entity != "" && a.Entity != f.Entity {
		return false
	}
	if f.Period != "" && a.Period != f.Period {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.EvidenceOnly && !a.EvidenceEligible {
		return false
	}
	if f.ExpiresBefore != nil {
		if a.ExpiresAt == nil || a.ExpiresAt.After(*f.ExpiresBefore) {
			return false
		}
	}
	return true
}

// Store persists actions and their runs.
type Store interface {
	CreateAction(ctx context.Context, a *contracts.Action) error
	GetAction(ctx context.Context, id string) (*contracts.Action, error)

	// UpdateAction replaces the record if the stored version still equals
	// expectedVersion, then increments the version. A mismatch returns a
	// state-conflict error and writes nothing.
	UpdateAction(ctx context.Context, a *contracts.Action, expectedVersion int64) error

	ListActions(ctx context.Context, f Filter) ([]contracts.Action, error)

	CreateRun(ctx context.Context, r *contracts.ActionRun) error
	GetRun(ctx context.Context, id string) (*contracts.ActionRun, error)
	UpdateRun(ctx context.Context, r *contracts.ActionRun) error
	RunsForAction(ctx context.Context, actionID string) ([]contracts.ActionRun, error)
}

// MemoryStore keeps records in process. Reads return copies so callers can
// never mutate stored state in place.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*contracts.Action
	runs    map[string]*contracts.ActionRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*contracts.Action),
		runs:    make(map[string]*contracts.ActionRun),
	}
}

func (m *MemoryStore) CreateAction(_ context.Context, a *contracts.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actions[a.ID]; exists {
		return contracts.NewDomainError(contracts.ErrorTypeConflict, "action already exists", nil).
			WithDetail("action_id", a.ID)
	}
	cp := cloneAction(a)
	cp.Version = 1
	m.actions[a.ID] = cp
	a.Version = 1
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, id string) (*contracts.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound, "action not found", nil).
			WithDetail("action_id", id)
	}
	return cloneAction(a), nil
}

func (m *MemoryStore) UpdateAction(_ context.Context, a *contracts.Action, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.actions[a.ID]
	if !ok {
		return contracts.NewDomainError(contracts.ErrorTypeNotFound, "action not found", nil).
			WithDetail("action_id", a.ID)
	}
	if stored.Version != expectedVersion {
		return contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"action was modified concurrently", nil).
			WithDetail("action_id", a.ID).
			WithDetail("expected_version", expectedVersion).
			WithDetail("stored_version", stored.Version)
	}
	cp := cloneAction(a)
	cp.Version = expectedVersion + 1
	m.actions[a.ID] = cp
	a.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListActions(_ context.Context, f Filter) ([]contracts.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Action, 0)
	for _, a := range m.actions {
		if f.matches(a) {
			out = append(out, *cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].ProposedAt.Before(out[j].ProposedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, r *contracts.ActionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return contracts.NewDomainError(contracts.ErrorTypeConflict, "run already exists", nil).
			WithDetail("run_id", r.ID)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*contracts.ActionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound, "action run not found", nil).
			WithDetail("run_id", id)
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r *contracts.ActionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[r.ID]
	if !ok {
		return contracts.NewDomainError(contracts.ErrorTypeNotFound, "action run not found", nil).
			WithDetail("run_id", r.ID)
	}
	if stored.Finalized() {
		return contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"run already finalized", nil).WithDetail("run_id", r.ID)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) RunsForAction(_ context.Context, actionID string) ([]contracts.ActionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ActionRun, 0)
	for _, r := range m.runs {
		if r.ActionID == actionID {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func cloneAction(a *contracts.Action) *contracts.Action {
	cp := *a
	cp.Payload = append([]byte(nil), a.Payload...)
	cp.ApproverRoles = append([]string(nil), a.ApproverRoles...)
	if a.Decision != nil {
		d := *a.Decision
		d.Checks = append([]contracts.CheckResult(nil), a.Decision.Checks...)
		d.ApproverRoles = append([]string(nil), a.Decision.ApproverRoles...)
		cp.Decision = &d
	}
	if a.Approval != nil {
		ap := *a.Approval
		cp.Approval = &ap
	}
	cp.PolicyCheckedAt = cloneTime(a.PolicyCheckedAt)
	cp.ApprovedAt = cloneTime(a.ApprovedAt)
	cp.ExecutedAt = cloneTime(a.ExecutedAt)
	cp.ExpiresAt = cloneTime(a.ExpiresAt)
	return &cp
}

func cloneRun(r *contracts.ActionRun) *contracts.ActionRun {
	cp := *r
	cp.Trace = append([]contracts.TraceStep(nil), r.Trace...)
	cp.Artifacts = append([]contracts.ArtifactRef(nil), r.Artifacts...)
	if r.Ingestion != nil {
		ing := *r.Ingestion
		cp.Ingestion = &ing
	}
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
