// Package capability holds per-entity capability profiles: which action
// types an entity may run, which data classifications those actions may
// touch, and how risk tiers map to approval requirements. The policy engine
// consumes profiles read-only; profiles change through configuration, never
// through the lifecycle.
package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// Classification levels, least to most sensitive. A profile's
// MaxClassification admits every level at or below it.
var classificationRank = map[string]int{
	"public":       0,
	"internal":     1,
	"confidential": 2,
	"regulated":    3,
}

// ClassificationPermitted reports whether data classified as class may be
// handled under a ceiling of max. Unknown classifications never pass.
func ClassificationPermitted(class, max string) bool {
	c, okC := classificationRank[class]
	m, okM := classificationRank[max]
	return okC && okM && c <= m
}

// Profile declares what one entity's automation is allowed to do.
type Profile struct {
	Entity  string `yaml:"entity" json:"entity"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// ProposalsEnabled is the feature flag gating all new proposals for
	// the entity, independent of individual grants.
	ProposalsEnabled bool `yaml:"proposals_enabled" json:"proposals_enabled"`

	// MaxClassification is the most sensitive data class the entity's
	// actions may touch.
	MaxClassification string `yaml:"max_classification" json:"max_classification"`

	// Grants is the action-type allow-list. An action type with no grant
	// is denied outright.
	Grants []Grant `yaml:"grants" json:"grants"`

	// TierRules escalate the risk tier when a proposal matches a CEL
	// expression. Evaluated in order; the highest matching tier wins.
	TierRules []TierRule `yaml:"tier_rules,omitempty" json:"tier_rules,omitempty"`

	// BudgetLimits caps spend per action category and period.
	BudgetLimits map[string]int64 `yaml:"budget_limits,omitempty" json:"budget_limits,omitempty"`
}

// Grant allows one action type, with its baseline risk and approval shape.
type Grant struct {
	ActionType string `yaml:"action_type" json:"action_type"`

	// BaseTier is the risk tier before escalation rules run.
	BaseTier contracts.RiskTier `yaml:"base_tier" json:"base_tier"`

	// AutoApprove permits the low tier to skip the human gate.
	AutoApprove bool `yaml:"auto_approve" json:"auto_approve"`

	// ApproverRoles may decide this action type when approval is
	// required. Empty means any authenticated human reviewer.
	ApproverRoles []string `yaml:"approver_roles,omitempty" json:"approver_roles,omitempty"`

	// Category names the budget bucket this action type draws from.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// TierRule raises the risk tier when its expression matches the proposal.
type TierRule struct {
	Name       string             `yaml:"name" json:"name"`
	Expression string             `yaml:"expression" json:"expression"`
	Tier       contracts.RiskTier `yaml:"tier" json:"tier"`
}

// FindGrant returns the grant for an action type, if any.
func (p *Profile) FindGrant(actionType string) (*Grant, bool) {
	for i := range p.Grants {
		if p.Grants[i].ActionType == actionType {
			return &p.Grants[i], true
		}
	}
	return nil, false
}

// Store resolves the capability profile for an entity.
type Store interface {
	Profile(ctx context.Context, entity string) (*Profile, error)
}

// MemoryStore is an in-memory profile store for tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates a store holding the given profiles.
func NewMemoryStore(profiles ...*Profile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.Entity] = p
	}
	return s
}

// Put inserts or replaces a profile.
func (s *MemoryStore) Put(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Entity] = p
}

// Profile implements Store.
func (s *MemoryStore) Profile(_ context.Context, entity string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[entity]
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound,
			"capability profile not found", nil).WithDetail("entity", entity)
	}
	return p, nil
}

// All returns every profile, sorted by entity.
func (s *MemoryStore) All() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}
