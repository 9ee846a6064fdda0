// Package dispatch executes approved actions. Each action type registers a
// definition binding its proposal schema, cross-field checks, and tool
// adapter; the dispatcher serializes execution per action, bounds the tool
// call with a timeout, sanitizes the trace, and finalizes the run.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/schema"
)

// Invocation is what a tool adapter receives: immutable snapshots of the
// action and its started run, plus the decoded proposal payload.
type Invocation struct {
	Action  *contracts.Action
	Run     *contracts.ActionRun
	Payload map[string]interface{}
}

// Result is what a successful tool invocation returns.
type Result struct {
	Artifacts []contracts.ArtifactRef
	Trace     []contracts.TraceStep

	// Reused marks that the adapter found equivalent prior output and
	// returned it instead of performing the side effect again.
	Reused bool

	// Ingestion carries pipeline metrics for knowledge-ingestion tools.
	Ingestion *contracts.IngestionProgress
}

// ToolAdapter performs the side effect behind one action type.
//
// Adapters must be idempotent at the business level: before acting, check
// whether equivalent output already exists for this action and period (or
// ingestion source) and return it with Reused set instead of recreating it.
// Replayed executions must never double-produce billable or externally
// visible artifacts.
type ToolAdapter interface {
	Name() string
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// Definition binds everything one action type needs: the proposal schema
// with its cross-field checks, the tool adapter, the budget category the
// action spends from, and the default evidence eligibility.
type Definition struct {
	Type            string
	Schema          string
	CrossChecks     []schema.CrossCheck
	Adapter         ToolAdapter
	Category        string
	EvidenceDefault bool

	// PeriodField names the payload field carrying the evidence period,
	// when the schema defines one. Empty means the period derives from
	// the proposal time.
	PeriodField string
}

// Registry maps action types to their definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering a type twice replaces it.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Type == "" {
		return fmt.Errorf("definition requires an action type")
	}
	if def.Schema == "" {
		return fmt.Errorf("definition for %q requires a proposal schema", def.Type)
	}
	if def.Adapter == nil {
		return fmt.Errorf("definition for %q requires a tool adapter", def.Type)
	}
	if def.Category == "" {
		return fmt.Errorf("definition for %q requires a budget category", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for an action type.
func (r *Registry) Lookup(actionType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[actionType]
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation,
			fmt.Sprintf("unknown action type %q", actionType), nil).
			WithDetail("action_type", actionType)
	}
	return def, nil
}

// Types lists registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BindSchemas registers every definition's schema and cross-checks with the
// proposal validator.
func (r *Registry) BindSchemas(validator *schema.Registry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs {
		if err := validator.Register(def.Type, def.Schema, def.CrossChecks...); err != nil {
			return fmt.Errorf("bind schema for %s: %w", def.Type, err)
		}
	}
	return nil
}
