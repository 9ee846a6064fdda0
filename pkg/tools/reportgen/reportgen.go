// Package reportgen is the tool adapter behind report.generate actions. It
// renders billing, usage, and compliance reports into the blob store. The
// report body is deterministic for a given entity, period, kind, and
// parameter set, and the output key is derived from those same inputs, so a
// replayed execution finds the prior artifact and reuses it instead of
// producing a second billable report.
package reportgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
)

// ActionType is the registry key for this adapter.
const ActionType = "report.generate"

// ProposalSchema validates report.generate proposals.
const ProposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "report.generate proposal",
  "type": "object",
  "properties": {
    "period": {
      "type": "string",
      "pattern": "^\\d{4}-(0[1-9]|1[0-2])$"
    },
    "report_kind": {
      "type": "string",
      "enum": ["billing", "usage", "compliance"]
    },
    "classification": {
      "type": "string",
      "enum": ["public", "internal", "confidential", "regulated"],
      "default": "internal"
    },
    "store_evidence": {
      "type": "boolean",
      "default": true
    },
    "parameters": {
      "type": "object",
      "default": {}
    }
  },
  "required": ["period", "report_kind"],
  "additionalProperties": false
}`

// Line is one row of a rendered report.
type Line struct {
	Item     string  `json:"item"`
	Quantity float64 `json:"quantity"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// Source supplies the report rows for an entity and period. Production
// deployments back this with the metering or billing system; the adapter
// only defines the boundary.
type Source interface {
	Lines(ctx context.Context, entity, period, kind string) ([]Line, error)
}

// StaticSource serves fixed rows keyed by entity/period/kind. Useful for
// tests and demo wiring.
type StaticSource map[string][]Line

func sourceKey(entity, period, kind string) string {
	return entity + "/" + period + "/" + kind
}

func (s StaticSource) Lines(_ context.Context, entity, period, kind string) ([]Line, error) {
	return s[sourceKey(entity, period, kind)], nil
}

// Generator renders reports into the blob store.
type Generator struct {
	blobs  blob.Store
	source Source
	clock  func() time.Time
}

// New wires a generator. A nil source renders reports with no rows.
func New(blobs blob.Store, source Source) *Generator {
	return &Generator{blobs: blobs, source: source, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Definition binds the adapter, its proposal schema, and its budget category.
func (g *Generator) Definition() *dispatch.Definition {
	return &dispatch.Definition{
		Type:            ActionType,
		Schema:          ProposalSchema,
		Adapter:         g,
		Category:        "reports",
		EvidenceDefault: true,
		PeriodField:     "period",
	}
}

func (g *Generator) Name() string { return "reportgen" }

// ArtifactKey is the deterministic output location for one report. The key
// doubles as the idempotency check: if it exists, the report was already
// rendered.
func ArtifactKey(entity, period, kind string) string {
	return fmt.Sprintf("reports/%s/%s/%s.json", entity, period, kind)
}

// reportDoc is the stored report body. Field set and ordering are fixed so
// the same inputs always produce the same bytes.
type reportDoc struct {
	Entity     string                 `json:"entity"`
	Period     string                 `json:"period"`
	Kind       string                 `json:"kind"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Lines      []Line                 `json:"lines"`
	Totals     map[string]float64     `json:"totals,omitempty"`
}

func (g *Generator) Invoke(ctx context.Context, inv *dispatch.Invocation) (*dispatch.Result, error) {
	period, _ := inv.Payload["period"].(string)
	kind, _ := inv.Payload["report_kind"].(string)
	if period == "" || kind == "" {
		return nil, fmt.Errorf("report proposal missing period or report_kind")
	}
	entity := inv.Action.Entity
	key := ArtifactKey(entity, period, kind)

	trace := []contracts.TraceStep{step("resolve_output", g.clock(), 0, map[string]interface{}{
		"key": key,
	})}

	existing, err := g.blobs.Get(ctx, key)
	if err == nil {
		trace = append(trace, step("reuse_artifacts", g.clock(), 0, map[string]interface{}{
			"key":  key,
			"size": len(existing),
		}))
		return &dispatch.Result{
			Artifacts: []contracts.ArtifactRef{artifactRef(key, existing)},
			Trace:     trace,
			Reused:    true,
		}, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("check existing report: %w", err)
	}

	renderStart := time.Now()
	var lines []Line
	if g.source != nil {
		lines, err = g.source.Lines(ctx, entity, period, kind)
		if err != nil {
			return nil, fmt.Errorf("report source: %w", err)
		}
	}
	if lines == nil {
		lines = []Line{}
	}

	doc := reportDoc{
		Entity:     entity,
		Period:     period,
		Kind:       kind,
		Parameters: objectField(inv.Payload, "parameters"),
		Lines:      lines,
		Totals:     totals(lines),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	trace = append(trace, step("render", g.clock(), time.Since(renderStart).Milliseconds(), map[string]interface{}{
		"kind":  kind,
		"lines": len(lines),
	}))

	storeStart := time.Now()
	if err := g.blobs.Store(ctx, key, raw, "application/json"); err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}
	trace = append(trace, step("store", g.clock(), time.Since(storeStart).Milliseconds(), map[string]interface{}{
		"key":  key,
		"size": len(raw),
	}))

	return &dispatch.Result{
		Artifacts: []contracts.ArtifactRef{artifactRef(key, raw)},
		Trace:     trace,
	}, nil
}

// totals sums line amounts per currency. Lines without a currency land
// under "unspecified".
func totals(lines []Line) map[string]float64 {
	if len(lines) == 0 {
		return nil
	}
	out := make(map[string]float64)
	for _, l := range lines {
		cur := l.Currency
		if cur == "" {
			cur = "unspecified"
		}
		out[cur] += l.Amount
	}
	return out
}

func artifactRef(key string, content []byte) contracts.ArtifactRef {
	sum := sha256.Sum256(content)
	return contracts.ArtifactRef{
		Kind: "report",
		Key:  key,
		Hash: "sha256:" + hex.EncodeToString(sum[:]),
		Size: int64(len(content)),
	}
}

func objectField(payload map[string]interface{}, key string) map[string]interface{} {
	obj, _ := payload[key].(map[string]interface{})
	if len(obj) == 0 {
		return nil
	}
	return obj
}

func step(name string, at time.Time, durationMs int64, detail map[string]interface{}) contracts.TraceStep {
	raw, _ := json.Marshal(detail)
	return contracts.TraceStep{
		Step:       name,
		Tool:       "reportgen",
		Detail:     raw,
		At:         at.UTC(),
		DurationMs: durationMs,
	}
}
