package reportgen

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/schema"
)

// countingSource wraps a StaticSource and counts renders, to prove reuse
// short-circuits the side effect.
type countingSource struct {
	inner StaticSource
	calls int
}

func (c *countingSource) Lines(ctx context.Context, entity, period, kind string) ([]Line, error) {
	c.calls++
	return c.inner.Lines(ctx, entity, period, kind)
}

func invocation(payload map[string]interface{}) *dispatch.Invocation {
	return &dispatch.Invocation{
		Action: &contracts.Action{
			ID:     "act-1",
			Type:   ActionType,
			Entity: "acme",
			Status: contracts.StatusExecuting,
		},
		Run:     &contracts.ActionRun{ID: "run-1", ActionID: "act-1", Attempt: 1},
		Payload: payload,
	}
}

func TestInvokeRendersReport(t *testing.T) {
	blobs := blob.NewMemoryStore()
	source := StaticSource{
		"acme/2026-01/billing": {
			{Item: "api_calls", Quantity: 120000, Amount: 240.0, Currency: "USD"},
			{Item: "storage_gb", Quantity: 52, Amount: 13.0, Currency: "USD"},
		},
	}
	gen := New(blobs, source).WithClock(func() time.Time {
		return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	})

	result, err := gen.Invoke(context.Background(), invocation(map[string]interface{}{
		"period":      "2026-01",
		"report_kind": "billing",
		"parameters":  map[string]interface{}{"detail": "full"},
	}))
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 1)
	ref := result.Artifacts[0]
	assert.Equal(t, "report", ref.Kind)
	assert.Equal(t, "reports/acme/2026-01/billing.json", ref.Key)
	assert.False(t, result.Reused)

	raw, err := blobs.Get(context.Background(), ref.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), ref.Size)

	var doc struct {
		Entity string             `json:"entity"`
		Period string             `json:"period"`
		Kind   string             `json:"kind"`
		Lines  []Line             `json:"lines"`
		Totals map[string]float64 `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "acme", doc.Entity)
	assert.Equal(t, "2026-01", doc.Period)
	assert.Len(t, doc.Lines, 2)
	assert.InDelta(t, 253.0, doc.Totals["USD"], 0.001)

	steps := make([]string, 0, len(result.Trace))
	for _, s := range result.Trace {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"resolve_output", "render", "store"}, steps)
}

func TestInvokeReusesExistingReport(t *testing.T) {
	blobs := blob.NewMemoryStore()
	source := &countingSource{inner: StaticSource{
		"acme/2026-01/usage": {{Item: "seats", Quantity: 40, Amount: 400, Currency: "EUR"}},
	}}
	gen := New(blobs, source)
	payload := map[string]interface{}{"period": "2026-01", "report_kind": "usage"}

	first, err := gen.Invoke(context.Background(), invocation(payload))
	require.NoError(t, err)
	second, err := gen.Invoke(context.Background(), invocation(payload))
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, 1, source.calls, "reuse must not re-render")
	assert.Equal(t, first.Artifacts[0].Hash, second.Artifacts[0].Hash)
	assert.Equal(t, first.Artifacts[0].Key, second.Artifacts[0].Key)
	assert.Equal(t, 1, blobs.Len())

	steps := make([]string, 0, len(second.Trace))
	for _, s := range second.Trace {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"resolve_output", "reuse_artifacts"}, steps)
}

func TestInvokeNilSourceRendersEmptyReport(t *testing.T) {
	gen := New(blob.NewMemoryStore(), nil)

	result, err := gen.Invoke(context.Background(), invocation(map[string]interface{}{
		"period":      "2026-03",
		"report_kind": "compliance",
	}))
	require.NoError(t, err)
	assert.Len(t, result.Artifacts, 1)
}

func TestInvokeRejectsMissingFields(t *testing.T) {
	gen := New(blob.NewMemoryStore(), nil)

	_, err := gen.Invoke(context.Background(), invocation(map[string]interface{}{
		"report_kind": "billing",
	}))
	assert.Error(t, err)

	_, err = gen.Invoke(context.Background(), invocation(map[string]interface{}{
		"period": "2026-01",
	}))
	assert.Error(t, err)
}

func TestProposalSchemaDefaults(t *testing.T) {
	gen := New(blob.NewMemoryStore(), nil)
	def := gen.Definition()
	assert.Equal(t, ActionType, def.Type)
	assert.Equal(t, "reports", def.Category)
	assert.Equal(t, "period", def.PeriodField)
	assert.True(t, def.EvidenceDefault)

	registry := dispatch.NewRegistry()
	require.NoError(t, registry.Register(def))
	validator := schema.NewRegistry()
	require.NoError(t, registry.BindSchemas(validator))

	normalized, err := validator.Validate(ActionType, json.RawMessage(`{"period":"2026-01","report_kind":"billing"}`))
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(normalized, &payload))
	assert.Equal(t, true, payload["store_evidence"])
	assert.Equal(t, "internal", payload["classification"])

	_, err = validator.Validate(ActionType, json.RawMessage(`{"period":"2026-13","report_kind":"billing"}`))
	assert.Error(t, err, "month 13 must fail the period pattern")

	_, err = validator.Validate(ActionType, json.RawMessage(`{"period":"2026-01","report_kind":"audit"}`))
	assert.Error(t, err, "report_kind outside the enum must fail")
}
