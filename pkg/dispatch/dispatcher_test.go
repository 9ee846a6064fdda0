package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/lock"
)

// fakeLifecycle applies transitions against the store and records every
// audit event type in order.
type fakeLifecycle struct {
	store actionstore.Store

	mu     sync.Mutex
	events []contracts.AuditEventType
}

func (f *fakeLifecycle) Transition(ctx context.Context, actionID string, to contracts.ActionStatus, event contracts.AuditEventType, _ contracts.Identity, _ interface{}) (*contracts.Action, error) {
	a, err := f.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !contracts.CanTransition(a.Status, to) {
		return nil, contracts.StateConflict(a.Status, to)
	}
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	a.Status = to
	if err := f.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}
	return a, nil
}

func (f *fakeLifecycle) Record(_ context.Context, _ string, event contracts.AuditEventType, _ contracts.Identity, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeLifecycle) recorded() []contracts.AuditEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contracts.AuditEventType(nil), f.events...)
}

type fakeAttestor struct {
	err   error
	count int
}

func (f *fakeAttestor) Attest(_ context.Context, action *contracts.Action, run *contracts.ActionRun) (*contracts.AttestationDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.count++
	return &contracts.AttestationDocument{
		SchemaVersion: contracts.AttestationSchemaVersion,
		ActionID:      action.ID,
		RunID:         run.ID,
		SelfHash:      "sha256:attestation",
		StoragePath:   fmt.Sprintf("entities/%s/2026/01/%s/%s.json", action.Entity, action.Type, run.ID),
	}, nil
}

type stubAdapter struct {
	name   string
	invoke func(ctx context.Context, inv *Invocation) (*Result, error)
}

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return s.invoke(ctx, inv)
}

const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "period": {"type": "string"},
    "report_kind": {"type": "string"}
  },
  "required": ["period"]
}`

func testHarness(t *testing.T, adapter ToolAdapter, attestor Attestor, timeout time.Duration) (*Dispatcher, *actionstore.MemoryStore, *fakeLifecycle) {
	t.Helper()
	store := actionstore.NewMemoryStore()
	lc := &fakeLifecycle{store: store}
	reg := NewRegistry()
	err := reg.Register(&Definition{
		Type:            "report.generate",
		Schema:          reportSchema,
		Adapter:         adapter,
		Category:        "reporting",
		EvidenceDefault: true,
		PeriodField:     "period",
	})
	require.NoError(t, err)

	d := NewDispatcher(reg, store, lc, lock.NewLocalLocker(), attestor, timeout, nil)
	return d, store, lc
}

func seedApproved(t *testing.T, store *actionstore.MemoryStore, id string) {
	t.Helper()
	err := store.CreateAction(context.Background(), &contracts.Action{
		ID:      id,
		Type:    "report.generate",
		Entity:  "acme",
		Payload: json.RawMessage(`{"period":"2026-01","report_kind":"usage"}`),
		Period:  "2026-01",
		Status:  contracts.StatusApproved,
	})
	require.NoError(t, err)
}

func TestExecuteSuccess(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, inv *Invocation) (*Result, error) {
		return &Result{
			Artifacts: []contracts.ArtifactRef{{Kind: "report", Key: "reports/acme/2026-01.pdf", Hash: "sha256:r"}},
			Trace:     []contracts.TraceStep{{Step: "render", Detail: json.RawMessage(`{"pages":3}`)}},
		}, nil
	}}
	att := &fakeAttestor{}
	d, store, lc := testHarness(t, adapter, att, 0)
	seedApproved(t, store, "act-1")

	run, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc", Kind: "system"})
	require.NoError(t, err)

	assert.Equal(t, contracts.RunSuccess, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, "sha256:attestation", run.AttestationHash)
	assert.NotEmpty(t, run.AttestationPath)
	assert.NotNil(t, run.CompletedAt)
	assert.Len(t, run.Artifacts, 1)
	assert.Equal(t, 1, att.count)

	action, err := store.GetAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, action.Status)

	assert.Equal(t, []contracts.AuditEventType{
		contracts.EventRunStarted,
		contracts.EventExecutionStarted,
		contracts.EventExecuted,
		contracts.EventAttestationStored,
	}, lc.recorded())
}

func TestExecuteRequiresApprovedStatus(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, _ *Invocation) (*Result, error) {
		t.Fatal("adapter must not run")
		return nil, nil
	}}
	d, store, lc := testHarness(t, adapter, &fakeAttestor{}, 0)

	err := store.CreateAction(context.Background(), &contracts.Action{
		ID:      "act-waiting",
		Type:    "report.generate",
		Entity:  "acme",
		Payload: json.RawMessage(`{"period":"2026-01"}`),
		Status:  contracts.StatusAwaitingApproval,
	})
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), "act-waiting", contracts.Identity{ID: "svc"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrStateConflict))

	// No run and no audit events were produced.
	runs, err := store.RunsForAction(context.Background(), "act-waiting")
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, lc.recorded())
}

func TestExecuteToolFailure(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, _ *Invocation) (*Result, error) {
		return nil, errors.New("render exploded: api_key=supersecret99")
	}}
	d, store, lc := testHarness(t, adapter, &fakeAttestor{}, 0)
	seedApproved(t, store, "act-1")

	run, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.Error(t, err)

	var de *contracts.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, contracts.ErrorTypeExecutionFailed, de.Type)

	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Contains(t, run.Error, "render exploded")
	assert.NotContains(t, run.Error, "supersecret99", "stored error must be redacted")
	assert.NotNil(t, run.CompletedAt)

	action, err := store.GetAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, action.Status)

	events := lc.recorded()
	assert.Equal(t, contracts.EventExecutionFailed, events[len(events)-1])
}

func TestExecuteTimeoutFailsRun(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(ctx context.Context, _ *Invocation) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d, store, _ := testHarness(t, adapter, &fakeAttestor{}, 30*time.Millisecond)
	seedApproved(t, store, "act-1")

	run, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.Error(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Contains(t, run.Error, "exceeded")

	action, err := store.GetAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, action.Status)
}

func TestExecuteRetryReusesArtifacts(t *testing.T) {
	// The adapter performs its side effect, then the first attempt dies
	// before finalizing. The retry must find the existing output and
	// return it instead of producing a second artifact.
	var sideEffects int
	var outputs []contracts.ArtifactRef

	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, inv *Invocation) (*Result, error) {
		if len(outputs) > 0 {
			return &Result{Artifacts: outputs, Reused: true}, nil
		}
		sideEffects++
		outputs = []contracts.ArtifactRef{{Kind: "report", Key: "reports/acme/2026-01.pdf", Hash: "sha256:r"}}
		return nil, errors.New("connection dropped after write")
	}}
	d, store, _ := testHarness(t, adapter, &fakeAttestor{}, 0)
	seedApproved(t, store, "act-1")

	_, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.Error(t, err)

	run2, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.NoError(t, err)

	assert.Equal(t, 2, run2.Attempt)
	assert.True(t, run2.Reused)
	assert.Equal(t, outputs, run2.Artifacts)
	assert.Equal(t, 1, sideEffects, "side effect must run exactly once")

	action, err := store.GetAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, action.Status)

	runs, err := store.RunsForAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestExecuteLockHeld(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, _ *Invocation) (*Result, error) {
		return &Result{}, nil
	}}
	store := actionstore.NewMemoryStore()
	lc := &fakeLifecycle{store: store}
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Definition{
		Type: "report.generate", Schema: reportSchema, Adapter: adapter, Category: "reporting",
	}))
	locker := lock.NewLocalLocker()
	d := NewDispatcher(reg, store, lc, locker, &fakeAttestor{}, 0, nil)
	seedApproved(t, store, "act-1")

	release, err := locker.Acquire(context.Background(), "act-1")
	require.NoError(t, err)
	defer release()

	_, err = d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrStateConflict))

	runs, err := store.RunsForAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecuteAttestationFailure(t *testing.T) {
	adapter := stubAdapter{name: "report", invoke: func(_ context.Context, _ *Invocation) (*Result, error) {
		return &Result{
			Artifacts: []contracts.ArtifactRef{{Kind: "report", Key: "k", Hash: "h"}},
		}, nil
	}}
	d, store, _ := testHarness(t, adapter, &fakeAttestor{err: errors.New("blob store down")}, 0)
	seedApproved(t, store, "act-1")

	run, err := d.Execute(context.Background(), "act-1", contracts.Identity{ID: "svc"})
	require.Error(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Empty(t, run.Artifacts, "unattested artifacts must not be referenced as valid")
	assert.Contains(t, run.Error, "attestation")

	action, err := store.GetAction(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, action.Status)
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&Definition{Type: "x", Schema: reportSchema, Category: "c"})
	assert.Error(t, err, "missing adapter")

	err = reg.Register(&Definition{Type: "", Schema: reportSchema, Adapter: stubAdapter{}, Category: "c"})
	assert.Error(t, err, "missing type")

	_, err = reg.Lookup("nope")
	assert.Error(t, err)

	require.NoError(t, reg.Register(&Definition{
		Type: "a.b", Schema: reportSchema, Adapter: stubAdapter{name: "a"}, Category: "c",
	}))
	assert.Equal(t, []string{"a.b"}, reg.Types())
}
