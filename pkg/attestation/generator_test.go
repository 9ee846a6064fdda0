package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/ledger"
)

func testAction() *contracts.Action {
	return &contracts.Action{
		ID:               "act-001",
		Type:             "report.generate",
		Entity:           "acme",
		Period:           "2026-01",
		PayloadHash:      "abc123",
		DecisionHash:     "def456",
		Status:           contracts.StatusExecuting,
		EvidenceEligible: true,
	}
}

func testRun() *contracts.ActionRun {
	return &contracts.ActionRun{
		ID:        "run-001",
		ActionID:  "act-001",
		Entity:    "acme",
		Type:      "report.generate",
		Attempt:   1,
		Status:    contracts.RunStarted,
		StartedAt: time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC),
		Artifacts: []contracts.ArtifactRef{
			{Kind: "report", Key: "reports/acme/2026-01.pdf", Hash: "sha256:r", Size: 2048},
		},
		Trace: []contracts.TraceStep{
			{Step: "render", Detail: json.RawMessage(`{"pages":3}`), At: time.Date(2026, 2, 3, 9, 0, 1, 0, time.UTC)},
		},
	}
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, []byte("veract-test-master-seed-32bytes!"))
	provider, err := NewMemoryKeyProviderFromSeed(seed)
	require.NoError(t, err)
	return NewKeyring(provider)
}

func testGenerator(t *testing.T) (*Generator, *blob.MemoryStore, *ledger.MemoryStore) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	chains := ledger.NewMemoryStore()
	gen := NewGenerator(blobs, chains, testKeyring(t), nil).
		WithClock(func() time.Time { return time.Date(2026, 2, 3, 9, 0, 5, 0, time.UTC) })
	return gen, blobs, chains
}

func TestAttestStoresVerifiableDocument(t *testing.T) {
	gen, blobs, chains := testGenerator(t)
	ctx := context.Background()

	_, err := chains.Append(ctx, &contracts.AuditEvent{
		Target: "act-001",
		Type:   contracts.EventProposed,
		Actor:  contracts.Identity{ID: "user-1", Kind: "human"},
		Data:   json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)

	doc, err := gen.Attest(ctx, testAction(), testRun())
	require.NoError(t, err)

	assert.Equal(t, contracts.AttestationSchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "entities/acme/2026/02/report.generate/run-001.json", doc.StoragePath)
	assert.Equal(t, "abc123", doc.PayloadHash)
	assert.NotEmpty(t, doc.ChainHead)
	assert.NotEqual(t, ledger.GenesisHash, doc.ChainHead)
	assert.True(t, doc.EvidenceEligible)
	assert.NotEmpty(t, doc.SelfHash)
	assert.NotEmpty(t, doc.Signature)
	assert.Equal(t, SigAlgEd25519, doc.SigAlg)

	ok, err := blobs.Exists(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, Verify(doc))
}

func TestAttestUnsignedWithoutKeyring(t *testing.T) {
	blobs := blob.NewMemoryStore()
	gen := NewGenerator(blobs, ledger.NewMemoryStore(), nil, nil)

	doc, err := gen.Attest(context.Background(), testAction(), testRun())
	require.NoError(t, err)

	assert.Empty(t, doc.Signature)
	assert.Empty(t, doc.PublicKey)
	assert.NotEmpty(t, doc.SelfHash)
	require.NoError(t, Verify(doc))
}

func TestLoadRoundTrip(t *testing.T) {
	gen, _, _ := testGenerator(t)
	ctx := context.Background()

	doc, err := gen.Attest(ctx, testAction(), testRun())
	require.NoError(t, err)

	loaded, err := gen.Load(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, doc.SelfHash, loaded.SelfHash)
	assert.Equal(t, doc.Signature, loaded.Signature)
	assert.Equal(t, doc.RunID, loaded.RunID)
}

func TestVerifyDetectsTamper(t *testing.T) {
	gen, _, _ := testGenerator(t)

	doc, err := gen.Attest(context.Background(), testAction(), testRun())
	require.NoError(t, err)

	tampered := *doc
	tampered.PayloadHash = "tampered"
	err = Verify(&tampered)
	assert.True(t, errors.Is(err, ErrSelfHashMismatch))
}

func TestVerifyDetectsBadSignature(t *testing.T) {
	gen, _, _ := testGenerator(t)

	doc, err := gen.Attest(context.Background(), testAction(), testRun())
	require.NoError(t, err)

	// Recompute the self-hash after swapping the public key, so only the
	// signature check can catch the substitution.
	other, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	forged := *doc
	forged.PublicKey = hex.EncodeToString(other.PublicKey())
	forged.SelfHash, err = SelfHashOf(&forged)
	require.NoError(t, err)

	err = Verify(&forged)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestVerifyRejectsIncompatibleSchema(t *testing.T) {
	gen, _, _ := testGenerator(t)

	doc, err := gen.Attest(context.Background(), testAction(), testRun())
	require.NoError(t, err)

	future := *doc
	future.SchemaVersion = "2.0.0"
	err = Verify(&future)
	assert.True(t, errors.Is(err, ErrSchemaIncompatible))

	garbage := *doc
	garbage.SchemaVersion = "not-a-version"
	err = Verify(&garbage)
	assert.True(t, errors.Is(err, ErrSchemaIncompatible))
}

func TestSelfHashStableAcrossRoundTrip(t *testing.T) {
	gen, blobs, _ := testGenerator(t)
	ctx := context.Background()

	doc, err := gen.Attest(ctx, testAction(), testRun())
	require.NoError(t, err)

	raw, err := blobs.Get(ctx, doc.StoragePath)
	require.NoError(t, err)

	var reloaded contracts.AttestationDocument
	require.NoError(t, json.Unmarshal(raw, &reloaded))

	recomputed, err := SelfHashOf(&reloaded)
	require.NoError(t, err)
	assert.Equal(t, doc.SelfHash, recomputed,
		"self-hash must survive a store/load round trip")
}

func TestDeriveForEntityDeterministic(t *testing.T) {
	kr := testKeyring(t)

	a1, err := kr.DeriveForEntity("acme")
	require.NoError(t, err)
	a2, err := kr.DeriveForEntity("acme")
	require.NoError(t, err)
	b, err := kr.DeriveForEntity("globex")
	require.NoError(t, err)

	assert.Equal(t, a1.PublicKey(), a2.PublicKey(), "same entity derives the same key")
	assert.NotEqual(t, a1.PublicKey(), b.PublicKey(), "entities derive distinct keys")

	_, err = kr.DeriveForEntity("")
	assert.Error(t, err)
}

func TestStoragePathLayout(t *testing.T) {
	at := time.Date(2026, 11, 30, 23, 59, 59, 0, time.UTC)
	assert.Equal(t,
		"entities/acme/2026/11/knowledge.ingest/run-9.json",
		StoragePath("acme", at, "knowledge.ingest", "run-9"))
}
