package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/schema"
)

func checksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// countingEmbedder proves reuse skips re-embedding.
type countingEmbedder struct {
	inner Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func ingestInvocation(payload map[string]interface{}) *dispatch.Invocation {
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

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name: "exact windows with overlap",
			text: "abcdefghij",
			size: 4, overlap: 2,
			want: []string{"abcd", "cdef", "efgh", "ghij"},
		},
		{
			name: "no overlap",
			text: "abcdef",
			size: 3, overlap: 0,
			want: []string{"abc", "def"},
		},
		{
			name: "short tail",
			text: "abcdefg",
			size: 3, overlap: 0,
			want: []string{"abc", "def", "g"},
		},
		{
			name: "text below window",
			text: "ab",
			size: 100, overlap: 10,
			want: []string{"ab"},
		},
		{
			name: "multibyte runes stay whole",
			text: "日本語のテキスト",
			size: 4, overlap: 1,
			want: []string{"日本語の", "のテキス", "スト"},
		},
		{
			name: "empty text",
			text: "",
			size: 100, overlap: 0,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestInvokeIngestsSource(t *testing.T) {
	content := strings.Repeat("the quick brown fox jumps over the lazy dog ", 12) // 528 runes
	uri := "https://kb.acme.example/handbook.txt"

	blobs := blob.NewMemoryStore()
	vectors := NewMemoryVectorStore()
	ing := New(blobs, StaticFetcher{uri: []byte(content)}, &MemoryEmbedder{Dim: 8}, vectors)

	result, err := ing.Invoke(context.Background(), ingestInvocation(map[string]interface{}{
		"source_uri":      uri,
		"source_checksum": checksumOf(content),
		"chunk_size":      float64(200),
		"chunk_overlap":   float64(50),
	}))
	require.NoError(t, err)

	// 528 runes, window 200, step 150: chunks at 0, 150, 300, 450.
	require.NotNil(t, result.Ingestion)
	assert.Equal(t, contracts.IngestStored, result.Ingestion.Phase)
	assert.Equal(t, 4, result.Ingestion.ChunkCount)
	assert.Equal(t, 4, result.Ingestion.EmbeddingCount)
	assert.Equal(t, 4, vectors.Len())
	assert.False(t, result.Reused)

	require.Len(t, result.Artifacts, 1)
	ref := result.Artifacts[0]
	assert.Equal(t, "ingestion_manifest", ref.Kind)

	raw, err := blobs.Get(context.Background(), ref.Key)
	require.NoError(t, err)
	var m manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "acme", m.Entity)
	assert.Equal(t, 4, m.ChunkCount)
	assert.Len(t, m.ChunkHashes, 4)

	steps := make([]string, 0, len(result.Trace))
	for _, s := range result.Trace {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"queued", "fetch", "chunk", "embed", "store_manifest"}, steps)
}

func TestInvokeReusesManifest(t *testing.T) {
	content := strings.Repeat("knowledge ", 50)
	uri := "https://kb.acme.example/doc.txt"
	payload := map[string]interface{}{
		"source_uri":      uri,
		"source_checksum": checksumOf(content),
	}

	blobs := blob.NewMemoryStore()
	embedder := &countingEmbedder{inner: &MemoryEmbedder{Dim: 8}}
	ing := New(blobs, StaticFetcher{uri: []byte(content)}, embedder, NewMemoryVectorStore())

	first, err := ing.Invoke(context.Background(), ingestInvocation(payload))
	require.NoError(t, err)
	embedsAfterFirst := embedder.calls

	second, err := ing.Invoke(context.Background(), ingestInvocation(payload))
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, embedsAfterFirst, embedder.calls, "reuse must not re-embed")
	assert.Equal(t, first.Artifacts[0].Hash, second.Artifacts[0].Hash)
	require.NotNil(t, second.Ingestion)
	assert.Equal(t, contracts.IngestStored, second.Ingestion.Phase)
	assert.Equal(t, first.Ingestion.ChunkCount, second.Ingestion.ChunkCount)
}

func TestInvokeChecksumMismatch(t *testing.T) {
	uri := "https://kb.acme.example/doc.txt"
	vectors := NewMemoryVectorStore()
	ing := New(blob.NewMemoryStore(), StaticFetcher{uri: []byte("actual content")}, &MemoryEmbedder{Dim: 8}, vectors)

	_, err := ing.Invoke(context.Background(), ingestInvocation(map[string]interface{}{
		"source_uri":      uri,
		"source_checksum": checksumOf("content the proposer expected"),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, 0, vectors.Len(), "mismatched source must not be embedded")
}

func TestInvokeEmptySource(t *testing.T) {
	uri := "https://kb.acme.example/empty.txt"
	ing := New(blob.NewMemoryStore(), StaticFetcher{uri: []byte("")}, &MemoryEmbedder{Dim: 8}, NewMemoryVectorStore())

	_, err := ing.Invoke(context.Background(), ingestInvocation(map[string]interface{}{
		"source_uri":      uri,
		"source_checksum": checksumOf(""),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestInvokeUnknownSource(t *testing.T) {
	ing := New(blob.NewMemoryStore(), StaticFetcher{}, &MemoryEmbedder{Dim: 8}, NewMemoryVectorStore())

	_, err := ing.Invoke(context.Background(), ingestInvocation(map[string]interface{}{
		"source_uri":      "https://kb.acme.example/missing.txt",
		"source_checksum": checksumOf("whatever"),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch source")
}

func TestInvokeAcceptsPrefixedChecksum(t *testing.T) {
	content := "prefixed checksum content"
	uri := "https://kb.acme.example/p.txt"
	ing := New(blob.NewMemoryStore(), StaticFetcher{uri: []byte(content)}, &MemoryEmbedder{Dim: 8}, NewMemoryVectorStore())

	result, err := ing.Invoke(context.Background(), ingestInvocation(map[string]interface{}{
		"source_uri":      uri,
		"source_checksum": "sha256:" + checksumOf(content),
	}))
	require.NoError(t, err)
	assert.Equal(t, contracts.IngestStored, result.Ingestion.Phase)
}

func TestProposalSchemaAndCrossCheck(t *testing.T) {
	ing := New(blob.NewMemoryStore(), StaticFetcher{}, &MemoryEmbedder{Dim: 8}, NewMemoryVectorStore())
	def := ing.Definition()
	assert.Equal(t, ActionType, def.Type)
	assert.Equal(t, "ingestion", def.Category)
	assert.Empty(t, def.PeriodField)

	registry := dispatch.NewRegistry()
	require.NoError(t, registry.Register(def))
	validator := schema.NewRegistry()
	require.NoError(t, registry.BindSchemas(validator))

	checksum := checksumOf("x")

	normalized, err := validator.Validate(ActionType, json.RawMessage(
		`{"source_uri":"https://kb/x","source_checksum":"`+checksum+`"}`))
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(normalized, &payload))
	assert.Equal(t, float64(1200), payload["chunk_size"])
	assert.Equal(t, float64(100), payload["chunk_overlap"])

	// Overlap at or above chunk size fails the cross-check even though both
	// fields pass their individual ranges.
	_, err = validator.Validate(ActionType, json.RawMessage(
		`{"source_uri":"https://kb/x","source_checksum":"`+checksum+`","chunk_size":200,"chunk_overlap":200}`))
	require.Error(t, err)
	var derr *contracts.DomainError
	require.ErrorAs(t, err, &derr)
	fields, ok := derr.Details["fields"].([]schema.FieldError)
	require.True(t, ok, "cross-check failure carries field errors")
	require.Len(t, fields, 1)
	assert.Equal(t, "chunk_overlap", fields[0].Field)

	_, err = validator.Validate(ActionType, json.RawMessage(
		`{"source_uri":"https://kb/x","source_checksum":"`+checksum+`","chunk_size":50}`))
	assert.Error(t, err, "chunk_size below 100 must fail")

	_, err = validator.Validate(ActionType, json.RawMessage(
		`{"source_uri":"https://kb/x","source_checksum":"not-a-digest"}`))
	assert.Error(t, err, "malformed checksum must fail")
}
