// Package ingest is the tool adapter behind knowledge.ingest actions. It
// fetches a source document, verifies its checksum, chunks it, embeds every
// chunk into the vector store, and records an ingestion manifest in the blob
// store. The manifest key is derived from the source URI and checksum, so
// re-ingesting the same source reuses the prior manifest instead of
// re-embedding.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/schema"
)

// ActionType is the registry key for this adapter.
const ActionType = "knowledge.ingest"

// Chunking bounds enforced by the proposal schema.
const (
	MinChunkSize      = 100
	MaxChunkSize      = 4000
	MaxChunkOverlap   = 1000
	DefaultChunkSize  = 1200
	DefaultOverlap    = 100
	maxSourceBytes    = 32 << 20
	manifestMediaType = "application/json"
)

// ProposalSchema validates knowledge.ingest proposals.
const ProposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "knowledge.ingest proposal",
  "type": "object",
  "properties": {
    "source_uri": {
      "type": "string",
      "minLength": 1
    },
    "source_checksum": {
      "type": "string",
      "pattern": "^(sha256:)?[0-9a-f]{64}$"
    },
    "chunk_size": {
      "type": "integer",
      "minimum": 100,
      "maximum": 4000,
      "default": 1200
    },
    "chunk_overlap": {
      "type": "integer",
      "minimum": 0,
      "maximum": 1000,
      "default": 100
    },
    "classification": {
      "type": "string",
      "enum": ["public", "internal", "confidential", "regulated"],
      "default": "internal"
    },
    "store_evidence": {
      "type": "boolean",
      "default": true
    }
  },
  "required": ["source_uri", "source_checksum"],
  "additionalProperties": false
}`

// CrossChecks are the constraints JSON Schema cannot express for this type.
func CrossChecks() []schema.CrossCheck {
	return []schema.CrossCheck{overlapBelowSize}
}

func overlapBelowSize(payload map[string]interface{}) *schema.FieldError {
	size := intField(payload, "chunk_size", DefaultChunkSize)
	overlap := intField(payload, "chunk_overlap", DefaultOverlap)
	if overlap >= size {
		return &schema.FieldError{
			Field:   "chunk_overlap",
			Message: fmt.Sprintf("chunk_overlap %d must be below chunk_size %d", overlap, size),
		}
	}
	return nil
}

// Fetcher retrieves source content by URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// HTTPFetcher fetches http(s) sources, capped at maxSourceBytes.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(content) > maxSourceBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", maxSourceBytes)
	}
	return content, nil
}

// StaticFetcher serves fixed content by URI, for tests and demo wiring.
type StaticFetcher map[string][]byte

func (f StaticFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	content, ok := f[uri]
	if !ok {
		return nil, fmt.Errorf("unknown source %s", uri)
	}
	return content, nil
}

// Chunk splits text into rune windows of the given size, each overlapping
// the previous by overlap runes.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 || text == "" {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		// An overlap at or above the window size would never advance.
		overlap = size - 1
	}

	runes := []rune(text)
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Ingestor runs the ingestion pipeline.
type Ingestor struct {
	blobs    blob.Store
	fetcher  Fetcher
	embedder Embedder
	vectors  VectorStore
	clock    func() time.Time
}

// New wires an ingestor over its four collaborators.
func New(blobs blob.Store, fetcher Fetcher, embedder Embedder, vectors VectorStore) *Ingestor {
	return &Ingestor{
		blobs:    blobs,
		fetcher:  fetcher,
		embedder: embedder,
		vectors:  vectors,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (i *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	i.clock = clock
	return i
}

// Definition binds the adapter, its proposal schema with the overlap
// cross-check, and its budget category. Ingestion proposals carry no period
// field; the evidence period derives from the proposal time.
func (i *Ingestor) Definition() *dispatch.Definition {
	return &dispatch.Definition{
		Type:            ActionType,
		Schema:          ProposalSchema,
		CrossChecks:     CrossChecks(),
		Adapter:         i,
		Category:        "ingestion",
		EvidenceDefault: true,
	}
}

func (i *Ingestor) Name() string { return "ingest" }

// sourceDigest identifies one source for idempotency: the hash of URI and
// content checksum together.
func sourceDigest(sourceURI, checksum string) string {
	sum := sha256.Sum256([]byte(sourceURI + "\n" + checksum))
	return hex.EncodeToString(sum[:])
}

// ManifestKey is the deterministic blob location of a source's ingestion
// manifest.
func ManifestKey(entity, sourceURI, checksum string) string {
	return fmt.Sprintf("ingestions/%s/%s.json", entity, sourceDigest(sourceURI, normalizeChecksum(checksum)))
}

// manifest is the stored record of one completed ingestion. Deterministic
// for a given source and chunk parameters.
type manifest struct {
	Entity         string   `json:"entity"`
	SourceURI      string   `json:"source_uri"`
	SourceChecksum string   `json:"source_checksum"`
	ChunkSize      int      `json:"chunk_size"`
	ChunkOverlap   int      `json:"chunk_overlap"`
	ChunkCount     int      `json:"chunk_count"`
	EmbeddingCount int      `json:"embedding_count"`
	ChunkHashes    []string `json:"chunk_hashes"`
}

func (i *Ingestor) Invoke(ctx context.Context, inv *dispatch.Invocation) (*dispatch.Result, error) {
	uri, _ := inv.Payload["source_uri"].(string)
	rawChecksum, _ := inv.Payload["source_checksum"].(string)
	checksum := normalizeChecksum(rawChecksum)
	if uri == "" || checksum == "" {
		return nil, fmt.Errorf("ingest proposal missing source_uri or source_checksum")
	}
	size := intField(inv.Payload, "chunk_size", DefaultChunkSize)
	overlap := intField(inv.Payload, "chunk_overlap", DefaultOverlap)

	entity := inv.Action.Entity
	key := ManifestKey(entity, uri, checksum)
	digest := sourceDigest(uri, checksum)

	progress := &contracts.IngestionProgress{
		Phase:          contracts.IngestQueued,
		SourceURI:      uri,
		SourceChecksum: checksum,
	}
	trace := []contracts.TraceStep{i.step("queued", 0, map[string]interface{}{
		"source_uri": uri,
		"manifest":   key,
	})}

	if raw, err := i.blobs.Get(ctx, key); err == nil {
		var m manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode prior manifest at %s: %w", key, err)
		}
		progress.Phase = contracts.IngestStored
		progress.ChunkCount = m.ChunkCount
		progress.EmbeddingCount = m.EmbeddingCount
		trace = append(trace, i.step("reuse_manifest", 0, map[string]interface{}{
			"manifest": key,
			"chunks":   m.ChunkCount,
		}))
		return &dispatch.Result{
			Artifacts: []contracts.ArtifactRef{manifestRef(key, raw)},
			Trace:     trace,
			Reused:    true,
			Ingestion: progress,
		}, nil
	} else if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("check existing manifest: %w", err)
	}

	fetchStart := time.Now()
	content, err := i.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	sum := sha256.Sum256(content)
	if got := hex.EncodeToString(sum[:]); got != checksum {
		return nil, fmt.Errorf("source checksum mismatch: proposal declares %s, content is %s", checksum, got)
	}
	trace = append(trace, i.step("fetch", time.Since(fetchStart).Milliseconds(), map[string]interface{}{
		"bytes": len(content),
	}))

	chunks := Chunk(string(content), size, overlap)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("source %s is empty", uri)
	}
	progress.Phase = contracts.IngestChunked
	progress.ChunkCount = len(chunks)
	trace = append(trace, i.step("chunk", 0, map[string]interface{}{
		"count":   len(chunks),
		"size":    size,
		"overlap": overlap,
	}))

	embedStart := time.Now()
	hashes := make([]string, len(chunks))
	for idx, chunk := range chunks {
		vector, err := i.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d of %d: %w", idx+1, len(chunks), err)
		}
		id := fmt.Sprintf("%s-%04d", digest[:16], idx)
		err = i.vectors.Store(ctx, id, chunk, vector, map[string]string{
			"entity":     entity,
			"source_uri": uri,
			"chunk":      strconv.Itoa(idx),
		})
		if err != nil {
			return nil, fmt.Errorf("store vector for chunk %d: %w", idx+1, err)
		}
		chunkSum := sha256.Sum256([]byte(chunk))
		hashes[idx] = "sha256:" + hex.EncodeToString(chunkSum[:])
	}
	progress.Phase = contracts.IngestEmbedded
	progress.EmbeddingCount = len(chunks)
	trace = append(trace, i.step("embed", time.Since(embedStart).Milliseconds(), map[string]interface{}{
		"count": len(chunks),
	}))

	m := manifest{
		Entity:         entity,
		SourceURI:      uri,
		SourceChecksum: checksum,
		ChunkSize:      size,
		ChunkOverlap:   overlap,
		ChunkCount:     len(chunks),
		EmbeddingCount: len(chunks),
		ChunkHashes:    hashes,
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := i.blobs.Store(ctx, key, raw, manifestMediaType); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	progress.Phase = contracts.IngestStored
	trace = append(trace, i.step("store_manifest", 0, map[string]interface{}{
		"manifest": key,
		"size":     len(raw),
	}))

	return &dispatch.Result{
		Artifacts: []contracts.ArtifactRef{manifestRef(key, raw)},
		Trace:     trace,
		Ingestion: progress,
	}, nil
}

func manifestRef(key string, content []byte) contracts.ArtifactRef {
	sum := sha256.Sum256(content)
	return contracts.ArtifactRef{
		Kind: "ingestion_manifest",
		Key:  key,
		Hash: "sha256:" + hex.EncodeToString(sum[:]),
		Size: int64(len(content)),
	}
}

func (i *Ingestor) step(name string, durationMs int64, detail map[string]interface{}) contracts.TraceStep {
	raw, _ := json.Marshal(detail)
	return contracts.TraceStep{
		Step:       name,
		Tool:       "ingest",
		Detail:     raw,
		At:         i.clock().UTC(),
		DurationMs: durationMs,
	}
}

func normalizeChecksum(checksum string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(checksum), "sha256:"))
}

// intField reads an integer payload field that may arrive as json.Number or
// float64 depending on the decoder.
func intField(payload map[string]interface{}, key string, fallback int) int {
	v, ok := payload[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}
