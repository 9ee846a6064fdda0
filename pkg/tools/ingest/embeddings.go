package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Embedding is one chunk's vector.
type Embedding []float32

// Embedder turns chunk text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// VectorStore receives embedded chunks. Retrieval belongs to the serving
// stack; ingestion only writes, so the interface stops at Store.
type VectorStore interface {
	Store(ctx context.Context, id, text string, vector Embedding, metadata map[string]string) error
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey string
	model  string
	client *http.Client
}

// NewOpenAIEmbedder builds an embedder for the given API key.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		apiKey: apiKey,
		model:  "text-embedding-3-small",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.apiKey == "" {
		return nil, errors.New("missing openai api key")
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"input": text,
		"model": e.model,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// PGVectorStore persists vectors through the pgvector extension. Requires
// CREATE EXTENSION vector and an embeddings table with a vector column.
type PGVectorStore struct {
	db *sql.DB
}

func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (p *PGVectorStore) Store(ctx context.Context, id, text string, vector Embedding, metadata map[string]string) error {
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO embeddings (id, vector, text, metadata)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (id) DO UPDATE SET vector = $2::vector, text = $3, metadata = $4
	`
	_, err = p.db.ExecContext(ctx, query, id, pgVectorLiteral(vector), text, metaBytes)
	return err
}

// pgVectorLiteral renders a vector in pgvector's "[1,2,3]" input form.
func pgVectorLiteral(vector Embedding) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// MemoryEmbedder returns fixed-size zero vectors, for tests and offline runs.
type MemoryEmbedder struct {
	// Dim is the vector width; zero means 1536.
	Dim int
}

func (m *MemoryEmbedder) Embed(_ context.Context, _ string) (Embedding, error) {
	dim := m.Dim
	if dim == 0 {
		dim = 1536
	}
	return make(Embedding, dim), nil
}

// MemoryVectorStore keeps vectors in process, for tests and offline runs.
type MemoryVectorStore struct {
	mu   sync.Mutex
	rows map[string]StoredVector
}

// StoredVector is one row of a MemoryVectorStore.
type StoredVector struct {
	Text     string
	Vector   Embedding
	Metadata map[string]string
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{rows: make(map[string]StoredVector)}
}

func (m *MemoryVectorStore) Store(_ context.Context, id, text string, vector Embedding, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = StoredVector{Text: text, Vector: vector, Metadata: metadata}
	return nil
}

// Len reports the stored row count.
func (m *MemoryVectorStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Get returns one stored row by id.
func (m *MemoryVectorStore) Get(id string) (StoredVector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}
