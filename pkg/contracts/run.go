package contracts

import (
	"encoding/json"
	"time"
)

// RunStatus is the state of one execution attempt.
type RunStatus string

const (
	RunStarted RunStatus = "started"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// IngestionPhase tracks a knowledge-ingestion run through its pipeline.
type IngestionPhase string

const (
	IngestQueued   IngestionPhase = "queued"
	IngestChunked  IngestionPhase = "chunked"
	IngestEmbedded IngestionPhase = "embedded"
	IngestStored   IngestionPhase = "stored"
)

// ActionRun is one execution attempt for an action. At most one run is in
// started state per action at any time; retries after a failure create a new
// run with a higher attempt number. A finalized run is never mutated.
type ActionRun struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`
	Entity   string `json:"entity"`
	Type     string `json:"type"`
	Attempt  int    `json:"attempt"`

	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RequestedBy Identity `json:"requested_by"`

	// Trace is the sanitized tool-call trace. Secrets and raw payload
	// values are redacted before the trace is stored anywhere.
	Trace []TraceStep `json:"trace,omitempty"`

	// Artifacts references the outputs the tool produced or, when the
	// adapter detected prior equivalent output, the outputs it reused.
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`

	// Reused is set when the adapter short-circuited on existing output
	// instead of performing its side effect again.
	Reused bool `json:"reused,omitempty"`

	// Attestation references, filled on success.
	AttestationHash string `json:"attestation_hash,omitempty"`
	AttestationPath string `json:"attestation_path,omitempty"`

	// Ingestion metrics, present only for knowledge-ingestion runs.
	Ingestion *IngestionProgress `json:"ingestion,omitempty"`

	// Error is the sanitized failure detail, retained verbatim for audit.
	Error string `json:"error,omitempty"`
}

// Finalized reports whether the run reached a terminal status.
func (r *ActionRun) Finalized() bool {
	return r.Status == RunSuccess || r.Status == RunFailed
}

// TraceStep is one sanitized entry in a tool-call trace.
type TraceStep struct {
	Step       string          `json:"step"`
	Tool       string          `json:"tool,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ArtifactRef points at an output artifact by storage key and content hash.
type ArtifactRef struct {
	Kind string `json:"kind"` // e.g. "report", "ingestion_manifest"
	Key  string `json:"key"`
	Hash string `json:"hash"`
	Size int64  `json:"size,omitempty"`
}

// IngestionProgress carries the phase and metrics of a knowledge-ingestion
// run. The phases advance queued → chunked → embedded → stored.
type IngestionProgress struct {
	Phase          IngestionPhase `json:"phase"`
	SourceURI      string         `json:"source_uri"`
	SourceChecksum string         `json:"source_checksum,omitempty"`
	ChunkCount     int            `json:"chunk_count"`
	EmbeddingCount int            `json:"embedding_count"`
}
