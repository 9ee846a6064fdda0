package contracts

import "time"

// AttestationSchemaVersion is the current document schema. Verifiers accept
// any document whose major version matches.
const AttestationSchemaVersion = "1.0.0"

// AttestationDocument is the self-referencing proof of one executed run.
//
// SelfHash is computed over the JCS canonical form of the document with
// SelfHash and Signature held empty, then written into the field. Recomputing
// it the same way detects any later mutation of the stored document. The
// optional signature covers the finished SelfHash.
type AttestationDocument struct {
	SchemaVersion string `json:"schema_version"`
	ID            string `json:"id"`

	ActionID   string `json:"action_id"`
	RunID      string `json:"run_id"`
	ActionType string `json:"action_type"`
	Entity     string `json:"entity"`
	Period     string `json:"period"`

	// PayloadHash binds the document to the original proposal;
	// DecisionHash binds it to the policy decision that allowed it.
	PayloadHash  string `json:"payload_hash"`
	DecisionHash string `json:"decision_hash,omitempty"`

	// ChainHead is the audit chain head for the action at attest time.
	ChainHead string `json:"chain_head,omitempty"`

	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Trace     []TraceStep   `json:"trace,omitempty"`
	Reused    bool          `json:"reused,omitempty"`

	Approval *ApprovalRecord `json:"approval,omitempty"`

	EvidenceEligible bool `json:"evidence_eligible"`

	ExecutedAt time.Time `json:"executed_at"`
	IssuedAt   time.Time `json:"issued_at"`

	// StoragePath is the deterministic blob location:
	// entities/<entity>/<year>/<month>/<action-type>/<run-id>.json.
	StoragePath string `json:"storage_path"`

	SelfHash string `json:"self_hash"`

	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	SigAlg    string `json:"sig_alg,omitempty"`
}
