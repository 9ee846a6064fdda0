package contracts

import "time"

// EvidenceAppendix is the read-only bundle handed to external audit tooling:
// every evidence-eligible action of one entity in one period, with its
// attestation references and the chain heads needed to verify the ledger
// independently. BundleHash is computed like an attestation self-hash, over
// the canonical bundle with the field empty.
type EvidenceAppendix struct {
	BundleID string `json:"bundle_id"`
	Entity   string `json:"entity"`
	Period   string `json:"period"`

	Items   []EvidenceItem  `json:"items"`
	Summary EvidenceSummary `json:"summary"`

	// ChainHeads maps action id to its audit chain head at collection
	// time, one per listed action.
	ChainHeads map[string]string `json:"chain_heads,omitempty"`

	// LedgerVerified records whether every listed chain passed
	// verification during collection.
	LedgerVerified bool `json:"ledger_verified"`

	GeneratedAt time.Time `json:"generated_at"`
	BundleHash  string    `json:"bundle_hash"`
}

// EvidenceItem summarizes one action inside an appendix.
type EvidenceItem struct {
	ActionID    string       `json:"action_id"`
	ActionType  string       `json:"action_type"`
	Status      ActionStatus `json:"status"`
	RiskTier    RiskTier     `json:"risk_tier,omitempty"`
	PayloadHash string       `json:"payload_hash"`
	ProposedAt  time.Time    `json:"proposed_at"`

	RunID           string        `json:"run_id,omitempty"`
	AttestationPath string        `json:"attestation_path,omitempty"`
	AttestationHash string        `json:"attestation_hash,omitempty"`
	Artifacts       []ArtifactRef `json:"artifacts,omitempty"`
}

// EvidenceSummary carries the headline counts auditors read first.
type EvidenceSummary struct {
	TotalActions     int `json:"total_actions"`
	AttestationCount int `json:"attestation_count"`
	Failures         int `json:"failures"`
}
