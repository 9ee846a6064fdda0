// Package attestation produces the self-referencing proof document for each
// executed run and verifies stored documents. The self-hash is computed over
// the JCS canonical form with the self-hash and signature fields held empty;
// hashing a populated self-hash field would make the value non-reproducible.
package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/canonical"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/ledger"
)

// SigAlgEd25519 is the only signature algorithm documents carry today.
const SigAlgEd25519 = "ed25519"

var (
	ErrSchemaIncompatible = errors.New("attestation schema version incompatible")
	ErrSelfHashMismatch   = errors.New("attestation self-hash mismatch")
	ErrSignatureInvalid   = errors.New("attestation signature invalid")
)

// StoragePath derives the deterministic blob location for a run attested at
// the given instant.
func StoragePath(entity string, at time.Time, actionType, runID string) string {
	at = at.UTC()
	return fmt.Sprintf("entities/%s/%04d/%02d/%s/%s.json",
		entity, at.Year(), int(at.Month()), actionType, runID)
}

// Generator builds, signs, and stores attestation documents.
type Generator struct {
	blobs   blob.Store
	chains  ledger.Store
	keyring *Keyring
	clock   func() time.Time
	logger  *zap.Logger
}

// NewGenerator wires a generator. A nil keyring produces unsigned documents;
// the self-hash alone still proves integrity.
func NewGenerator(blobs blob.Store, chains ledger.Store, keyring *Keyring, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		blobs:   blobs,
		chains:  chains,
		keyring: keyring,
		clock:   time.Now,
		logger:  logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Attest builds the document for a successful run, computes its self-hash,
// signs it with the entity's derived key, and stores it at the deterministic
// path. The run must already carry its sanitized trace and artifacts.
func (g *Generator) Attest(ctx context.Context, action *contracts.Action, run *contracts.ActionRun) (*contracts.AttestationDocument, error) {
	now := g.clock().UTC()

	head, err := g.chains.Head(ctx, action.ID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	doc := &contracts.AttestationDocument{
		SchemaVersion:    contracts.AttestationSchemaVersion,
		ID:               uuid.New().String(),
		ActionID:         action.ID,
		RunID:            run.ID,
		ActionType:       action.Type,
		Entity:           action.Entity,
		Period:           action.Period,
		PayloadHash:      action.PayloadHash,
		DecisionHash:     action.DecisionHash,
		ChainHead:        head,
		Artifacts:        run.Artifacts,
		Trace:            run.Trace,
		Reused:           run.Reused,
		Approval:         action.Approval,
		EvidenceEligible: action.EvidenceEligible,
		ExecutedAt:       run.StartedAt,
		IssuedAt:         now,
		StoragePath:      StoragePath(action.Entity, now, action.Type, run.ID),
	}

	var entityKeys *Keyring
	if g.keyring != nil {
		entityKeys, err = g.keyring.DeriveForEntity(action.Entity)
		if err != nil {
			return nil, fmt.Errorf("derive entity key: %w", err)
		}
		doc.PublicKey = hex.EncodeToString(entityKeys.PublicKey())
		doc.SigAlg = SigAlgEd25519
	}

	doc.SelfHash, err = SelfHashOf(doc)
	if err != nil {
		return nil, fmt.Errorf("compute self-hash: %w", err)
	}

	if entityKeys != nil {
		msg, err := signingBytes(doc)
		if err != nil {
			return nil, fmt.Errorf("canonicalize for signing: %w", err)
		}
		sig, err := entityKeys.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("sign attestation: %w", err)
		}
		doc.Signature = hex.EncodeToString(sig)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal attestation: %w", err)
	}
	if err := g.blobs.Store(ctx, doc.StoragePath, raw, "application/json"); err != nil {
		return nil, fmt.Errorf("store attestation: %w", err)
	}

	g.logger.Info("attestation stored",
		zap.String("action_id", action.ID),
		zap.String("run_id", run.ID),
		zap.String("path", doc.StoragePath),
		zap.String("self_hash", doc.SelfHash),
	)
	return doc, nil
}

// Load fetches a stored document and verifies it before returning it.
func (g *Generator) Load(ctx context.Context, path string) (*contracts.AttestationDocument, error) {
	raw, err := g.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var doc contracts.AttestationDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode attestation at %s: %w", path, err)
	}
	if err := Verify(&doc); err != nil {
		return nil, fmt.Errorf("attestation at %s: %w", path, err)
	}
	return &doc, nil
}

// SelfHashOf recomputes a document's self-hash: the SHA-256 of the JCS
// canonical form with SelfHash and Signature held empty.
func SelfHashOf(doc *contracts.AttestationDocument) (string, error) {
	cp := *doc
	cp.SelfHash = ""
	cp.Signature = ""
	h, err := canonical.CanonicalHash(cp)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// signingBytes is the canonical form the signature covers: the finished
// document, self-hash populated, signature field empty.
func signingBytes(doc *contracts.AttestationDocument) ([]byte, error) {
	cp := *doc
	cp.Signature = ""
	return canonical.JCS(cp)
}

// Verify checks a document's schema compatibility, self-hash, and signature
// when one is present.
func Verify(doc *contracts.AttestationDocument) error {
	ver, err := semver.NewVersion(doc.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrSchemaIncompatible, doc.SchemaVersion)
	}
	current := semver.MustParse(contracts.AttestationSchemaVersion)
	if ver.Major() != current.Major() {
		return fmt.Errorf("%w: document %s, verifier %s", ErrSchemaIncompatible, doc.SchemaVersion, contracts.AttestationSchemaVersion)
	}

	recomputed, err := SelfHashOf(doc)
	if err != nil {
		return err
	}
	if recomputed != doc.SelfHash {
		return fmt.Errorf("%w: stored %s, recomputed %s", ErrSelfHashMismatch, doc.SelfHash, recomputed)
	}

	if doc.Signature != "" {
		pub, err := hex.DecodeString(doc.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: bad public key", ErrSignatureInvalid)
		}
		sig, err := hex.DecodeString(doc.Signature)
		if err != nil {
			return fmt.Errorf("%w: bad signature encoding", ErrSignatureInvalid)
		}
		msg, err := signingBytes(doc)
		if err != nil {
			return err
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			return ErrSignatureInvalid
		}
	}
	return nil
}
