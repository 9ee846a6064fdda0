// Package ledger is the append-only, hash-chained audit log. Every lifecycle
// transition of every action is appended here before the action record
// itself is considered updated. One chain per target (action id); each
// entry's hash covers its content and its predecessor's hash, so recomputing
// the chain from genesis detects any edit or removal.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardlabs/veract/pkg/canonical"
	"github.com/stewardlabs/veract/pkg/contracts"
)

// GenesisHash seeds every chain.
const GenesisHash = "genesis"

var (
	ErrEventNotFound = errors.New("audit event not found")
	ErrChainBroken   = errors.New("audit chain verification failed")
)

// Store persists per-target audit chains. Appends for one target are
// strictly ordered; appends across targets are independent.
type Store interface {
	// Append seals the event into the target's chain: it assigns id,
	// sequence, prev hash, entry hash, and timestamp, then persists it.
	// The caller fills Target, Type, Actor, and Data.
	Append(ctx context.Context, event *contracts.AuditEvent) (*contracts.AuditEvent, error)

	// Events returns the full chain for a target in sequence order.
	Events(ctx context.Context, target string) ([]contracts.AuditEvent, error)

	// Head returns the target's current head hash, GenesisHash when the
	// chain is empty.
	Head(ctx context.Context, target string) (string, error)

	// Targets lists every chain in the store, sorted.
	Targets(ctx context.Context) ([]string, error)
}

// hashInput is the exact byte layout the chain hash covers. The payload
// enters through its canonical hash, so raw payload bytes never need to be
// re-serialized identically.
type hashInput struct {
	Seq         uint64 `json:"seq"`
	Type        string `json:"type"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev"`
}

// ComputeHash derives one entry's chain hash.
func ComputeHash(seq uint64, eventType contracts.AuditEventType, payloadHash, prevHash string) (string, error) {
	raw, err := json.Marshal(hashInput{Seq: seq, Type: string(eventType), PayloadHash: payloadHash, PrevHash: prevHash})
	if err != nil {
		return "", fmt.Errorf("failed to marshal hash input: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// seal assigns the chain fields to an event given the chain head state.
func seal(event *contracts.AuditEvent, seq uint64, prevHash string, now time.Time) error {
	if event.PayloadHash == "" {
		ph, err := canonical.CanonicalHash(normalizeData(event.Data))
		if err != nil {
			return fmt.Errorf("failed to hash payload: %w", err)
		}
		event.PayloadHash = ph
	}

	hash, err := ComputeHash(seq, event.Type, event.PayloadHash, prevHash)
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Sequence = seq
	event.PrevHash = prevHash
	event.Hash = hash
	event.RecordedAt = now.UTC()
	return nil
}

// normalizeData treats a nil payload as the empty object so hashing never
// sees invalid JSON.
func normalizeData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return data
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Target  string `json:"target"`
	Entries int    `json:"entries"`
	Head    string `json:"head"`
	Valid   bool   `json:"valid"`
	Detail  string `json:"detail,omitempty"`
}

// VerifyChain recomputes every hash in a chain from genesis. Events must be
// in sequence order, as returned by Store.Events.
func VerifyChain(target string, events []contracts.AuditEvent) *VerifyResult {
	res := &VerifyResult{Target: target, Entries: len(events), Head: GenesisHash, Valid: true}

	prevHash := GenesisHash
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			res.Valid = false
			res.Detail = fmt.Sprintf("sequence gap at entry %d: got %d", i+1, e.Sequence)
			return res
		}
		if e.PrevHash != prevHash {
			res.Valid = false
			res.Detail = fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, e.PrevHash)
			return res
		}

		// The payload hash must still match the stored payload.
		ph, err := canonical.CanonicalHash(normalizeData(e.Data))
		if err != nil || ph != e.PayloadHash {
			res.Valid = false
			res.Detail = fmt.Sprintf("payload hash mismatch at entry %d", i+1)
			return res
		}

		computed, err := ComputeHash(e.Sequence, e.Type, e.PayloadHash, e.PrevHash)
		if err != nil || computed != e.Hash {
			res.Valid = false
			res.Detail = fmt.Sprintf("hash mismatch at entry %d", i+1)
			return res
		}
		prevHash = e.Hash
	}

	res.Head = prevHash
	return res
}

// Verify loads a target's chain from a store and verifies it.
func Verify(ctx context.Context, store Store, target string) (*VerifyResult, error) {
	events, err := store.Events(ctx, target)
	if err != nil {
		return nil, err
	}
	return VerifyChain(target, events), nil
}

// MemoryStore keeps chains in process. Single-node runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*chain
	clock  func() time.Time
}

type chain struct {
	events []contracts.AuditEvent
	head   string
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]*chain),
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Append(_ context.Context, event *contracts.AuditEvent) (*contracts.AuditEvent, error) {
	if event.Target == "" {
		return nil, errors.New("audit event target required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[event.Target]
	if !ok {
		c = &chain{head: GenesisHash}
		m.chains[event.Target] = c
	}

	seq := uint64(len(c.events)) + 1
	if err := seal(event, seq, c.head, m.clock()); err != nil {
		return nil, err
	}

	c.events = append(c.events, *event)
	c.head = event.Hash

	stored := c.events[len(c.events)-1]
	return &stored, nil
}

func (m *MemoryStore) Events(_ context.Context, target string) ([]contracts.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chains[target]
	if !ok {
		return []contracts.AuditEvent{}, nil
	}
	out := make([]contracts.AuditEvent, len(c.events))
	copy(out, c.events)
	return out, nil
}

func (m *MemoryStore) Head(_ context.Context, target string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chains[target]
	if !ok {
		return GenesisHash, nil
	}
	return c.head, nil
}

func (m *MemoryStore) Targets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.chains))
	for t := range m.chains {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
