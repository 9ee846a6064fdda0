// Package evidence assembles the audit appendix for one entity and period:
// every evidence-eligible action with its attestation references, the chain
// heads needed for independent verification, and headline counts. Collection
// is a pure projection over the stores and never mutates anything.
package evidence

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/canonical"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/ledger"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Collector builds evidence appendixes from the action store and the audit
// ledger.
type Collector struct {
	store  actionstore.Store
	chains ledger.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewCollector wires a collector over the given stores.
func NewCollector(store actionstore.Store, chains ledger.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:  store,
		chains: chains,
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// Collect returns the appendix for an entity and period label (YYYY-MM).
// Attestation documents are referenced by path and hash, never inlined; the
// appendix carries enough to verify every listed chain offline.
func (c *Collector) Collect(ctx context.Context, entity, period string) (*contracts.EvidenceAppendix, error) {
	if entity == "" {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation, "entity must not be empty", nil)
	}
	if !periodPattern.MatchString(period) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeValidation, "period must be YYYY-MM", nil).
			WithDetail("period", period)
	}

	actions, err := c.store.ListActions(ctx, actionstore.Filter{
		Entity:       entity,
		Period:       period,
		EvidenceOnly: true,
	})
	if err != nil {
		return nil, err
	}

	appendix := &contracts.EvidenceAppendix{
		BundleID:       uuid.New().String(),
		Entity:         entity,
		Period:         period,
		Items:          make([]contracts.EvidenceItem, 0, len(actions)),
		ChainHeads:     make(map[string]string, len(actions)),
		LedgerVerified: true,
		GeneratedAt:    c.clock().UTC(),
	}

	for i := range actions {
		a := &actions[i]

		item := contracts.EvidenceItem{
			ActionID:    a.ID,
			ActionType:  a.Type,
			Status:      a.Status,
			RiskTier:    a.RiskTier,
			PayloadHash: a.PayloadHash,
			ProposedAt:  a.ProposedAt,
		}

		if err := c.attachLatestSuccess(ctx, a.ID, &item); err != nil {
			return nil, err
		}
		if item.AttestationHash != "" {
			appendix.Summary.AttestationCount++
		}
		if a.Status == contracts.StatusFailed {
			appendix.Summary.Failures++
		}

		events, err := c.chains.Events(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		res := ledger.VerifyChain(a.ID, events)
		appendix.ChainHeads[a.ID] = res.Head
		if !res.Valid {
			appendix.LedgerVerified = false
			c.logger.Warn("audit chain failed verification during evidence collection",
				zap.String("action_id", a.ID),
				zap.String("detail", res.Detail),
			)
		}

		appendix.Items = append(appendix.Items, item)
	}
	appendix.Summary.TotalActions = len(appendix.Items)

	appendix.BundleHash, err = BundleHashOf(appendix)
	if err != nil {
		return nil, err
	}

	c.logger.Info("evidence appendix collected",
		zap.String("entity", entity),
		zap.String("period", period),
		zap.Int("actions", appendix.Summary.TotalActions),
		zap.Int("attestations", appendix.Summary.AttestationCount),
		zap.Bool("ledger_verified", appendix.LedgerVerified),
	)
	return appendix, nil
}

// attachLatestSuccess fills the run and attestation references from the most
// recent successful attempt, when one exists. Failed attempts never
// contribute artifacts.
func (c *Collector) attachLatestSuccess(ctx context.Context, actionID string, item *contracts.EvidenceItem) error {
	runs, err := c.store.RunsForAction(ctx, actionID)
	if err != nil {
		return err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		r := &runs[i]
		if r.Status != contracts.RunSuccess {
			continue
		}
		item.RunID = r.ID
		item.AttestationPath = r.AttestationPath
		item.AttestationHash = r.AttestationHash
		item.Artifacts = r.Artifacts
		return nil
	}
	return nil
}

// BundleHashOf recomputes an appendix hash: the SHA-256 of the JCS canonical
// form with BundleHash held empty.
func BundleHashOf(appendix *contracts.EvidenceAppendix) (string, error) {
	cp := *appendix
	cp.BundleHash = ""
	h, err := canonical.CanonicalHash(cp)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}
