package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/contracts"
)

// Lister is the slice of the action store the sweeper reads.
type Lister interface {
	ListActions(ctx context.Context, f actionstore.Filter) ([]contracts.Action, error)
}

// Expirer applies the awaiting_approval → expired transition under the
// engine's per-action critical section.
type Expirer interface {
	ExpireAction(ctx context.Context, actionID string) (*contracts.Action, error)
}

// Sweeper periodically expires actions whose approval deadline passed
// without a decision. A sweep racing a human decision is safe: whichever
// transition lands first wins and the loser sees a state conflict.
type Sweeper struct {
	store    Lister
	expirer  Expirer
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewSweeper creates a sweeper; it does nothing until Start.
func NewSweeper(store Lister, expirer Expirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		expirer:  expirer,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Start launches the sweep loop. It returns immediately; the loop runs
// until Stop or until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial sweep
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("approval expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale approvals", zap.Int("count", expired))
	}
}

// SweepOnce expires every overdue awaiting_approval action and returns how
// many it moved. A state conflict on a single action means a human decision
// landed first; that is not an error.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	overdue, err := s.store.ListActions(ctx, actionstore.Filter{
		Status:        contracts.StatusAwaitingApproval,
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		id := overdue[i].ID
		if _, err := s.expirer.ExpireAction(ctx, id); err != nil {
			if errors.Is(err, contracts.ErrStateConflict) {
				s.logger.Debug("action decided before sweep landed", zap.String("action_id", id))
				continue
			}
			s.logger.Warn("failed to expire action", zap.String("action_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
