package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/contracts"
)

// fakeExpirer records expiry requests and can simulate a lost race.
type fakeExpirer struct {
	expired  []string
	conflict map[string]bool
}

func (f *fakeExpirer) ExpireAction(_ context.Context, actionID string) (*contracts.Action, error) {
	if f.conflict[actionID] {
		return nil, contracts.StateConflict(contracts.StatusApproved, contracts.StatusExpired)
	}
	f.expired = append(f.expired, actionID)
	return &contracts.Action{ID: actionID, Status: contracts.StatusExpired}, nil
}

func seedAwaiting(t *testing.T, store *actionstore.MemoryStore, id string, expiresAt time.Time) {
	t.Helper()
	err := store.CreateAction(context.Background(), &contracts.Action{
		ID:        id,
		Type:      "report.generate",
		Entity:    "entity-001",
		Status:    contracts.StatusAwaitingApproval,
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnceExpiresOverdue(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	store := actionstore.NewMemoryStore()
	seedAwaiting(t, store, "act-overdue", now.Add(-time.Hour))
	seedAwaiting(t, store, "act-fresh", now.Add(time.Hour))

	exp := &fakeExpirer{}
	sw := NewSweeper(store, exp, time.Minute, nil).WithClock(func() time.Time { return now })

	count, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	if len(exp.expired) != 1 || exp.expired[0] != "act-overdue" {
		t.Fatalf("expected only act-overdue expired, got %v", exp.expired)
	}
}

func TestSweepOnceLostRaceNotCounted(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	store := actionstore.NewMemoryStore()
	seedAwaiting(t, store, "act-raced", now.Add(-time.Hour))
	seedAwaiting(t, store, "act-overdue", now.Add(-2*time.Hour))

	// act-raced was approved between the listing and the expiry attempt.
	exp := &fakeExpirer{conflict: map[string]bool{"act-raced": true}}
	sw := NewSweeper(store, exp, time.Minute, nil).WithClock(func() time.Time { return now })

	count, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	if len(exp.expired) != 1 || exp.expired[0] != "act-overdue" {
		t.Fatalf("expected only act-overdue expired, got %v", exp.expired)
	}
}

func TestSweepOnceNothingOverdue(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	store := actionstore.NewMemoryStore()
	seedAwaiting(t, store, "act-fresh", now.Add(time.Hour))

	exp := &fakeExpirer{}
	sw := NewSweeper(store, exp, time.Minute, nil).WithClock(func() time.Time { return now })

	count, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 expired, got %d", count)
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := actionstore.NewMemoryStore()
	exp := &fakeExpirer{}
	sw := NewSweeper(store, exp, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx)
	sw.Start(ctx) // second start is a no-op
	sw.Stop()
	sw.Stop() // second stop is a no-op
}
