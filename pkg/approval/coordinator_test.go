package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/stewardlabs/veract/pkg/contracts"
)

func awaitingAction(expiresAt *time.Time) *contracts.Action {
	return &contracts.Action{
		ID:            "act-001",
		Type:          "report.generate",
		Entity:        "entity-001",
		Status:        contracts.StatusAwaitingApproval,
		RiskTier:      contracts.RiskMedium,
		ApproverRoles: []string{"finance-admin", "operator"},
		ExpiresAt:     expiresAt,
	}
}

func approver(roles ...string) contracts.Identity {
	return contracts.Identity{ID: "user-001", Kind: "human", Roles: roles}
}

func TestRouteAutoApprove(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	route, err := c.Route(&contracts.PolicyDecision{
		Verdict:     contracts.VerdictAllow,
		AutoApprove: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if route.Next != contracts.StatusApproved {
		t.Fatalf("expected approved, got %s", route.Next)
	}
	if route.Event != contracts.EventApproved {
		t.Fatalf("expected %s, got %s", contracts.EventApproved, route.Event)
	}
	if route.ExpiresAt != nil {
		t.Fatal("auto-approval must not set a deadline")
	}
}

func TestRouteRequiresApproval(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	c := NewCoordinator(72 * time.Hour).WithClock(func() time.Time { return now })

	route, err := c.Route(&contracts.PolicyDecision{
		Verdict:       contracts.VerdictRequireApproval,
		ApproverRoles: []string{"operator"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if route.Next != contracts.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", route.Next)
	}
	if route.ExpiresAt == nil {
		t.Fatal("expected a deadline")
	}
	if want := now.Add(72 * time.Hour); !route.ExpiresAt.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, route.ExpiresAt)
	}
}

func TestRouteDenied(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	_, err := c.Route(&contracts.PolicyDecision{
		Verdict: contracts.VerdictDeny,
		Reason:  "budget exhausted",
	})
	if err == nil {
		t.Fatal("expected error for denied decision")
	}
	if !errors.Is(err, contracts.ErrPolicyDenied) {
		t.Fatalf("expected policy denial, got %v", err)
	}
}

func TestDecideApprove(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	c := NewCoordinator(72 * time.Hour).WithClock(func() time.Time { return now })

	deadline := now.Add(time.Hour)
	out, err := c.Decide(awaitingAction(&deadline), approver("finance-admin"), DecisionApproved, "looks right")
	if err != nil {
		t.Fatal(err)
	}
	if out.Next != contracts.StatusApproved {
		t.Fatalf("expected approved, got %s", out.Next)
	}
	if out.Event != contracts.EventApproved {
		t.Fatalf("expected %s, got %s", contracts.EventApproved, out.Event)
	}
	if out.Record.DecidedBy.ID != "user-001" {
		t.Fatal("expected approver identity on the record")
	}
	if out.Record.Decision != "approved" {
		t.Fatalf("expected approved record, got %s", out.Record.Decision)
	}
	if out.Record.Note != "looks right" {
		t.Fatal("expected note on the record")
	}
	if !out.Record.DecidedAt.Equal(now) {
		t.Fatal("expected decision timestamp from the clock")
	}
}

func TestDecideReject(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	out, err := c.Decide(awaitingAction(nil), approver("operator"), DecisionRejected, "wrong period")
	if err != nil {
		t.Fatal(err)
	}
	if out.Next != contracts.StatusRejected {
		t.Fatalf("expected rejected, got %s", out.Next)
	}
	if out.Event != contracts.EventRejected {
		t.Fatalf("expected %s, got %s", contracts.EventRejected, out.Event)
	}
}

func TestDecideWrongStatus(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	a := awaitingAction(nil)
	a.Status = contracts.StatusApproved

	_, err := c.Decide(a, approver("operator"), DecisionApproved, "")
	if err == nil {
		t.Fatal("expected error for non-awaiting action")
	}
	if !errors.Is(err, contracts.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestDecideRoleRequired(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	_, err := c.Decide(awaitingAction(nil), approver("viewer"), DecisionApproved, "")
	if err == nil {
		t.Fatal("expected error for missing role")
	}
	if !errors.Is(err, contracts.ErrApproverRole) {
		t.Fatalf("expected approver role error, got %v", err)
	}
}

func TestDecideAfterDeadline(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	c := NewCoordinator(72 * time.Hour).WithClock(func() time.Time { return now })

	deadline := now.Add(-time.Minute)
	_, err := c.Decide(awaitingAction(&deadline), approver("operator"), DecisionApproved, "")
	if err == nil {
		t.Fatal("expected error for late decision")
	}
	if !errors.Is(err, contracts.ErrApprovalExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestDecideUnknownDecision(t *testing.T) {
	c := NewCoordinator(72 * time.Hour)

	_, err := c.Decide(awaitingAction(nil), approver("operator"), Decision("maybe"), "")
	if err == nil {
		t.Fatal("expected error for unknown decision")
	}
	var de *contracts.DomainError
	if !errors.As(err, &de) || de.Type != contracts.ErrorTypeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
