package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stewardlabs/veract/pkg/contracts"
)

func TestClassificationPermitted(t *testing.T) {
	cases := []struct {
		class, max string
		want       bool
	}{
		{"public", "internal", true},
		{"internal", "internal", true},
		{"confidential", "internal", false},
		{"regulated", "confidential", false},
		{"regulated", "regulated", true},
		{"made_up", "regulated", false},
		{"internal", "made_up", false},
	}
	for _, tc := range cases {
		if got := ClassificationPermitted(tc.class, tc.max); got != tc.want {
			t.Errorf("ClassificationPermitted(%s, %s) = %v, want %v", tc.class, tc.max, got, tc.want)
		}
	}
}

func TestFindGrant(t *testing.T) {
	p := &Profile{
		Entity: "acme",
		Grants: []Grant{
			{ActionType: "report.generate", BaseTier: contracts.RiskLow, AutoApprove: true},
			{ActionType: "knowledge.ingest", BaseTier: contracts.RiskMedium},
		},
	}

	g, ok := p.FindGrant("knowledge.ingest")
	if !ok || g.BaseTier != contracts.RiskMedium {
		t.Fatalf("expected ingest grant, got %v %v", g, ok)
	}
	if _, ok := p.FindGrant("dns.update"); ok {
		t.Fatal("expected no grant for unlisted type")
	}
}

func TestMemoryStoreProfile(t *testing.T) {
	store := NewMemoryStore(&Profile{Entity: "acme", Enabled: true})

	p, err := store.Profile(context.Background(), "acme")
	if err != nil {
		t.Fatalf("expected profile, got %v", err)
	}
	if p.Entity != "acme" {
		t.Fatalf("wrong profile: %+v", p)
	}

	_, err = store.Profile(context.Background(), "ghost")
	if !errors.Is(err, contracts.ErrProfileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	doc := `
entity: acme
enabled: true
proposals_enabled: true
max_classification: confidential
grants:
  - action_type: report.generate
    base_tier: low
    auto_approve: true
    approver_roles: [ops_lead]
    category: reporting
tier_rules:
  - name: regulated-data
    expression: 'proposal.classification == "regulated"'
    tier: high
budget_limits:
  reporting: 100
`
	if err := os.WriteFile(filepath.Join(dir, "profile_acme.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	// A profile without an explicit entity field takes it from the filename.
	if err := os.WriteFile(filepath.Join(dir, "profile_globex.yaml"), []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	store, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}

	acme, err := store.Profile(context.Background(), "acme")
	if err != nil {
		t.Fatalf("acme profile: %v", err)
	}
	if !acme.ProposalsEnabled || acme.MaxClassification != "confidential" {
		t.Fatalf("unexpected acme profile: %+v", acme)
	}
	if len(acme.Grants) != 1 || acme.Grants[0].Category != "reporting" {
		t.Fatalf("unexpected grants: %+v", acme.Grants)
	}
	if len(acme.TierRules) != 1 || acme.TierRules[0].Tier != contracts.RiskHigh {
		t.Fatalf("unexpected tier rules: %+v", acme.TierRules)
	}
	if acme.BudgetLimits["reporting"] != 100 {
		t.Fatalf("unexpected budget limits: %+v", acme.BudgetLimits)
	}

	globex, err := store.Profile(context.Background(), "globex")
	if err != nil || globex.Entity != "globex" {
		t.Fatalf("expected globex from filename, got %+v err %v", globex, err)
	}
}
