package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/ledger"
)

func TestRunDispatchesHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "verify-chain")
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

// exportChain appends a few events to an in-memory ledger and writes the
// resulting chain to a file, the way an operator would export it.
func exportChain(t *testing.T, tamper bool) string {
	t.Helper()
	ctx := context.Background()
	chains := ledger.NewMemoryStore()

	actor := contracts.SystemIdentity()
	for _, typ := range []contracts.AuditEventType{
		contracts.EventProposed,
		contracts.EventPolicyChecked,
		contracts.EventApproved,
	} {
		_, err := chains.Append(ctx, &contracts.AuditEvent{
			Target: "action-1",
			Type:   typ,
			Actor:  actor,
			Data:   json.RawMessage(`{"step":"` + string(typ) + `"}`),
		})
		require.NoError(t, err)
	}

	events, err := chains.Events(ctx, "action-1")
	require.NoError(t, err)
	if tamper {
		events[1].Data = json.RawMessage(`{"step":"rewritten"}`)
	}

	encoded, err := json.Marshal(events)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, encoded, 0o644))
	return path
}

func TestVerifyChainAcceptsIntactExport(t *testing.T) {
	path := exportChain(t, false)

	var stdout, stderr bytes.Buffer
	code := run([]string{"verify-chain", path}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "ok    action-1  entries=3")
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	path := exportChain(t, true)

	var stdout, stderr bytes.Buffer
	code := run([]string{"verify-chain", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "FAIL  action-1")
	assert.Contains(t, stdout.String(), "payload hash mismatch")
}

func TestVerifyChainUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"verify-chain"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "usage")
}

func TestVerifyChainEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"verify-chain", path}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "no events")
}

func TestExportEvidenceUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"export-evidence", "acme"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "usage")
}

func TestExportEvidenceEmptyStores(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"export-evidence", "acme", "2026-01"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "in-memory stores")

	var appendix contracts.EvidenceAppendix
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &appendix))
	assert.Equal(t, "acme", appendix.Entity)
	assert.Equal(t, "2026-01", appendix.Period)
	assert.Empty(t, appendix.Items)
}

func TestLoadUsageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"acme/2026-01/billing": [
			{"item": "api_calls", "quantity": 1200, "amount": 240.5, "currency": "USD"}
		]
	}`), 0o644))

	source, err := loadUsageFile(path)
	require.NoError(t, err)
	lines, err := source.Lines(context.Background(), "acme", "2026-01", "billing")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "api_calls", lines[0].Item)

	_, err = loadUsageFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	_, err = loadUsageFile(bad)
	assert.True(t, strings.Contains(err.Error(), "parse"))
}
