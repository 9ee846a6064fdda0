package actionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// and SQLite via standard drivers. Timestamps are stored as RFC3339Nano
// text and nested structures as JSON text, so both drivers scan uniformly.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	action_type TEXT NOT NULL,
	entity TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	period TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	risk_tier TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	proposer TEXT NOT NULL,
	decision TEXT,
	decision_hash TEXT NOT NULL DEFAULT '',
	approver_roles TEXT,
	approval TEXT,
	evidence_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	proposed_at TEXT NOT NULL,
	policy_checked_at TEXT,
	approved_at TEXT,
	executed_at TEXT,
	expires_at TEXT,
	version BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS action_runs (
	id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	entity TEXT NOT NULL,
	action_type TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	requested_by TEXT NOT NULL,
	trace TEXT,
	artifacts TEXT,
	reused BOOLEAN NOT NULL DEFAULT FALSE,
	attestation_hash TEXT NOT NULL DEFAULT '',
	attestation_path TEXT NOT NULL DEFAULT '',
	ingestion TEXT,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_entity_period ON actions (entity, period);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);
CREATE INDEX IF NOT EXISTS idx_runs_action ON action_runs (action_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const actionColumns = `id, action_type, entity, payload, payload_hash, period, classification, risk_tier, status, proposer, decision, decision_hash, approver_roles, approval, evidence_eligible, proposed_at, policy_checked_at, approved_at, executed_at, expires_at, version`

func (s *SQLStore) CreateAction(ctx context.Context, a *contracts.Action) error {
	a.Version = 1
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (*contracts.Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound, "action not found", nil).
			WithDetail("action_id", id)
	}
	return a, err
}

func (s *SQLStore) UpdateAction(ctx context.Context, a *contracts.Action, expectedVersion int64) error {
	a.Version = expectedVersion + 1
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	// CAS on version: zero rows affected means a concurrent writer won.
	query := `
		UPDATE actions SET
			action_type = $2, entity = $3, payload = $4, payload_hash = $5, period = $6,
			classification = $7, risk_tier = $8, status = $9, proposer = $10, decision = $11,
			decision_hash = $12, approver_roles = $13, approval = $14, evidence_eligible = $15,
			proposed_at = $16, policy_checked_at = $17, approved_at = $18, executed_at = $19,
			expires_at = $20, version = $21
		WHERE id = $1 AND version = $22
	`
	res, err := s.db.ExecContext(ctx, query, append(args, expectedVersion)...)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		a.Version = expectedVersion
		return contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"action was modified concurrently", nil).
			WithDetail("action_id", a.ID).
			WithDetail("expected_version", expectedVersion)
	}
	return nil
}

func (s *SQLStore) ListActions(ctx context.Context, f Filter) ([]contracts.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE 1=1`
	args := make([]interface{}, 0, 5)
	n := 0
	add := func(clause string, v interface{}) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.Entity != "" {
		add("entity =", f.Entity)
	}
	if f.Period != "" {
		add("period =", f.Period)
	}
	if f.Type != "" {
		add("action_type =", f.Type)
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.EvidenceOnly {
		query += " AND evidence_eligible = TRUE"
	}
	if f.ExpiresBefore != nil {
		add("expires_at IS NOT NULL AND expires_at <=", f.ExpiresBefore.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY proposed_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const runColumns = `id, action_id, entity, action_type, attempt, status, started_at, completed_at, requested_by, trace, artifacts, reused, attestation_hash, attestation_path, ingestion, error`

func (s *SQLStore) CreateRun(ctx context.Context, r *contracts.ActionRun) error {
	args, err := runArgs(r)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO action_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*contracts.ActionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM action_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewDomainError(contracts.ErrorTypeNotFound, "action run not found", nil).
			WithDetail("run_id", id)
	}
	return r, err
}

func (s *SQLStore) UpdateRun(ctx context.Context, r *contracts.ActionRun) error {
	args, err := runArgs(r)
	if err != nil {
		return err
	}
	// Finalized runs are immutable; the guard is part of the predicate.
	query := `
		UPDATE action_runs SET
			action_id = $2, entity = $3, action_type = $4, attempt = $5, status = $6,
			started_at = $7, completed_at = $8, requested_by = $9, trace = $10,
			artifacts = $11, reused = $12, attestation_hash = $13, attestation_path = $14,
			ingestion = $15, error = $16
		WHERE id = $1 AND status = 'started'
	`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"run missing or already finalized", nil).WithDetail("run_id", r.ID)
	}
	return nil
}

func (s *SQLStore) RunsForAction(ctx context.Context, actionID string) ([]contracts.ActionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM action_runs WHERE action_id = $1 ORDER BY attempt ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.ActionRun, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func actionArgs(a *contracts.Action) ([]interface{}, error) {
	proposer, err := json.Marshal(a.Proposer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposer: %w", err)
	}
	decision, err := marshalNullable(a.Decision)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}
	roles, err := marshalNullable(a.ApproverRoles)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approver roles: %w", err)
	}
	approval, err := marshalNullable(a.Approval)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approval: %w", err)
	}
	return []interface{}{
		a.ID, a.Type, a.Entity, string(a.Payload), a.PayloadHash, a.Period,
		a.Classification, string(a.RiskTier), string(a.Status), string(proposer),
		decision, a.DecisionHash, roles, approval, a.EvidenceEligible,
		formatTime(a.ProposedAt), formatTimePtr(a.PolicyCheckedAt),
		formatTimePtr(a.ApprovedAt), formatTimePtr(a.ExecutedAt),
		formatTimePtr(a.ExpiresAt), a.Version,
	}, nil
}

func scanAction(row scanner) (*contracts.Action, error) {
	var a contracts.Action
	var actionType, riskTier, status, proposer, payload string
	var decision, roles, approval sql.NullString
	var proposedAt string
	var policyCheckedAt, approvedAt, executedAt, expiresAt sql.NullString

	if err := row.Scan(&a.ID, &actionType, &a.Entity, &payload, &a.PayloadHash, &a.Period,
		&a.Classification, &riskTier, &status, &proposer, &decision, &a.DecisionHash,
		&roles, &approval, &a.EvidenceEligible, &proposedAt, &policyCheckedAt,
		&approvedAt, &executedAt, &expiresAt, &a.Version); err != nil {
		return nil, err
	}

	a.Type = actionType
	a.RiskTier = contracts.RiskTier(riskTier)
	a.Status = contracts.ActionStatus(status)
	a.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(proposer), &a.Proposer); err != nil {
		return nil, fmt.Errorf("failed to decode proposer: %w", err)
	}
	if err := unmarshalNullable(decision, &a.Decision); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	if err := unmarshalNullable(roles, &a.ApproverRoles); err != nil {
		return nil, fmt.Errorf("failed to decode approver roles: %w", err)
	}
	if err := unmarshalNullable(approval, &a.Approval); err != nil {
		return nil, fmt.Errorf("failed to decode approval: %w", err)
	}

	var err error
	if a.ProposedAt, err = parseTime(proposedAt); err != nil {
		return nil, err
	}
	if a.PolicyCheckedAt, err = parseTimePtr(policyCheckedAt); err != nil {
		return nil, err
	}
	if a.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if a.ExecutedAt, err = parseTimePtr(executedAt); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func runArgs(r *contracts.ActionRun) ([]interface{}, error) {
	requestedBy, err := json.Marshal(r.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal requested_by: %w", err)
	}
	trace, err := marshalNullable(r.Trace)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace: %w", err)
	}
	artifacts, err := marshalNullable(r.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	ingestion, err := marshalNullable(r.Ingestion)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingestion: %w", err)
	}
	return []interface{}{
		r.ID, r.ActionID, r.Entity, r.Type, r.Attempt, string(r.Status),
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt), string(requestedBy),
		trace, artifacts, r.Reused, r.AttestationHash, r.AttestationPath,
		ingestion, r.Error,
	}, nil
}

func scanRun(row scanner) (*contracts.ActionRun, error) {
	var r contracts.ActionRun
	var status, requestedBy, startedAt string
	var completedAt, trace, artifacts, ingestion sql.NullString

	if err := row.Scan(&r.ID, &r.ActionID, &r.Entity, &r.Type, &r.Attempt, &status,
		&startedAt, &completedAt, &requestedBy, &trace, &artifacts, &r.Reused,
		&r.AttestationHash, &r.AttestationPath, &ingestion, &r.Error); err != nil {
		return nil, err
	}

	r.Status = contracts.RunStatus(status)
	if err := json.Unmarshal([]byte(requestedBy), &r.RequestedBy); err != nil {
		return nil, fmt.Errorf("failed to decode requested_by: %w", err)
	}
	if err := unmarshalNullable(trace, &r.Trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	if err := unmarshalNullable(artifacts, &r.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if err := unmarshalNullable(ingestion, &r.Ingestion); err != nil {
		return nil, fmt.Errorf("failed to decode ingestion: %w", err)
	}

	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func marshalNullable(v interface{}) (interface{}, error) {
	if isNil(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isNil(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *contracts.PolicyDecision:
		return t == nil
	case *contracts.ApprovalRecord:
		return t == nil
	case *contracts.IngestionProgress:
		return t == nil
	case []string:
		return t == nil
	case []contracts.TraceStep:
		return t == nil
	case []contracts.ArtifactRef:
		return t == nil
	default:
		return false
	}
}

func unmarshalNullable(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
