package ledger

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
// and SQLite via standard drivers; the UNIQUE(target, sequence) constraint
// is the backstop against concurrent appends racing on one chain.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	data TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	UNIQUE (target, sequence)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Append(ctx context.Context, event *contracts.AuditEvent) (*contracts.AuditEvent, error) {
	if event.Target == "" {
		return nil, errors.New("audit event target required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Read the chain head inside the transaction.
	var seq uint64 = 1
	prevHash := GenesisHash
	row := tx.QueryRowContext(ctx,
		`SELECT sequence, hash FROM audit_events WHERE target = $1 ORDER BY sequence DESC LIMIT 1`,
		event.Target)
	var lastSeq uint64
	var lastHash string
	switch err := row.Scan(&lastSeq, &lastHash); {
	case err == nil:
		seq = lastSeq + 1
		prevHash = lastHash
	case errors.Is(err, sql.ErrNoRows):
		// first entry for this target
	default:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	if err := seal(event, seq, prevHash, s.clock()); err != nil {
		return nil, err
	}

	actor, err := json.Marshal(event.Actor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actor: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, target, sequence, event_type, actor, data, payload_hash, prev_hash, hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Target, event.Sequence, string(event.Type), string(actor),
		string(normalizeData(event.Data)), event.PayloadHash, event.PrevHash, event.Hash,
		event.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return event, nil
}

func (s *SQLStore) Events(ctx context.Context, target string) ([]contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, sequence, event_type, actor, data, payload_hash, prev_hash, hash, recorded_at
		FROM audit_events WHERE target = $1 ORDER BY sequence ASC`, target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.AuditEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Head(ctx context.Context, target string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_events WHERE target = $1 ORDER BY sequence DESC LIMIT 1`, target)
	var head string
	err := row.Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

func (s *SQLStore) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT target FROM audit_events ORDER BY target ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(rows *sql.Rows) (*contracts.AuditEvent, error) {
	var e contracts.AuditEvent
	var eventType, actor, data, recordedAt string
	if err := rows.Scan(&e.ID, &e.Target, &e.Sequence, &eventType, &actor, &data,
		&e.PayloadHash, &e.PrevHash, &e.Hash, &recordedAt); err != nil {
		return nil, err
	}
	e.Type = contracts.AuditEventType(eventType)
	if err := json.Unmarshal([]byte(actor), &e.Actor); err != nil {
		return nil, fmt.Errorf("failed to decode actor: %w", err)
	}
	e.Data = json.RawMessage(data)
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
	}
	e.RecordedAt = ts
	return &e, nil
}
