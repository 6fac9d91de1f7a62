// Package wal implements the append-only event log. Every governance
// decision, state transition and worker output lands here with a strictly
// increasing sequence, so the log doubles as the audit trail and as the
// activation cursor for pipeline stages.
package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
)

var ErrNotFound = errors.New("wal: event not found")

// Event is one sequenced row of the log.
type Event struct {
	Seq  uint64
	TS   time.Time
	Data envelope.Envelope
}

// Log is the append-only event log contract.
type Log interface {
	Append(ctx context.Context, env *envelope.Envelope) (uint64, error)
	Tail(ctx context.Context, limit int) ([]Event, error)
	Since(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
	LatestSeqOfTypes(ctx context.Context, types []envelope.EventType) (uint64, error)
}

// PostgresLog stores events in context_events. The BIGSERIAL seq gives the
// monotonicity invariant for free; JSONB data keeps the envelope queryable.
type PostgresLog struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS context_events (
	seq  BIGSERIAL PRIMARY KEY,
	ts   TIMESTAMPTZ NOT NULL DEFAULT now(),
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS context_events_seq_idx ON context_events (seq ASC);
CREATE INDEX IF NOT EXISTS context_events_type_idx ON context_events ((data->>'type'));
`

// NewPostgresLog creates the log and ensures its schema.
func NewPostgresLog(ctx context.Context, db *sql.DB) (*PostgresLog, error) {
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("wal: ensure schema: %w", err)
	}
	return &PostgresLog{db: db}, nil
}

// Append writes the envelope and returns its sequence.
func (l *PostgresLog) Append(ctx context.Context, env *envelope.Envelope) (uint64, error) {
	return appendTx(ctx, l.db, env)
}

// AppendTx writes the envelope inside an existing transaction. State
// advancement uses this so the transition and its audit event commit
// atomically.
func (l *PostgresLog) AppendTx(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) (uint64, error) {
	return appendTx(ctx, tx, env)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func appendTx(ctx context.Context, q execQuerier, env *envelope.Envelope) (uint64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}
	var seq uint64
	err = q.QueryRowContext(ctx,
		`INSERT INTO context_events (ts, data) VALUES ($1, $2) RETURNING seq`,
		env.TS, data,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	return seq, nil
}

// Tail returns the last N events in ascending sequence order.
func (l *PostgresLog) Tail(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, data FROM (
			SELECT seq, ts, data FROM context_events ORDER BY seq DESC LIMIT $1
		) t ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("wal: tail: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Since returns up to limit events with seq > afterSeq, ascending.
func (l *PostgresLog) Since(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, data FROM context_events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("wal: since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeqOfTypes returns the highest sequence carrying one of the given
// event types, or 0 when none exists. Pipeline stages use this with
// envelope.PipelineTypes; the facts stage uses envelope.ActivationTypes so
// governance decisions never re-trigger it.
func (l *PostgresLog) LatestSeqOfTypes(ctx context.Context, types []envelope.EventType) (uint64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM context_events WHERE data->>'type' = ANY($1)`,
		pq.Array(names),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("wal: latest seq of types: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var raw []byte
		if err := rows.Scan(&ev.Seq, &ev.TS, &raw); err != nil {
			return nil, fmt.Errorf("wal: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Data); err != nil {
			return nil, fmt.Errorf("wal: decode envelope at seq %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wal: rows: %w", err)
	}
	return out, nil
}

var _ Log = (*PostgresLog)(nil)
