package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
)

// SQLiteLog is the dev/ephemeral backend: same contract as PostgresLog,
// single-file (or in-memory) storage. Used by local runs and tests that
// need a real SQL path without a Postgres instance.
type SQLiteLog struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS context_events (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	ts   TIMESTAMP NOT NULL,
	data TEXT NOT NULL
);
`

// OpenSQLiteLog opens (or creates) a SQLite-backed log at path. Use
// ":memory:" for an ephemeral log.
func OpenSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("wal: open sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: ensure sqlite schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, env *envelope.Envelope) (uint64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal envelope: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO context_events (ts, data) VALUES (?, ?)`, env.TS, string(data))
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("wal: last insert id: %w", err)
	}
	return uint64(seq), nil
}

func (l *SQLiteLog) Tail(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, data FROM (
			SELECT seq, ts, data FROM context_events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("wal: tail: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

func (l *SQLiteLog) Since(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, data FROM context_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("wal: since: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

func (l *SQLiteLog) LatestSeqOfTypes(ctx context.Context, types []envelope.EventType) (uint64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(types))
	args := make([]any, len(types))
	for i, t := range types {
		placeholders[i] = "?"
		args[i] = string(t)
	}
	var seq sql.NullInt64
	query := fmt.Sprintf(
		`SELECT MAX(seq) FROM context_events WHERE json_extract(data, '$.type') IN (%s)`,
		strings.Join(placeholders, ","))
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("wal: latest seq of types: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func scanSQLiteEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var raw string
		if err := rows.Scan(&ev.Seq, &ev.TS, &raw); err != nil {
			return nil, fmt.Errorf("wal: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
			return nil, fmt.Errorf("wal: decode envelope at seq %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wal: rows: %w", err)
	}
	return out, nil
}

var _ Log = (*SQLiteLog)(nil)
