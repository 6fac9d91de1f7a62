// Package dedup provides the processed-message registry that turns the bus's
// at-least-once delivery into exactly-once effect. Handlers call
// TryMarkProcessed before any side effect; a false return means another
// delivery of the same message already claimed it. A handler whose effect
// fails calls Unmark so the redelivery can run the effect again.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Registry is the consumer-scoped dedup contract.
type Registry interface {
	TryMarkProcessed(ctx context.Context, consumer, messageID string) (bool, error)
	IsProcessed(ctx context.Context, consumer, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, consumer, messageID string) error
	Unmark(ctx context.Context, consumer, messageID string) error
}

// PostgresRegistry is the durable registry. The composite primary key makes
// TryMarkProcessed a single atomic statement.
type PostgresRegistry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	consumer_name TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (consumer_name, message_id)
);
`

// NewPostgresRegistry creates the registry and ensures its schema.
func NewPostgresRegistry(ctx context.Context, db *sql.DB) (*PostgresRegistry, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("dedup: ensure schema: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

// TryMarkProcessed atomically claims (consumer, messageID). Returns true when
// this call inserted the row — i.e. the caller won and may execute effects.
func (r *PostgresRegistry) TryMarkProcessed(ctx context.Context, consumer, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer_name, message_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name, message_id) DO NOTHING`,
		consumer, messageID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("dedup: try mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: rows affected: %w", err)
	}
	return n == 1, nil
}

// IsProcessed reports whether the pair was already claimed.
func (r *PostgresRegistry) IsProcessed(ctx context.Context, consumer, messageID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE consumer_name = $1 AND message_id = $2`,
		consumer, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup: is processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the pair unconditionally.
func (r *PostgresRegistry) MarkProcessed(ctx context.Context, consumer, messageID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer_name, message_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name, message_id) DO NOTHING`,
		consumer, messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("dedup: mark processed: %w", err)
	}
	return nil
}

// Unmark releases a claim, typically after the claimed effect failed. A
// later redelivery of the same message will then win TryMarkProcessed again.
func (r *PostgresRegistry) Unmark(ctx context.Context, consumer, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE consumer_name = $1 AND message_id = $2`,
		consumer, messageID)
	if err != nil {
		return fmt.Errorf("dedup: unmark: %w", err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
