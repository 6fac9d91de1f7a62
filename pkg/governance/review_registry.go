package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrReviewNotFound = errors.New("governance: pending review not found")

// PendingReview is one proposal parked for a human.
type PendingReview struct {
	ProposalID string          `json:"proposal_id"`
	ScopeID    string          `json:"scope_id"`
	Agent      string          `json:"agent"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
}

// ReviewRegistry persists pending reviews until a HITL response clears them.
type ReviewRegistry interface {
	Insert(ctx context.Context, r *PendingReview) error
	InsertTx(ctx context.Context, tx *sql.Tx, r *PendingReview) error
	HasPendingForScope(ctx context.Context, scope string) (bool, error)
	ListPending(ctx context.Context, scope string) ([]PendingReview, error)
	Resolve(ctx context.Context, proposalID, resolution string) (*PendingReview, error)
}

// PostgresReviewRegistry is the durable registry.
type PostgresReviewRegistry struct {
	db *sql.DB
}

const reviewSchema = `
CREATE TABLE IF NOT EXISTS pending_reviews (
	proposal_id TEXT PRIMARY KEY,
	scope_id    TEXT NOT NULL,
	agent       TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ,
	resolution  TEXT
);
CREATE INDEX IF NOT EXISTS pending_reviews_scope_idx
	ON pending_reviews (scope_id) WHERE resolved_at IS NULL;
`

func NewPostgresReviewRegistry(ctx context.Context, db *sql.DB) (*PostgresReviewRegistry, error) {
	if _, err := db.ExecContext(ctx, reviewSchema); err != nil {
		return nil, fmt.Errorf("governance: ensure review schema: %w", err)
	}
	return &PostgresReviewRegistry{db: db}, nil
}

func (r *PostgresReviewRegistry) Insert(ctx context.Context, rev *PendingReview) error {
	return insertReview(ctx, r.db, rev)
}

// InsertTx inserts inside an existing transaction so the registry row and the
// WAL terminal entry commit atomically.
func (r *PostgresReviewRegistry) InsertTx(ctx context.Context, tx *sql.Tx, rev *PendingReview) error {
	return insertReview(ctx, tx, rev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReview(ctx context.Context, q execer, rev *PendingReview) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}
	var payload any
	if len(rev.Payload) > 0 {
		payload = string(rev.Payload)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_reviews (proposal_id, scope_id, agent, reason, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (proposal_id) DO NOTHING`,
		rev.ProposalID, rev.ScopeID, rev.Agent, rev.Reason, payload, rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("governance: insert review: %w", err)
	}
	return nil
}

func (r *PostgresReviewRegistry) HasPendingForScope(ctx context.Context, scope string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM pending_reviews WHERE scope_id = $1 AND resolved_at IS NULL LIMIT 1`,
		scope).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("governance: has pending: %w", err)
	}
	return true, nil
}

func (r *PostgresReviewRegistry) ListPending(ctx context.Context, scope string) ([]PendingReview, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT proposal_id, scope_id, agent, reason, payload, created_at
		FROM pending_reviews WHERE scope_id = $1 AND resolved_at IS NULL
		ORDER BY created_at ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("governance: list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingReview
	for rows.Next() {
		var rev PendingReview
		var payload sql.NullString
		if err := rows.Scan(&rev.ProposalID, &rev.ScopeID, &rev.Agent, &rev.Reason,
			&payload, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("governance: scan review: %w", err)
		}
		if payload.Valid {
			rev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("governance: review rows: %w", err)
	}
	return out, nil
}

// Resolve clears a pending row and returns it. Resolutions are terminal; a
// second resolve of the same id reports ErrReviewNotFound.
func (r *PostgresReviewRegistry) Resolve(ctx context.Context, proposalID, resolution string) (*PendingReview, error) {
	var rev PendingReview
	var payload sql.NullString
	err := r.db.QueryRowContext(ctx, `
		UPDATE pending_reviews
		SET resolved_at = now(), resolution = $2
		WHERE proposal_id = $1 AND resolved_at IS NULL
		RETURNING proposal_id, scope_id, agent, reason, payload, created_at, resolved_at, resolution`,
		proposalID, resolution).
		Scan(&rev.ProposalID, &rev.ScopeID, &rev.Agent, &rev.Reason,
			&payload, &rev.CreatedAt, &rev.ResolvedAt, &rev.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("governance: resolve review: %w", err)
	}
	if payload.Valid {
		rev.Payload = json.RawMessage(payload.String)
	}
	return &rev, nil
}

var _ ReviewRegistry = (*PostgresReviewRegistry)(nil)
