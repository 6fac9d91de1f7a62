// Package state implements the per-scope pipeline state machine. Advancement
// is a compare-and-swap on the epoch; the state_transition audit event is
// written to the WAL in the same transaction, so observers never see an
// advance without its event.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

var ErrScopeNotFound = errors.New("state: scope not bootstrapped")

// NodeName is a stage of the pipeline cycle.
type NodeName string

const (
	ContextIngested NodeName = "ContextIngested"
	FactsExtracted  NodeName = "FactsExtracted"
	DriftChecked    NodeName = "DriftChecked"
)

// Next returns the successor in the fixed cycle.
func Next(n NodeName) NodeName {
	switch n {
	case ContextIngested:
		return FactsExtracted
	case FactsExtracted:
		return DriftChecked
	default:
		return ContextIngested
	}
}

// State is the single row a scope owns.
type State struct {
	ScopeID   string    `json:"scope_id"`
	RunID     string    `json:"run_id"`
	LastNode  NodeName  `json:"last_node"`
	Epoch     uint64    `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdvanceRequest carries the optional policy gate. When Drift and Policy are
// both set, the transition is checked before the CAS update.
type AdvanceRequest struct {
	Scope  string
	RunID  string
	Drift  *policy.DriftSnapshot
	Policy *policy.Config
}

// TransitionEvent is the WAL payload for a state_transition.
type TransitionEvent struct {
	ScopeID string   `json:"scope_id"`
	RunID   string   `json:"run_id"`
	From    NodeName `json:"from"`
	To      NodeName `json:"to"`
	Epoch   uint64   `json:"epoch"`
}

// Machine is the Postgres-backed state machine.
type Machine struct {
	db  *sql.DB
	log *wal.PostgresLog
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS swarm_state (
	scope_id   TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	last_node  TEXT NOT NULL,
	epoch      BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewMachine creates the machine and ensures its schema.
func NewMachine(ctx context.Context, db *sql.DB, log *wal.PostgresLog) (*Machine, error) {
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		return nil, fmt.Errorf("state: ensure schema: %w", err)
	}
	return &Machine{db: db, log: log}, nil
}

// Bootstrap creates the scope's state row if absent and returns it.
func (m *Machine) Bootstrap(ctx context.Context, scope, runID string) (*State, error) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO swarm_state (scope_id, run_id, last_node, epoch, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (scope_id) DO NOTHING`,
		scope, runID, ContextIngested)
	if err != nil {
		return nil, fmt.Errorf("state: bootstrap: %w", err)
	}
	return m.Get(ctx, scope)
}

// Get loads the current state row for a scope.
func (m *Machine) Get(ctx context.Context, scope string) (*State, error) {
	var st State
	err := m.db.QueryRowContext(ctx, `
		SELECT scope_id, run_id, last_node, epoch, updated_at
		FROM swarm_state WHERE scope_id = $1`, scope).
		Scan(&st.ScopeID, &st.RunID, &st.LastNode, &st.Epoch, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", scope, err)
	}
	return &st, nil
}

// Advance performs the CAS: the UPDATE only fires when the stored epoch still
// equals expectedEpoch. The loser of a race gets (nil, nil) and must reload.
// The state_transition envelope is appended inside the same transaction.
func (m *Machine) Advance(ctx context.Context, expectedEpoch uint64, req AdvanceRequest) (*State, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("state: begin advance: %w", err)
	}
	defer tx.Rollback()

	var cur State
	err = tx.QueryRowContext(ctx, `
		SELECT scope_id, run_id, last_node, epoch, updated_at
		FROM swarm_state WHERE scope_id = $1 FOR UPDATE`, req.Scope).
		Scan(&cur.ScopeID, &cur.RunID, &cur.LastNode, &cur.Epoch, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: load for advance: %w", err)
	}

	if cur.Epoch != expectedEpoch {
		return nil, nil
	}

	from := cur.LastNode
	to := Next(from)

	if req.Drift != nil && req.Policy != nil {
		verdict := policy.CanTransition(string(from), string(to), *req.Drift, req.Policy)
		if !verdict.Allowed {
			return nil, nil
		}
	}

	newEpoch := expectedEpoch + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE swarm_state
		SET last_node = $2, epoch = $3, updated_at = now()
		WHERE scope_id = $1 AND epoch = $4`,
		req.Scope, to, newEpoch, expectedEpoch)
	if err != nil {
		return nil, fmt.Errorf("state: advance update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	runID := cur.RunID
	if req.RunID != "" {
		runID = req.RunID
	}
	env, err := envelope.New(envelope.EventStateTransition, "state-machine", TransitionEvent{
		ScopeID: req.Scope,
		RunID:   runID,
		From:    from,
		To:      to,
		Epoch:   newEpoch,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.log.AppendTx(ctx, tx, env); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("state: commit advance: %w", err)
	}

	return &State{
		ScopeID:   req.Scope,
		RunID:     runID,
		LastNode:  to,
		Epoch:     newEpoch,
		UpdatedAt: time.Now().UTC(),
	}, nil
}
