package hatchery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Event is one supervision decision, persisted for operator forensics.
type Event struct {
	Role                string    `json:"role"`
	Action              string    `json:"action"`
	AgentID             string    `json:"agent_id"`
	InstanceCountBefore int       `json:"instance_count_before"`
	InstanceCountAfter  int       `json:"instance_count_after"`
	Lambda              float64   `json:"lambda"`
	Mu                  float64   `json:"mu"`
	ConsumerLag         uint64    `json:"consumer_lag"`
	Pressure            float64   `json:"pressure"`
	Reason              string    `json:"reason"`
	TS                  time.Time `json:"ts"`
}

// Event actions.
const (
	ActionSpawn            = "spawn"
	ActionDrain            = "drain"
	ActionRestart          = "restart"
	ActionRestartExhausted = "restart_exhausted"
	ActionHeartbeatDrain   = "heartbeat_drain"
)

// EventRecorder persists supervision events.
type EventRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// PostgresEventRecorder stores events in hatchery_events.
type PostgresEventRecorder struct {
	db *sql.DB
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS hatchery_events (
	role                  TEXT NOT NULL,
	action                TEXT NOT NULL,
	agent_id              TEXT NOT NULL DEFAULT '',
	instance_count_before INT NOT NULL,
	instance_count_after  INT NOT NULL,
	lambda                DOUBLE PRECISION NOT NULL DEFAULT 0,
	mu                    DOUBLE PRECISION NOT NULL DEFAULT 0,
	consumer_lag          BIGINT NOT NULL DEFAULT 0,
	pressure              DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason                TEXT NOT NULL DEFAULT '',
	ts                    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS hatchery_events_role_ts_idx ON hatchery_events (role, ts DESC);
`

func NewPostgresEventRecorder(ctx context.Context, db *sql.DB) (*PostgresEventRecorder, error) {
	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("hatchery: ensure events schema: %w", err)
	}
	return &PostgresEventRecorder{db: db}, nil
}

func (r *PostgresEventRecorder) Record(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hatchery_events
			(role, action, agent_id, instance_count_before, instance_count_after,
			 lambda, mu, consumer_lag, pressure, reason, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.Role, ev.Action, ev.AgentID, ev.InstanceCountBefore, ev.InstanceCountAfter,
		ev.Lambda, ev.Mu, ev.ConsumerLag, ev.Pressure, ev.Reason, ev.TS)
	if err != nil {
		return fmt.Errorf("hatchery: record event: %w", err)
	}
	return nil
}

// MemoryEventRecorder captures events for tests and single-process runs.
type MemoryEventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventRecorder() *MemoryEventRecorder { return &MemoryEventRecorder{} }

func (r *MemoryEventRecorder) Record(_ context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *MemoryEventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ EventRecorder = (*PostgresEventRecorder)(nil)
	_ EventRecorder = (*MemoryEventRecorder)(nil)
)
