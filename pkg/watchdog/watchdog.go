package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/finality"
	"github.com/Mindburn-Labs/swarm/core/pkg/governance"
	"github.com/Mindburn-Labs/swarm/core/pkg/graph"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

// ActivitySource reports the last time an agent proposed anything. The
// governance loop implements it.
type ActivitySource interface {
	LastProposalAt() time.Time
}

// Config tunes the quiescence detector.
type Config struct {
	// Interval is how often the watchdog wakes to check for quiescence.
	Interval time.Duration
	// Quiescence is how long the swarm must stay silent before the watchdog
	// escalates.
	Quiescence time.Duration
}

// DefaultConfig returns a 15s check interval with a 30s quiescence window.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Quiescence: 30 * time.Second}
}

// Watchdog escalates quiescent scopes to a human with ranked questions.
// At most one pending review per scope exists at a time; while one is open
// further ticks are no-ops.
type Watchdog struct {
	scope     string
	cfg       Config
	activity  ActivitySource
	evaluator *finality.Evaluator
	store     graph.Store
	reviews   governance.ReviewRegistry
	bus       bus.Bus
	wal       wal.Log
	log       *slog.Logger
	clock     func() time.Time
}

// New builds a watchdog for one scope.
func New(scope string, cfg Config, activity ActivitySource, evaluator *finality.Evaluator,
	store graph.Store, reviews governance.ReviewRegistry, b bus.Bus, log wal.Log,
	logger *slog.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = DefaultConfig().Quiescence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		scope:     scope,
		cfg:       cfg,
		activity:  activity,
		evaluator: evaluator,
		store:     store,
		reviews:   reviews,
		bus:       b,
		wal:       log,
		log:       logger,
		clock:     time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// Run ticks until the context is cancelled. Tick failures are logged and
// retried on the next interval rather than stopping the loop.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.log.Warn("watchdog tick failed", "scope", w.scope, "error", err)
			}
		}
	}
}

// Tick runs one quiescence check. It reports whether an escalation was
// submitted this tick.
func (w *Watchdog) Tick(ctx context.Context) (bool, error) {
	idle := w.clock().Sub(w.activity.LastProposalAt())
	if idle < w.cfg.Quiescence {
		return false, nil
	}

	pending, err := w.reviews.HasPendingForScope(ctx, w.scope)
	if err != nil {
		return false, fmt.Errorf("watchdog: pending check: %w", err)
	}
	if pending {
		w.log.Debug("watchdog suppressed, review already pending", "scope", w.scope)
		return false, nil
	}

	res, err := w.evaluator.Evaluate(ctx, w.scope)
	if err != nil {
		return false, fmt.Errorf("watchdog: evaluate: %w", err)
	}
	if res.Status != finality.StatusReview {
		return false, nil
	}

	questions, err := BuildQuestions(ctx, w.store, w.scope, res.Snapshot)
	if err != nil {
		return false, fmt.Errorf("watchdog: build questions: %w", err)
	}
	summary := Summarize(w.scope, res.Snapshot, questions)

	if err := w.escalate(ctx, summary, idle); err != nil {
		return false, err
	}
	w.log.Info("watchdog escalated quiescent scope",
		"scope", w.scope, "idle", idle, "score", res.Snapshot.GoalScoreTotal,
		"questions", len(questions))
	return true, nil
}

func (w *Watchdog) escalate(ctx context.Context, summary Summary, idle time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("watchdog: marshal summary: %w", err)
	}

	review := &governance.PendingReview{
		ProposalID: "watchdog-" + uuid.New().String(),
		ScopeID:    w.scope,
		Agent:      "watchdog",
		Reason:     fmt.Sprintf("quiescent for %s", idle.Round(time.Second)),
		Payload:    payload,
	}
	if err := w.reviews.Insert(ctx, review); err != nil {
		return fmt.Errorf("watchdog: insert review: %w", err)
	}

	env, err := envelope.New(envelope.EventWatchdogHITL, "watchdog", summary)
	if err != nil {
		return err
	}
	env.WithCorrelation(review.ProposalID)

	if w.wal != nil {
		if _, err := w.wal.Append(ctx, env); err != nil {
			return fmt.Errorf("watchdog: wal append: %w", err)
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("watchdog: marshal envelope: %w", err)
	}
	if _, err := w.bus.Publish(ctx, bus.EventSubject(string(envelope.EventWatchdogHITL)), data); err != nil {
		return fmt.Errorf("watchdog: publish: %w", err)
	}
	return nil
}
