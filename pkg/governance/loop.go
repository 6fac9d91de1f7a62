package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/dedup"
)

// Consumer names.
const (
	ConsumerProposals = "governance-proposals"
	ConsumerFinality  = "governance-finality"
	ConsumerActions   = "governance-actions"
)

// Loop is the main governance consumer: it pulls proposals, runs the
// pipeline with exactly-once effect, and triggers a finality pass after
// every commit.
type Loop struct {
	bus      bus.Bus
	pipeline *Pipeline
	registry dedup.Registry
	logger   *slog.Logger

	// LastProposalAt feeds the watchdog's quiescence check.
	lastProposal atomicTime
}

// NewLoop wires the governance loop.
func NewLoop(b bus.Bus, pipeline *Pipeline, registry dedup.Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{bus: b, pipeline: pipeline, registry: registry, logger: logger}
	l.lastProposal.Store(time.Now())
	return l
}

// LastProposalAt returns when the loop last saw a proposal.
func (l *Loop) LastProposalAt() time.Time {
	return l.lastProposal.Load()
}

// Run consumes swarm.proposals.> until ctx is canceled. Empty fetches back
// off exponentially from 500 ms to a 5 s cap.
func (l *Loop) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const backoffCap = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handled, err := l.bus.Consume(ctx, bus.SubjectProposalsAll, ConsumerProposals,
			l.handleProposal, bus.ConsumeOptions{MaxMessages: 16, Timeout: 2 * time.Second})
		if err != nil {
			l.logger.Warn("proposal consume failed", "error", err)
		}
		if handled == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		backoff = 500 * time.Millisecond
	}
}

// handleProposal processes one bus message with exactly-once effect. The
// dedup claim is taken atomically up front, so a concurrent delivery of the
// same message loses the insert and no-ops. If the effect fails the claim is
// released and the error propagates, leaving the message unacked so the bus
// redelivers it.
func (l *Loop) handleProposal(ctx context.Context, msg bus.Message) error {
	claimed, err := l.registry.TryMarkProcessed(ctx, ConsumerProposals, msg.MsgID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	prop, err := decodeProposal(msg.Data)
	if err != nil {
		// Malformed payloads never become parseable; keep the claim and drop.
		l.logger.Warn("dropping malformed proposal", "subject", msg.Subject, "error", err)
		return nil
	}
	l.lastProposal.Store(time.Now())

	res, err := l.pipeline.Process(ctx, prop)
	if err != nil {
		return l.release(ctx, ConsumerProposals, msg.MsgID, err)
	}
	l.logger.Info("proposal processed",
		"proposal", prop.ProposalID, "scope", prop.ScopeID,
		"outcome", res.Outcome, "reason", res.Reason)

	trigger, err := json.Marshal(FinalityTrigger{ScopeID: prop.ScopeID})
	if err != nil {
		return fmt.Errorf("governance: marshal finality trigger: %w", err)
	}
	if _, err := l.bus.Publish(ctx, bus.SubjectFinalityEvaluate, trigger); err != nil {
		return l.release(ctx, ConsumerProposals, msg.MsgID, err)
	}
	return nil
}

func (l *Loop) release(ctx context.Context, consumer, msgID string, cause error) error {
	return releaseClaim(ctx, l.registry, l.logger, consumer, msgID, cause)
}

// releaseClaim deletes the dedup row after a failed effect so the redelivery
// can claim it again, then returns the effect error for the bus to Nak on.
func releaseClaim(ctx context.Context, registry dedup.Registry, logger *slog.Logger, consumer, msgID string, cause error) error {
	if err := registry.Unmark(ctx, consumer, msgID); err != nil {
		logger.Error("releasing dedup claim failed, message will not retry",
			"consumer", consumer, "msg_id", msgID, "error", err)
	}
	return cause
}

// FinalityHandler runs one finality pass for a scope. Supplied by the
// watchdog package to avoid an import cycle.
type FinalityHandler func(ctx context.Context, scope string) error

// RunFinalityConsumer subscribes to swarm.finality.evaluate. The message is
// acked only after the finality step finishes, so a failed pass retries.
func RunFinalityConsumer(ctx context.Context, b bus.Bus, registry dedup.Registry, handle FinalityHandler, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	return b.Subscribe(ctx, bus.SubjectFinalityEvaluate, ConsumerFinality,
		func(ctx context.Context, msg bus.Message) error {
			claimed, err := registry.TryMarkProcessed(ctx, ConsumerFinality, msg.MsgID)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			var trigger FinalityTrigger
			if err := json.Unmarshal(msg.Data, &trigger); err != nil {
				logger.Warn("dropping malformed finality trigger", "error", err)
				return nil
			}
			if err := handle(ctx, trigger.ScopeID); err != nil {
				return releaseClaim(ctx, registry, logger, ConsumerFinality, msg.MsgID, err)
			}
			return nil
		})
}

// Advancer performs the CAS state advance for an approved action.
type Advancer interface {
	AdvanceFromAction(ctx context.Context, action ActionEnvelope) error
}

// RunActionExecutor subscribes to swarm.actions.advance_state and applies
// each approved action exactly once. CAS losers are a no-op: the epoch has
// moved on and the action is stale.
func RunActionExecutor(ctx context.Context, b bus.Bus, registry dedup.Registry, advancer Advancer, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	return b.Subscribe(ctx, bus.SubjectActionAdvanceState, ConsumerActions,
		func(ctx context.Context, msg bus.Message) error {
			claimed, err := registry.TryMarkProcessed(ctx, ConsumerActions, msg.MsgID)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			var action ActionEnvelope
			if err := json.Unmarshal(msg.Data, &action); err != nil {
				logger.Warn("dropping malformed action", "error", err)
				return nil
			}
			if err := advancer.AdvanceFromAction(ctx, action); err != nil {
				return releaseClaim(ctx, registry, logger, ConsumerActions, msg.MsgID, err)
			}
			return nil
		})
}
