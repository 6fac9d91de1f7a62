package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/swarm/core/pkg/authz"
	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/metrics"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/state"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

// StateSource loads the current state row for a scope.
type StateSource interface {
	Get(ctx context.Context, scope string) (*state.State, error)
}

// Pipeline evaluates and commits proposals.
type Pipeline struct {
	states    StateSource
	drift     DriftSource
	policy    *policy.Config
	authz     *authz.Client
	log       wal.Log
	bus       bus.Bus
	reviews   ReviewRegistry
	metrics   *metrics.Metrics
	oversight *Oversight

	// db enables the atomic pending commit when the WAL and the registry
	// share a Postgres handle.
	db     *sql.DB
	logger *slog.Logger
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	States    StateSource
	Drift     DriftSource
	Policy    *policy.Config
	Authz     *authz.Client
	WAL       wal.Log
	Bus       bus.Bus
	Reviews   ReviewRegistry
	Metrics   *metrics.Metrics
	Oversight *Oversight
	DB        *sql.DB
	Logger    *slog.Logger
}

// NewPipeline builds the pipeline. Oversight and DB are optional.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Policy == nil {
		deps.Policy = policy.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Pipeline{
		states:    deps.States,
		drift:     deps.Drift,
		policy:    deps.Policy,
		authz:     deps.Authz,
		log:       deps.WAL,
		bus:       deps.Bus,
		reviews:   deps.Reviews,
		metrics:   deps.Metrics,
		oversight: deps.Oversight,
		db:        deps.DB,
		logger:    deps.Logger,
	}
}

// Evaluate is phase A: deterministic, no side effects.
func (p *Pipeline) Evaluate(ctx context.Context, prop *Proposal) (Result, error) {
	if prop.ProposedAction != ActionAdvanceState {
		return Result{Outcome: OutcomeIgnore, Reason: ReasonNonAdvance}, nil
	}
	if prop.Payload.From == "" || prop.Payload.To == "" {
		return Result{Outcome: OutcomeReject, Reason: ReasonMissingFromOrTo}, nil
	}

	st, err := p.states.Get(ctx, prop.ScopeID)
	if err != nil {
		return Result{}, fmt.Errorf("governance: load state: %w", err)
	}
	if st.Epoch != prop.Payload.ExpectedEpoch {
		return Result{Outcome: OutcomeReject, Reason: ReasonEpochMismatch}, nil
	}

	drift, err := p.drift.Latest(ctx, prop.ScopeID)
	if err != nil {
		return Result{}, fmt.Errorf("governance: load drift: %w", err)
	}
	scoped := policy.ForScope(prop.ScopeID, p.policy)

	mode := scoped.Mode
	if prop.Mode != "" {
		mode = prop.Mode
	}

	basePayload := map[string]any{
		"expectedEpoch": prop.Payload.ExpectedEpoch,
		"from":          prop.Payload.From,
		"to":            prop.Payload.To,
	}

	if mode == policy.ModeMaster {
		return Result{Outcome: OutcomeApprove, Reason: ReasonMasterOverride, Payload: basePayload}, nil
	}

	verdict := policy.CanTransition(prop.Payload.From, prop.Payload.To, drift, scoped)
	if !verdict.Allowed {
		return Result{
			Outcome: OutcomePending,
			Reason:  verdict.Reason,
			Payload: map[string]any{
				"type":         "governance_review",
				"drift_level":  drift.Level,
				"drift_types":  drift.Types,
				"block_reason": verdict.Reason,
			},
		}, nil
	}

	if p.authz != nil {
		dec, err := p.authz.Check(ctx, prop.Agent, "writer", prop.TargetNode)
		if err != nil {
			return Result{}, fmt.Errorf("governance: permission check: %w", err)
		}
		if !dec.Allowed {
			reason := dec.Reason
			if reason == "" {
				reason = ReasonPolicyDenied
			}
			return Result{Outcome: OutcomeReject, Reason: reason}, nil
		}
	}

	if mode == policy.ModeMITL {
		return Result{Outcome: OutcomePending, Reason: ReasonMITLRequired, Payload: basePayload}, nil
	}

	return Result{Outcome: OutcomeApprove, Reason: ReasonPolicyPassed, Payload: basePayload}, nil
}

// Process runs the full pipeline for one proposal: phase A, optional phase B
// in YOLO mode, then the commit. Returns the committed result.
func (p *Pipeline) Process(ctx context.Context, prop *Proposal) (Result, error) {
	res, err := p.Evaluate(ctx, prop)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeIgnore {
		return res, nil
	}

	path := PathProcessProposal
	mode := p.modeFor(prop)
	if mode == policy.ModeYOLO && p.oversight != nil {
		res, path = p.oversight.Route(ctx, prop, res)
	}

	if err := p.Commit(ctx, prop, res, path); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Pipeline) modeFor(prop *Proposal) policy.Mode {
	if prop.Mode != "" {
		return prop.Mode
	}
	return policy.ForScope(prop.ScopeID, p.policy).Mode
}

// Commit is phase C: exactly one terminal effect plus its WAL entry.
func (p *Pipeline) Commit(ctx context.Context, prop *Proposal, res Result, path Path) error {
	switch res.Outcome {
	case OutcomeApprove:
		return p.commitApprove(ctx, prop, res, path)
	case OutcomeReject:
		return p.commitReject(ctx, prop, res, path)
	case OutcomePending:
		return p.commitPending(ctx, prop, res, path)
	default:
		return fmt.Errorf("governance: cannot commit outcome %q", res.Outcome)
	}
}

func (p *Pipeline) commitApprove(ctx context.Context, prop *Proposal, res Result, path Path) error {
	action := ActionEnvelope{
		ProposalID:    prop.ProposalID,
		ScopeID:       prop.ScopeID,
		Agent:         prop.Agent,
		ExpectedEpoch: prop.Payload.ExpectedEpoch,
		From:          prop.Payload.From,
		To:            prop.Payload.To,
		Reason:        res.Reason,
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("governance: marshal action: %w", err)
	}
	if _, err := p.bus.Publish(ctx, bus.SubjectActionAdvanceState, data); err != nil {
		return err
	}
	if err := p.appendDecision(ctx, envelope.EventProposalApproved, prop, res, path); err != nil {
		return err
	}
	p.metrics.Proposals.WithLabelValues("approved").Inc()
	p.metrics.GovernancePath.WithLabelValues(string(path)).Inc()
	return nil
}

func (p *Pipeline) commitReject(ctx context.Context, prop *Proposal, res Result, path Path) error {
	record := DecisionRecord{Proposal: *prop, Outcome: res.Outcome, Reason: res.Reason, Path: path}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("governance: marshal rejection: %w", err)
	}
	if _, err := p.bus.Publish(ctx, bus.RejectionSubject(prop.ProposedAction), data); err != nil {
		return err
	}
	if err := p.appendDecision(ctx, envelope.EventProposalRejected, prop, res, path); err != nil {
		return err
	}
	p.metrics.Proposals.WithLabelValues("rejected").Inc()
	p.metrics.GovernancePath.WithLabelValues(string(path)).Inc()
	if res.Reason == ReasonPolicyDenied {
		p.metrics.PolicyViolations.Inc()
	}
	return nil
}

func (p *Pipeline) commitPending(ctx context.Context, prop *Proposal, res Result, path Path) error {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Errorf("governance: marshal pending payload: %w", err)
	}
	review := &PendingReview{
		ProposalID: prop.ProposalID,
		ScopeID:    prop.ScopeID,
		Agent:      prop.Agent,
		Reason:     res.Reason,
		Payload:    payload,
	}

	env, err := decisionEnvelope(envelope.EventProposalPending, prop, res, path)
	if err != nil {
		return err
	}

	// Registry row and WAL entry commit in one transaction when both sit on
	// the same Postgres handle; otherwise sequentially, registry first.
	committed := false
	if p.db != nil {
		pgLog, okLog := p.log.(*wal.PostgresLog)
		pgReviews, okRev := p.reviews.(*PostgresReviewRegistry)
		if okLog && okRev {
			tx, err := p.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("governance: begin pending commit: %w", err)
			}
			if err := pgReviews.InsertTx(ctx, tx, review); err != nil {
				tx.Rollback()
				return err
			}
			if _, err := pgLog.AppendTx(ctx, tx, env); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("governance: commit pending: %w", err)
			}
			committed = true
		}
	}
	if !committed {
		if err := p.reviews.Insert(ctx, review); err != nil {
			return err
		}
		if _, err := p.log.Append(ctx, env); err != nil {
			return err
		}
	}

	notice, err := json.Marshal(map[string]any{
		"status":      "pending",
		"proposal_id": prop.ProposalID,
		"scope_id":    prop.ScopeID,
		"reason":      res.Reason,
	})
	if err != nil {
		return fmt.Errorf("governance: marshal pending notice: %w", err)
	}
	if _, err := p.bus.Publish(ctx, bus.PendingApprovalSubject(prop.ProposalID), notice); err != nil {
		return err
	}
	p.metrics.Proposals.WithLabelValues("pending").Inc()
	p.metrics.GovernancePath.WithLabelValues(string(path)).Inc()
	return nil
}

func decisionEnvelope(t envelope.EventType, prop *Proposal, res Result, path Path) (*envelope.Envelope, error) {
	env, err := envelope.New(t, "governance", DecisionRecord{
		Proposal: *prop,
		Outcome:  res.Outcome,
		Reason:   res.Reason,
		Path:     path,
		Payload:  res.Payload,
	})
	if err != nil {
		return nil, err
	}
	return env.WithCorrelation(prop.ProposalID), nil
}

func (p *Pipeline) appendDecision(ctx context.Context, t envelope.EventType, prop *Proposal, res Result, path Path) error {
	env, err := decisionEnvelope(t, prop, res, path)
	if err != nil {
		return err
	}
	if _, err := p.log.Append(ctx, env); err != nil {
		return err
	}
	return nil
}
