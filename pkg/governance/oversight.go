package governance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/swarm/core/pkg/capability"
	"github.com/Mindburn-Labs/swarm/core/pkg/llm"
)

// Oversight routing capability ids.
const (
	capAcceptDeterministic = "accept_deterministic"
	capEscalateToLLM       = "escalate_to_llm"
	capEscalateToHuman     = "escalate_to_human"
)

// Decider agent capability ids.
const (
	capApproveProposal    = "approve_proposal"
	capRejectProposal     = "reject_proposal"
	capRequestHumanReview = "request_human_review"
	capGetState           = "get_state"
	capGetDrift           = "get_drift"
	capGetPolicy          = "get_policy"
	capGetGraphSummary    = "get_graph_summary"
)

// Oversight wraps the YOLO-mode routing step. It never changes WHAT was
// decided — only WHO decides: the deterministic result, a full LLM decider,
// or a human. Any model failure (including an open breaker) falls back to
// the deterministic result.
type Oversight struct {
	client  *llm.Client
	router  capability.Agent
	decider capability.Agent
	logger  *slog.Logger
}

// NewOversight builds the router and decider agents over a guarded client.
func NewOversight(client *llm.Client, logger *slog.Logger) *Oversight {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oversight{
		client:  client,
		router:  routerAgent(),
		decider: deciderAgent(),
		logger:  logger,
	}
}

func routerAgent() capability.Agent {
	route := capability.Schema{Fields: map[string]string{"rationale": "string"}}
	return capability.Agent{
		Name: "oversight-router",
		Instructions: "You review a governance proposal together with the deterministic verdict. " +
			"Pick exactly one route: accept the deterministic verdict, escalate to the full decider, " +
			"or escalate to a human. Escalate only when the verdict looks unsafe or under-informed.",
		Capabilities: []capability.Capability{
			{ID: capAcceptDeterministic, Description: "Commit the deterministic verdict as-is.", Inputs: route},
			{ID: capEscalateToLLM, Description: "Hand the decision to the full governance decider.", Inputs: route},
			{ID: capEscalateToHuman, Description: "Park the proposal for human review.", Inputs: route},
		},
	}
}

func deciderAgent() capability.Agent {
	empty := capability.Schema{Fields: map[string]string{}}
	reason := capability.Schema{Fields: map[string]string{"reason": "string"}}
	return capability.Agent{
		Name: "governance-decider",
		Instructions: "You are the governance decider. Inspect the proposal and the provided context, " +
			"then call exactly one of approve_proposal, reject_proposal or request_human_review.",
		Capabilities: []capability.Capability{
			{ID: capApproveProposal, Description: "Approve the state advance.", Inputs: reason},
			{ID: capRejectProposal, Description: "Reject the state advance.", Inputs: reason},
			{ID: capRequestHumanReview, Description: "Park the proposal for a human.", Inputs: reason},
			{ID: capGetState, Description: "Read the scope's state row.", Inputs: empty},
			{ID: capGetDrift, Description: "Read the latest drift snapshot.", Inputs: empty},
			{ID: capGetPolicy, Description: "Read the effective policy for the scope.", Inputs: empty},
			{ID: capGetGraphSummary, Description: "Read the scope's graph aggregates.", Inputs: empty},
		},
	}
}

// Route runs phase B and returns the (possibly re-decided) result plus the
// governance path tag for the WAL entry.
func (o *Oversight) Route(ctx context.Context, prop *Proposal, det Result) (Result, Path) {
	if o == nil || !o.client.Configured() {
		return det, PathProcessProposal
	}

	input, err := json.Marshal(map[string]any{
		"proposal":      prop,
		"deterministic": det,
	})
	if err != nil {
		return det, PathAcceptDeterministic
	}

	resp, err := o.client.Complete(ctx, llm.Request{
		Instructions: o.router.Instructions,
		Input:        string(input),
		Tools:        o.router.ToolSchemas(),
	})
	if err != nil {
		o.logger.Warn("oversight router unavailable, accepting deterministic result",
			"proposal", prop.ProposalID, "error", err)
		return det, PathAcceptDeterministic
	}

	switch routeOf(resp) {
	case capEscalateToHuman:
		return Result{
			Outcome: OutcomePending,
			Reason:  ReasonHumanEscalated,
			Payload: det.Payload,
		}, PathEscalateToHuman
	case capEscalateToLLM:
		return o.decide(ctx, prop, det)
	default:
		return det, PathAcceptDeterministic
	}
}

// decide runs the full decider agent. Its verdict replaces phase A's, but a
// failed or unparseable call still commits the deterministic result.
func (o *Oversight) decide(ctx context.Context, prop *Proposal, det Result) (Result, Path) {
	input, err := json.Marshal(map[string]any{
		"proposal":      prop,
		"deterministic": det,
	})
	if err != nil {
		return det, PathAcceptDeterministic
	}

	resp, err := o.client.Complete(ctx, llm.Request{
		Instructions: o.decider.Instructions,
		Input:        string(input),
		Tools:        o.decider.ToolSchemas(),
	})
	if err != nil {
		o.logger.Warn("governance decider unavailable, accepting deterministic result",
			"proposal", prop.ProposalID, "error", err)
		return det, PathAcceptDeterministic
	}

	for _, call := range resp.ToolCalls {
		reason := stringArg(call.Args, "reason")
		switch call.ToolID {
		case capApproveProposal:
			if reason == "" {
				reason = det.Reason
			}
			return Result{Outcome: OutcomeApprove, Reason: reason, Payload: det.Payload}, PathEscalateToLLM
		case capRejectProposal:
			if reason == "" {
				reason = "decider_rejected"
			}
			return Result{Outcome: OutcomeReject, Reason: reason, Payload: det.Payload}, PathEscalateToLLM
		case capRequestHumanReview:
			if reason == "" {
				reason = ReasonHumanEscalated
			}
			return Result{Outcome: OutcomePending, Reason: reason, Payload: det.Payload}, PathEscalateToLLM
		}
	}
	return det, PathAcceptDeterministic
}

func routeOf(resp *llm.Response) string {
	for _, call := range resp.ToolCalls {
		switch call.ToolID {
		case capAcceptDeterministic, capEscalateToLLM, capEscalateToHuman:
			return call.ToolID
		}
	}
	// Some providers answer in text; accept a bare capability name.
	text := strings.TrimSpace(resp.Text)
	switch {
	case strings.Contains(text, capEscalateToHuman):
		return capEscalateToHuman
	case strings.Contains(text, capEscalateToLLM):
		return capEscalateToLLM
	default:
		return capAcceptDeterministic
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
