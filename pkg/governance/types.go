// Package governance admits or rejects state-machine proposals. The pipeline
// has three phases: a pure deterministic evaluation, an optional
// LLM-oversight routing that picks who decides, and an atomic commit of
// exactly one terminal outcome.
package governance

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
)

// ActionAdvanceState is the only proposal action governance admits.
const ActionAdvanceState = "advance_state"

// Proposal is a worker's request to advance the scope's state machine.
type Proposal struct {
	ProposalID     string          `json:"proposal_id"`
	ScopeID        string          `json:"scope_id"`
	Agent          string          `json:"agent"`
	ProposedAction string          `json:"proposed_action"`
	TargetNode     string          `json:"target_node"`
	Payload        ProposalPayload `json:"payload"`
	Mode           policy.Mode     `json:"mode,omitempty"`
}

// ProposalPayload carries the CAS coordinates.
type ProposalPayload struct {
	ExpectedEpoch uint64 `json:"expectedEpoch"`
	From          string `json:"from"`
	To            string `json:"to"`
}

// Outcome is a terminal pipeline verdict.
type Outcome string

const (
	OutcomeIgnore  Outcome = "ignore"
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
	OutcomePending Outcome = "pending"
)

// Well-known reasons.
const (
	ReasonNonAdvance      = "non advance_state proposal"
	ReasonEpochMismatch   = "state_epoch_mismatch"
	ReasonMissingFromOrTo = "missing_from_or_to"
	ReasonMasterOverride  = "master_override"
	ReasonPolicyDenied    = "policy_denied"
	ReasonMITLRequired    = "mitl_required"
	ReasonPolicyPassed    = "policy_passed"
	ReasonHumanEscalated  = "oversight_escalated_to_human"
)

// Path tags each WAL terminal entry with the decider that committed it.
type Path string

const (
	PathProcessProposal     Path = "processProposal"
	PathAcceptDeterministic Path = "oversight_acceptDeterministic"
	PathEscalateToLLM       Path = "oversight_escalateToLLM"
	PathEscalateToHuman     Path = "oversight_escalateToHuman"
	PathProcessWithAgent    Path = "processProposalWithAgent"
)

// Result is the phase-A verdict, possibly re-decided by an escalated agent
// in phase B. The payload rides into the WAL entry and, for pending, into
// the review registry.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Reason  string         `json:"reason"`
	Payload map[string]any `json:"payload,omitempty"`
}

// DecisionRecord is the WAL payload for every terminal entry.
type DecisionRecord struct {
	Proposal Proposal       `json:"proposal"`
	Outcome  Outcome        `json:"outcome"`
	Reason   string         `json:"reason"`
	Path     Path           `json:"governance_path"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ActionEnvelope is published to the executor on approve.
type ActionEnvelope struct {
	ProposalID    string `json:"proposal_id"`
	ScopeID       string `json:"scope_id"`
	Agent         string `json:"agent"`
	ExpectedEpoch uint64 `json:"expectedEpoch"`
	From          string `json:"from"`
	To            string `json:"to"`
	Reason        string `json:"reason"`
}

// FinalityTrigger is the payload of swarm.finality.evaluate.
type FinalityTrigger struct {
	ScopeID string `json:"scope_id"`
}

// DriftSource supplies the latest drift snapshot for a scope. Workers write
// drift reports through pkg/blob; governance only reads the digest.
type DriftSource interface {
	Latest(ctx context.Context, scope string) (policy.DriftSnapshot, error)
}

func decodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
