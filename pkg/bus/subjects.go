package bus

import "fmt"

// Stable subject names. The swarm namespace is hierarchical; wildcard
// consumers use the ">" form.
const (
	SubjectJobExtractFacts    = "swarm.jobs.extract_facts"
	SubjectJobCheckDrift      = "swarm.jobs.check_drift"
	SubjectJobPlanActions     = "swarm.jobs.plan_actions"
	SubjectJobSummarizeStatus = "swarm.jobs.summarize_status"

	SubjectProposals    = "swarm.proposals"
	SubjectProposalsAll = "swarm.proposals.>"

	SubjectActionAdvanceState = "swarm.actions.advance_state"
	SubjectActionFinality     = "swarm.actions.finality"

	SubjectFinalityEvaluate = "swarm.finality.evaluate"
)

// RejectionSubject returns the rejection subject for a proposed action.
func RejectionSubject(proposedAction string) string {
	return fmt.Sprintf("swarm.rejections.%s", proposedAction)
}

// PendingApprovalSubject returns the notification subject for a pending proposal.
func PendingApprovalSubject(proposalID string) string {
	return fmt.Sprintf("swarm.pending_approval.%s", proposalID)
}

// EventSubject returns the envelope feed subject for an event type.
func EventSubject(eventType string) string {
	return fmt.Sprintf("swarm.events.%s", eventType)
}

// ProposalSubject returns the per-agent proposal subject.
func ProposalSubject(agent string) string {
	return fmt.Sprintf("swarm.proposals.%s", agent)
}
