// Package envelope defines the event envelope carried on the bus and in the
// write-ahead log. Every durable event in the swarm is wrapped in an Envelope
// so consumers can filter by type without decoding the payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an envelope.
type EventType string

const (
	EventBootstrap        EventType = "bootstrap"
	EventStateTransition  EventType = "state_transition"
	EventContextDoc       EventType = "context_doc"
	EventFactsExtracted   EventType = "facts_extracted"
	EventDriftAnalyzed    EventType = "drift_analyzed"
	EventActionsPlanned   EventType = "actions_planned"
	EventStatusSummarized EventType = "status_summarized"
	EventStatusCard       EventType = "status_card"
	EventResolution       EventType = "resolution"
	EventWatchdogHITL     EventType = "watchdog_hitl"

	EventProposalApproved EventType = "proposal_approved"
	EventProposalRejected EventType = "proposal_rejected"
	EventProposalPending  EventType = "proposal_pending_approval"
)

// Envelope is the wire format for every durable event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id and the current timestamp.
// The payload is serialized immediately so a later mutation of v cannot
// change what gets published.
func New(eventType EventType, source string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		ID:      uuid.New().String(),
		Type:    eventType,
		TS:      time.Now().UTC(),
		Source:  source,
		Payload: payload,
	}, nil
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.ID, err)
	}
	return nil
}

// PipelineTypes is the set of event types that advance the main pipeline
// cursor. Governance decisions are deliberately absent so they do not
// re-trigger pipeline stages.
var PipelineTypes = []EventType{
	EventBootstrap,
	EventStateTransition,
	EventFactsExtracted,
	EventDriftAnalyzed,
	EventActionsPlanned,
	EventStatusSummarized,
}

// ActivationTypes is the narrower set that wakes the facts-extraction stage.
// Only new input (bootstrap, context docs, human resolutions) counts; the
// stage stays suspended across governance chatter.
var ActivationTypes = []EventType{
	EventBootstrap,
	EventContextDoc,
	EventResolution,
}
