package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSnapshotsPayload(t *testing.T) {
	doc := map[string]string{"body": "original"}
	env, err := New(EventContextDoc, "ingest", doc)
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, EventContextDoc, env.Type)
	require.Equal(t, "ingest", env.Source)
	require.False(t, env.TS.IsZero())

	// Mutating the source value after New must not change the envelope.
	doc["body"] = "mutated"

	var got map[string]string
	require.NoError(t, env.DecodePayload(&got))
	require.Equal(t, "original", got["body"])
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	_, err := New(EventContextDoc, "ingest", make(chan int))
	require.Error(t, err)
}

func TestWithCorrelationChains(t *testing.T) {
	env, err := New(EventResolution, "review", map[string]string{})
	require.NoError(t, err)
	require.Same(t, env, env.WithCorrelation("prop-1"))
	require.Equal(t, "prop-1", env.CorrelationID)
}

func TestDecodePayloadEmptyIsError(t *testing.T) {
	env := &Envelope{ID: "e1", Type: EventBootstrap}
	var v map[string]any
	require.Error(t, env.DecodePayload(&v))
}

func TestActivationTypesExcludeGovernanceChatter(t *testing.T) {
	require.Contains(t, ActivationTypes, EventResolution)
	require.NotContains(t, ActivationTypes, EventProposalApproved)
	require.NotContains(t, ActivationTypes, EventProposalPending)

	require.Contains(t, PipelineTypes, EventStateTransition)
	require.NotContains(t, PipelineTypes, EventResolution)
}
