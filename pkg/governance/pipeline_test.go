package governance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/state"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

type fakeStates struct {
	st *state.State
}

func (f *fakeStates) Get(context.Context, string) (*state.State, error) {
	return f.st, nil
}

type published struct {
	subject string
	data    []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
}

func (f *fakeBus) Publish(_ context.Context, subject string, data []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{subject: subject, data: data})
	return uint64(len(f.published)), nil
}

func (f *fakeBus) Consume(context.Context, string, string, bus.Handler, bus.ConsumeOptions) (int, error) {
	return 0, nil
}

func (f *fakeBus) Subscribe(context.Context, string, string, bus.Handler) (func(), error) {
	return func() {}, nil
}

func (f *fakeBus) ConsumerPending(context.Context, string) (uint64, error) { return 0, nil }
func (f *fakeBus) Close() error                                           { return nil }

func (f *fakeBus) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, p := range f.published {
		out[i] = p.subject
	}
	return out
}

type memWAL struct {
	mu      sync.Mutex
	entries []*envelope.Envelope
}

func (m *memWAL) Append(_ context.Context, env *envelope.Envelope) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, env)
	return uint64(len(m.entries)), nil
}

func (m *memWAL) Tail(context.Context, int) ([]wal.Event, error)  { return nil, nil }
func (m *memWAL) Since(context.Context, uint64, int) ([]wal.Event, error) { return nil, nil }
func (m *memWAL) LatestSeqOfTypes(context.Context, []envelope.EventType) (uint64, error) {
	return 0, nil
}

func (m *memWAL) types() []envelope.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.EventType, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Type
	}
	return out
}

var _ wal.Log = (*memWAL)(nil)

func testPipeline(t *testing.T, epoch uint64, drift policy.DriftSnapshot, cfg *policy.Config) (*Pipeline, *fakeBus, *memWAL, *MemoryReviewRegistry) {
	t.Helper()
	b := &fakeBus{}
	log := &memWAL{}
	reviews := NewMemoryReviewRegistry()
	p := NewPipeline(PipelineDeps{
		States:  &fakeStates{st: &state.State{ScopeID: "s1", LastNode: state.DriftChecked, Epoch: epoch}},
		Drift:   StaticDriftSource{Snapshot: drift},
		Policy:  cfg,
		WAL:     log,
		Bus:     b,
		Reviews: reviews,
	})
	return p, b, log, reviews
}

func criticalGate() *policy.Config {
	return &policy.Config{
		Mode: policy.ModeYOLO,
		TransitionRules: []policy.TransitionRule{{
			From:      string(state.DriftChecked),
			To:        string(state.ContextIngested),
			BlockWhen: policy.BlockWhen{DriftLevel: []string{"critical", "high"}},
			Reason:    "critical_drift_blocks_restart",
		}},
	}
}

func advanceProposal(epoch uint64, mode policy.Mode) *Proposal {
	return &Proposal{
		ProposalID:     "p-1",
		ScopeID:        "s1",
		Agent:          "worker-1",
		ProposedAction: ActionAdvanceState,
		Payload: ProposalPayload{
			ExpectedEpoch: epoch,
			From:          string(state.DriftChecked),
			To:            string(state.ContextIngested),
		},
		Mode: mode,
	}
}

func TestEvaluateIgnoresNonAdvance(t *testing.T) {
	p, _, _, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)
	res, err := p.Evaluate(context.Background(), &Proposal{ProposedAction: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnore, res.Outcome)
	assert.Equal(t, ReasonNonAdvance, res.Reason)
}

func TestEvaluateRejectsMissingFromOrTo(t *testing.T) {
	p, _, _, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)
	prop := advanceProposal(4, "")
	prop.Payload.To = ""
	res, err := p.Evaluate(context.Background(), prop)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.Equal(t, ReasonMissingFromOrTo, res.Reason)
}

func TestEvaluateRejectsEpochMismatch(t *testing.T) {
	p, _, _, _ := testPipeline(t, 7, policy.DriftSnapshot{Level: "none"}, nil)
	res, err := p.Evaluate(context.Background(), advanceProposal(4, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.Equal(t, ReasonEpochMismatch, res.Reason)
}

func TestEvaluateYOLOWithCriticalDriftGoesPending(t *testing.T) {
	p, _, _, _ := testPipeline(t, 4,
		policy.DriftSnapshot{Level: "critical", Types: []string{"scope_creep"}}, criticalGate())

	res, err := p.Evaluate(context.Background(), advanceProposal(4, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, "critical_drift_blocks_restart", res.Reason)
	assert.Equal(t, "governance_review", res.Payload["type"])
	assert.Equal(t, "critical", res.Payload["drift_level"])
	assert.Equal(t, "critical_drift_blocks_restart", res.Payload["block_reason"])
}

func TestEvaluateMasterOverridesDrift(t *testing.T) {
	p, _, _, _ := testPipeline(t, 4,
		policy.DriftSnapshot{Level: "critical"}, criticalGate())

	res, err := p.Evaluate(context.Background(), advanceProposal(4, policy.ModeMaster))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprove, res.Outcome)
	assert.Equal(t, ReasonMasterOverride, res.Reason)
}

func TestEvaluateMITLGoesPending(t *testing.T) {
	p, _, _, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)
	res, err := p.Evaluate(context.Background(), advanceProposal(4, policy.ModeMITL))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, ReasonMITLRequired, res.Reason)
}

func TestProcessApproveCommitsActionAndWAL(t *testing.T) {
	p, b, log, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)

	res, err := p.Process(context.Background(), advanceProposal(4, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprove, res.Outcome)

	require.Contains(t, b.subjects(), bus.SubjectActionAdvanceState)
	require.Equal(t, []envelope.EventType{envelope.EventProposalApproved}, log.types())

	var action ActionEnvelope
	require.NoError(t, json.Unmarshal(b.published[0].data, &action))
	assert.Equal(t, uint64(4), action.ExpectedEpoch)
	assert.Equal(t, string(state.DriftChecked), action.From)
}

func TestProcessPendingCommitsRegistryAndNotice(t *testing.T) {
	p, b, log, reviews := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)

	res, err := p.Process(context.Background(), advanceProposal(4, policy.ModeMITL))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	pending, err := reviews.ListPending(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-1", pending[0].ProposalID)
	assert.Equal(t, ReasonMITLRequired, pending[0].Reason)

	assert.Equal(t, []envelope.EventType{envelope.EventProposalPending}, log.types())
	assert.Contains(t, b.subjects(), bus.PendingApprovalSubject("p-1"))
}

func TestProcessRejectPublishesRejection(t *testing.T) {
	p, b, log, _ := testPipeline(t, 7, policy.DriftSnapshot{Level: "none"}, nil)

	res, err := p.Process(context.Background(), advanceProposal(4, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)

	assert.Contains(t, b.subjects(), bus.RejectionSubject(ActionAdvanceState))
	assert.Equal(t, []envelope.EventType{envelope.EventProposalRejected}, log.types())
}

func TestEveryTerminalOutcomeWritesExactlyOneWALEntry(t *testing.T) {
	cases := []struct {
		name  string
		epoch uint64
		mode  policy.Mode
		want  envelope.EventType
	}{
		{"approve", 4, "", envelope.EventProposalApproved},
		{"reject", 9, "", envelope.EventProposalRejected},
		{"pending", 4, policy.ModeMITL, envelope.EventProposalPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _, log, _ := testPipeline(t, tc.epoch, policy.DriftSnapshot{Level: "none"}, nil)
			_, err := p.Process(context.Background(), advanceProposal(4, tc.mode))
			require.NoError(t, err)
			assert.Equal(t, []envelope.EventType{tc.want}, log.types())
		})
	}
}
