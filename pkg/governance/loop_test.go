package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/dedup"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/state"
)

// subscribeBus hands the registered handler back to the test so deliveries,
// including redeliveries of the same MsgID after a Nak, can be driven by hand.
type subscribeBus struct {
	fakeBus
	handler bus.Handler
}

func (s *subscribeBus) Subscribe(_ context.Context, _, _ string, h bus.Handler) (func(), error) {
	s.handler = h
	return func() {}, nil
}

// flakyWAL fails the first n appends, then behaves like memWAL.
type flakyWAL struct {
	memWAL
	failures int32
}

func (f *flakyWAL) Append(ctx context.Context, env *envelope.Envelope) (uint64, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return 0, errors.New("wal unavailable")
	}
	return f.memWAL.Append(ctx, env)
}

type flakyAdvancer struct {
	calls    atomic.Int32
	failures int32
}

func (f *flakyAdvancer) AdvanceFromAction(context.Context, ActionEnvelope) error {
	if f.calls.Add(1) <= atomic.LoadInt32(&f.failures) {
		return errors.New("cas store unavailable")
	}
	return nil
}

func finalityMsg(t *testing.T, scope, msgID string) bus.Message {
	t.Helper()
	data, err := json.Marshal(FinalityTrigger{ScopeID: scope})
	require.NoError(t, err)
	return bus.Message{Subject: bus.SubjectFinalityEvaluate, Data: data, MsgID: msgID}
}

func TestFinalityConsumerRetriesAfterFailedPass(t *testing.T) {
	ctx := context.Background()
	b := &subscribeBus{}
	reg := dedup.NewMemoryRegistry()

	var runs atomic.Int32
	handle := func(context.Context, string) error {
		if runs.Add(1) == 1 {
			return errors.New("graph unavailable")
		}
		return nil
	}

	stop, err := RunFinalityConsumer(ctx, b, reg, handle, nil)
	require.NoError(t, err)
	defer stop()

	msg := finalityMsg(t, "s1", "42")

	// First delivery fails; the error must surface so the bus redelivers,
	// and the dedup claim must not survive the failure.
	require.Error(t, b.handler(ctx, msg))
	require.NoError(t, b.handler(ctx, msg))
	assert.Equal(t, int32(2), runs.Load())

	// After a successful pass further duplicates are no-ops.
	require.NoError(t, b.handler(ctx, msg))
	assert.Equal(t, int32(2), runs.Load())
}

func TestFinalityConsumerKeepsClaimOnMalformedPayload(t *testing.T) {
	ctx := context.Background()
	b := &subscribeBus{}
	reg := dedup.NewMemoryRegistry()

	var runs atomic.Int32
	stop, err := RunFinalityConsumer(ctx, b, reg, func(context.Context, string) error {
		runs.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer stop()

	msg := bus.Message{Subject: bus.SubjectFinalityEvaluate, Data: []byte("{"), MsgID: "9"}
	require.NoError(t, b.handler(ctx, msg))
	require.NoError(t, b.handler(ctx, msg))
	assert.Zero(t, runs.Load())

	seen, err := reg.IsProcessed(ctx, ConsumerFinality, "9")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestActionExecutorRetriesAfterFailedAdvance(t *testing.T) {
	ctx := context.Background()
	b := &subscribeBus{}
	reg := dedup.NewMemoryRegistry()
	adv := &flakyAdvancer{failures: 1}

	stop, err := RunActionExecutor(ctx, b, reg, adv, nil)
	require.NoError(t, err)
	defer stop()

	data, err := json.Marshal(ActionEnvelope{ProposalID: "p-1", ScopeID: "s1", ExpectedEpoch: 4})
	require.NoError(t, err)
	msg := bus.Message{Subject: bus.SubjectActionAdvanceState, Data: data, MsgID: "17"}

	require.Error(t, b.handler(ctx, msg))
	require.NoError(t, b.handler(ctx, msg))
	assert.Equal(t, int32(2), adv.calls.Load())

	require.NoError(t, b.handler(ctx, msg))
	assert.Equal(t, int32(2), adv.calls.Load())
}

func TestHandleProposalRetriesAfterFailedCommit(t *testing.T) {
	ctx := context.Background()
	b := &fakeBus{}
	log := &flakyWAL{failures: 1}
	p := NewPipeline(PipelineDeps{
		States:  &fakeStates{st: &state.State{ScopeID: "s1", LastNode: state.DriftChecked, Epoch: 4}},
		Drift:   StaticDriftSource{Snapshot: policy.DriftSnapshot{Level: "none"}},
		WAL:     log,
		Bus:     b,
		Reviews: NewMemoryReviewRegistry(),
	})
	reg := dedup.NewMemoryRegistry()
	l := NewLoop(b, p, reg, nil)

	raw, err := json.Marshal(advanceProposal(4, ""))
	require.NoError(t, err)
	msg := bus.Message{Subject: bus.SubjectProposalsAll, Data: raw, MsgID: "7"}

	require.Error(t, l.handleProposal(ctx, msg))

	// The failed commit released the claim so the redelivery can run.
	seen, err := reg.IsProcessed(ctx, ConsumerProposals, "7")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.handleProposal(ctx, msg))
	assert.Contains(t, b.subjects(), bus.SubjectFinalityEvaluate)
	assert.Equal(t, []envelope.EventType{envelope.EventProposalApproved}, log.types())

	// A duplicate after the successful run publishes nothing more.
	before := len(b.subjects())
	require.NoError(t, l.handleProposal(ctx, msg))
	assert.Len(t, b.subjects(), before)
}

func TestHandleProposalConcurrentDuplicatesRunOnce(t *testing.T) {
	ctx := context.Background()
	p, b, log, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)
	reg := dedup.NewMemoryRegistry()
	l := NewLoop(b, p, reg, nil)

	raw, err := json.Marshal(advanceProposal(4, ""))
	require.NoError(t, err)
	msg := bus.Message{Subject: bus.SubjectProposalsAll, Data: raw, MsgID: "11"}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.handleProposal(ctx, msg)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []envelope.EventType{envelope.EventProposalApproved}, log.types())
}

func TestHandleProposalDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	p, b, log, _ := testPipeline(t, 4, policy.DriftSnapshot{Level: "none"}, nil)
	reg := dedup.NewMemoryRegistry()
	l := NewLoop(b, p, reg, nil)

	msg := bus.Message{Subject: bus.SubjectProposalsAll, Data: []byte("not json"), MsgID: "3"}
	require.NoError(t, l.handleProposal(ctx, msg))
	require.NoError(t, l.handleProposal(ctx, msg))

	assert.Empty(t, b.subjects())
	assert.Empty(t, log.types())
}
