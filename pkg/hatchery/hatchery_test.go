package hatchery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
)

type lagBus struct {
	pending atomic.Uint64
}

func (b *lagBus) Publish(context.Context, string, []byte) (uint64, error) { return 0, nil }

func (b *lagBus) Consume(context.Context, string, string, bus.Handler, bus.ConsumeOptions) (int, error) {
	return 0, nil
}

func (b *lagBus) Subscribe(context.Context, string, string, bus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *lagBus) ConsumerPending(context.Context, string) (uint64, error) {
	return b.pending.Load(), nil
}

func (b *lagBus) Close() error { return nil }

func blockingFactory(ctx context.Context, _ *Handle) error {
	<-ctx.Done()
	return nil
}

func TestConsumerNameIsSharedPerRole(t *testing.T) {
	require.Equal(t, "extractor-shared-events", ConsumerName("extractor"))
}

func TestDesiredInstances(t *testing.T) {
	cases := []struct {
		name                string
		lambda, mu, rho     float64
		min, max, current   int
		lag, lagThr, actThr uint64
		want                int
	}{
		{name: "idle holds min", lambda: 0, mu: 1, rho: 0.7, min: 1, max: 5, want: 1},
		{name: "ceil of lambda over mu rho", lambda: 2, mu: 1, rho: 0.7, min: 1, max: 10, want: 3},
		{name: "clamped to max", lambda: 50, mu: 1, rho: 0.7, min: 1, max: 4, want: 4},
		{name: "clamped to min", lambda: 0.1, mu: 10, rho: 0.7, min: 2, max: 5, want: 2},
		{
			name: "lag boost adds backlog drain capacity",
			lambda: 0.1, mu: 1, rho: 0.7, min: 1, max: 10, current: 2,
			lag: 35, lagThr: 10, actThr: 10, want: 6,
		},
		{
			name: "lag below activation threshold does not boost",
			lambda: 0.1, mu: 1, rho: 0.7, min: 1, max: 10, current: 2,
			lag: 35, lagThr: 10, actThr: 50, want: 1,
		},
		{
			name: "lag boost still clamped to max",
			lambda: 0.1, mu: 1, rho: 0.7, min: 1, max: 4, current: 2,
			lag: 100, lagThr: 10, actThr: 10, want: 4,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DesiredInstances(tc.lambda, tc.mu, tc.rho,
				tc.min, tc.max, tc.current, tc.lag, tc.lagThr, tc.actThr)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestArrivalRateEstimatorLambda(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	e := NewArrivalRateEstimator(time.Minute).WithClock(func() time.Time { return now })

	require.Zero(t, e.Lambda())

	e.Observe(5)
	now = base.Add(10 * time.Second)
	e.Observe(5)
	require.InDelta(t, 1.0, e.Lambda(), 1e-9)

	// Samples outside the window fall off and stop contributing.
	now = base.Add(2 * time.Minute)
	require.Zero(t, e.Lambda())
}

func TestServiceRateTrackerMu(t *testing.T) {
	tr := NewServiceRateTracker(4)
	require.InDelta(t, 4.0, tr.Mu(), 1e-9)

	tr.Observe(200 * time.Millisecond)
	tr.Observe(300 * time.Millisecond)
	require.InDelta(t, 4.0, tr.Mu(), 1e-9)

	tr.Observe(0)
	require.InDelta(t, 4.0, tr.Mu(), 1e-9)
}

func TestRegisterRejectsDuplicateRole(t *testing.T) {
	h := New(Config{}, &lagBus{}, nil, nil, nil)
	require.NoError(t, h.Register(RoleConfig{Name: "extractor", Factory: blockingFactory}))
	err := h.Register(RoleConfig{Name: "extractor", Factory: blockingFactory})
	require.ErrorIs(t, err, ErrRoleExists)
}

func TestScaleUpSpawnsToMinimum(t *testing.T) {
	rec := NewMemoryEventRecorder()
	h := New(Config{}, &lagBus{}, rec, nil, nil)
	require.NoError(t, h.Register(RoleConfig{
		Name: "extractor", Factory: blockingFactory,
		MinInstances: 2, MaxInstances: 5, Grace: time.Second,
	}))

	ctx := context.Background()
	h.ScaleUpTick(ctx)
	t.Cleanup(func() { h.Shutdown(ctx) })

	reports := h.Report(ctx)
	require.Len(t, reports, 1)
	require.Equal(t, 2, reports[0].Instances)

	events := rec.Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, ActionSpawn, ev.Action)
		require.Equal(t, "extractor", ev.Role)
		require.Equal(t, "scale_up", ev.Reason)
	}
}

func TestCrashingRoleBecomesRestartExhausted(t *testing.T) {
	rec := NewMemoryEventRecorder()
	h := New(Config{}, &lagBus{}, rec, nil, nil)
	require.NoError(t, h.Register(RoleConfig{
		Name: "flaky",
		Factory: func(context.Context, *Handle) error {
			return errors.New("boom")
		},
		MinInstances: 1, MaxRestarts: 2, RestartWindow: time.Hour, Grace: time.Second,
	}))

	ctx := context.Background()
	h.ScaleUpTick(ctx)
	t.Cleanup(func() { h.Shutdown(ctx) })

	require.Eventually(t, func() bool {
		for _, ev := range rec.Events() {
			if ev.Action == ActionRestartExhausted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	reports := h.Report(ctx)
	require.True(t, reports[0].Exhausted)
	require.Zero(t, reports[0].Instances)

	// Exhausted roles stay down until an operator intervenes.
	h.ScaleUpTick(ctx)
	require.Zero(t, h.Report(ctx)[0].Instances)
}

func TestScaleDownDrainsNewestFirst(t *testing.T) {
	rec := NewMemoryEventRecorder()
	b := &lagBus{}
	h := New(Config{}, b, rec, nil, nil)
	require.NoError(t, h.Register(RoleConfig{
		Name: "extractor", Factory: blockingFactory,
		MinInstances: 1, MaxInstances: 5, Grace: time.Second,
		LagThreshold: 10, ActivationLagThreshold: 10,
	}))

	ctx := context.Background()
	b.pending.Store(100)
	h.ScaleUpTick(ctx)
	t.Cleanup(func() { h.Shutdown(ctx) })
	require.Equal(t, 5, h.Report(ctx)[0].Instances)

	var spawned []string
	for _, ev := range rec.Events() {
		if ev.Action == ActionSpawn {
			spawned = append(spawned, ev.AgentID)
		}
	}
	require.Len(t, spawned, 5)

	// Backlog cleared: the role shrinks back, newest instance first.
	b.pending.Store(0)
	h.ScaleDownTick(ctx)
	require.Equal(t, 4, h.Report(ctx)[0].Instances)

	var drained []string
	for _, ev := range rec.Events() {
		if ev.Action == ActionDrain {
			drained = append(drained, ev.AgentID)
		}
	}
	require.Len(t, drained, 1)
	require.Equal(t, spawned[len(spawned)-1], drained[0])
}

func TestScaleDownRespectsCooldownAndInFlight(t *testing.T) {
	rec := NewMemoryEventRecorder()
	b := &lagBus{}
	h := New(Config{}, b, rec, nil, nil)

	handles := make(chan *Handle, 8)
	require.NoError(t, h.Register(RoleConfig{
		Name: "extractor",
		Factory: func(ctx context.Context, hd *Handle) error {
			handles <- hd
			<-ctx.Done()
			return nil
		},
		MinInstances: 1, MaxInstances: 5, Grace: time.Second,
		LagThreshold: 10, ActivationLagThreshold: 10,
		ScaleDownCooldown: time.Minute,
	}))

	ctx := context.Background()
	b.pending.Store(30)
	h.ScaleUpTick(ctx)
	t.Cleanup(func() { h.Shutdown(ctx) })
	require.Equal(t, 3, h.Report(ctx)[0].Instances)

	hd := <-handles
	end := hd.Begin()

	b.pending.Store(0)
	h.ScaleDownTick(ctx)
	require.Equal(t, 3, h.Report(ctx)[0].Instances)

	end()
	h.ScaleDownTick(ctx)
	require.Equal(t, 2, h.Report(ctx)[0].Instances)

	// One drain per cooldown window.
	h.ScaleDownTick(ctx)
	require.Equal(t, 2, h.Report(ctx)[0].Instances)
}

func TestHeartbeatTickDrainsSilentInstances(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	rec := NewMemoryEventRecorder()
	h := New(Config{}, &lagBus{}, rec, nil, nil).
		WithClock(func() time.Time { return now })
	require.NoError(t, h.Register(RoleConfig{
		Name: "extractor", Factory: blockingFactory,
		MinInstances: 2, HeartbeatTimeout: 30 * time.Second, Grace: time.Second,
	}))

	ctx := context.Background()
	h.ScaleUpTick(ctx)
	t.Cleanup(func() { h.Shutdown(ctx) })

	h.HeartbeatTick(ctx)
	require.Equal(t, 2, h.Report(ctx)[0].Instances)

	now = base.Add(time.Minute)
	h.HeartbeatTick(ctx)

	require.Eventually(t, func() bool {
		return h.Report(ctx)[0].Instances == 0
	}, 2*time.Second, 10*time.Millisecond)

	var drains int
	for _, ev := range rec.Events() {
		if ev.Action == ActionHeartbeatDrain {
			drains++
		}
	}
	require.Equal(t, 2, drains)
}

func TestRolesByPressureOrdersScaleUp(t *testing.T) {
	h := New(Config{}, &lagBus{}, nil, nil, nil)
	require.NoError(t, h.Register(RoleConfig{
		Name: "extractor", Factory: blockingFactory,
		Dimensions: []string{"claim_support"},
	}))
	require.NoError(t, h.Register(RoleConfig{
		Name: "resolver", Factory: blockingFactory,
		Dimensions: []string{"contradiction_resolution"},
	}))

	h.UpdatePressure(map[string]float64{
		"claim_support":            0.05,
		"contradiction_resolution": 0.20,
	})

	h.mu.Lock()
	names := h.rolesByPressure()
	h.mu.Unlock()
	require.Equal(t, []string{"resolver", "extractor"}, names)
}
