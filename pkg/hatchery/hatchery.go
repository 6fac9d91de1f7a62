package hatchery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/convergence"
	"github.com/Mindburn-Labs/swarm/core/pkg/metrics"
)

var ErrRoleExists = errors.New("hatchery: role already registered")

// ConsumerName returns the shared durable consumer name for a role.
func ConsumerName(role string) string {
	return role + "-shared-events"
}

// Factory runs one worker instance until its context is cancelled. The handle
// is how the instance reports liveness and in-flight work back to the
// supervisor.
type Factory func(ctx context.Context, h *Handle) error

// RoleConfig describes one supervised role.
type RoleConfig struct {
	Name    string
	Factory Factory

	MinInstances int
	MaxInstances int
	// TargetUtilization is ρ in the M/M/c sizing heuristic.
	TargetUtilization float64
	// DefaultServiceRate is the μ fallback (completions/s) before any handler
	// latency has been observed.
	DefaultServiceRate float64

	LagThreshold           uint64
	ActivationLagThreshold uint64

	RateWindow        time.Duration
	ScaleDownCooldown time.Duration
	HeartbeatTimeout  time.Duration

	MaxRestarts   int
	RestartWindow time.Duration

	// Grace bounds how long a drain or shutdown waits for the instance.
	Grace time.Duration

	// Dimensions associates the role with convergence dimensions for
	// pressure-directed scaling.
	Dimensions []string
}

func (c RoleConfig) withDefaults() RoleConfig {
	if c.MinInstances < 1 {
		c.MinInstances = 1
	}
	if c.MaxInstances < c.MinInstances {
		c.MaxInstances = c.MinInstances
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization > 1 {
		c.TargetUtilization = 0.7
	}
	if c.DefaultServiceRate <= 0 {
		c.DefaultServiceRate = 1
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	return c
}

// Handle is the instance-side reporting surface.
type Handle struct {
	ID   string
	Role string

	role *role

	mu       sync.Mutex
	lastBeat time.Time
	inFlight int
}

// Beat marks the instance alive. Call it at least once per handled message.
func (h *Handle) Beat() {
	h.mu.Lock()
	h.lastBeat = time.Now()
	h.mu.Unlock()
}

// Begin marks one unit of work in flight and feeds the arrival estimator.
// The returned func ends the unit and records its latency.
func (h *Handle) Begin() func() {
	h.Beat()
	h.mu.Lock()
	h.inFlight++
	h.mu.Unlock()
	h.role.arrivals.Observe(1)

	start := time.Now()
	return func() {
		h.role.service.Observe(time.Since(start))
		h.mu.Lock()
		h.inFlight--
		h.lastBeat = time.Now()
		h.mu.Unlock()
	}
}

func (h *Handle) snapshot() (last time.Time, inFlight int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBeat, h.inFlight
}

type instance struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	handle   *Handle
	draining bool
}

type role struct {
	cfg      RoleConfig
	arrivals *ArrivalRateEstimator
	service  *ServiceRateTracker

	instances     []*instance
	restarts      []time.Time
	exhausted     bool
	lastScaleDown time.Time
}

// RoleReport is the per-role sizing snapshot, Little's Law included.
type RoleReport struct {
	Role      string  `json:"role"`
	Instances int     `json:"instances"`
	Desired   int     `json:"desired"`
	Lambda    float64 `json:"lambda"`
	Mu        float64 `json:"mu"`
	LittleL   float64 `json:"little_l"`
	Lag       uint64  `json:"lag"`
	Pressure  float64 `json:"pressure"`
	Exhausted bool    `json:"exhausted"`
}

// Config tunes the supervisor's tick cadence.
type Config struct {
	ScaleUpInterval   time.Duration
	ScaleDownInterval time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns 5s scale-up, 15s scale-down, 10s heartbeat ticks.
func DefaultConfig() Config {
	return Config{
		ScaleUpInterval:   5 * time.Second,
		ScaleDownInterval: 15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Hatchery supervises all registered roles.
type Hatchery struct {
	cfg      Config
	bus      bus.Bus
	recorder EventRecorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time

	mu           sync.Mutex
	roles        map[string]*role
	order        []string
	pressure     map[string]float64
	shuttingDown bool
	wg           sync.WaitGroup
}

// New builds a hatchery. The bus supplies consumer lag; recorder and metrics
// may be nil.
func New(cfg Config, b bus.Bus, recorder EventRecorder, m *metrics.Metrics, log *slog.Logger) *Hatchery {
	def := DefaultConfig()
	if cfg.ScaleUpInterval <= 0 {
		cfg.ScaleUpInterval = def.ScaleUpInterval
	}
	if cfg.ScaleDownInterval <= 0 {
		cfg.ScaleDownInterval = def.ScaleDownInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if recorder == nil {
		recorder = NewMemoryEventRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hatchery{
		cfg:      cfg,
		bus:      b,
		recorder: recorder,
		metrics:  m,
		log:      log,
		clock:    time.Now,
		roles:    map[string]*role{},
		pressure: map[string]float64{},
	}
}

// WithClock injects a deterministic clock for tests.
func (h *Hatchery) WithClock(clock func() time.Time) *Hatchery {
	h.clock = clock
	return h
}

// Register adds a supervised role. Registration after Run has started is
// allowed; the next tick picks it up.
func (h *Hatchery) Register(cfg RoleConfig) error {
	cfg = cfg.withDefaults()
	if cfg.Name == "" || cfg.Factory == nil {
		return errors.New("hatchery: role needs a name and a factory")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.roles[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrRoleExists, cfg.Name)
	}
	h.roles[cfg.Name] = &role{
		cfg:      cfg,
		arrivals: NewArrivalRateEstimator(cfg.RateWindow),
		service:  NewServiceRateTracker(cfg.DefaultServiceRate),
	}
	h.order = append(h.order, cfg.Name)
	return nil
}

// UpdatePressure replaces the dimension pressure map used for scale-up
// ordering. The convergence tracker feeds it after each finality pass.
func (h *Hatchery) UpdatePressure(p map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pressure = p
}

func (h *Hatchery) rolePressure(r *role) float64 {
	var sum float64
	for _, dim := range r.cfg.Dimensions {
		sum += h.pressure[dim]
	}
	return sum
}

// rolesByPressure returns role names sorted by descending pressure, stable on
// registration order. Caller holds h.mu.
func (h *Hatchery) rolesByPressure() []string {
	names := make([]string, len(h.order))
	copy(names, h.order)
	sort.SliceStable(names, func(i, j int) bool {
		return h.rolePressure(h.roles[names[i]]) > h.rolePressure(h.roles[names[j]])
	})
	return names
}

// Run ticks until the context is cancelled, then shuts all roles down.
func (h *Hatchery) Run(ctx context.Context) error {
	up := time.NewTicker(h.cfg.ScaleUpInterval)
	down := time.NewTicker(h.cfg.ScaleDownInterval)
	beat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer up.Stop()
	defer down.Stop()
	defer beat.Stop()

	h.ScaleUpTick(ctx)
	for {
		select {
		case <-ctx.Done():
			h.Shutdown(context.Background())
			return ctx.Err()
		case <-up.C:
			h.ScaleUpTick(ctx)
		case <-down.C:
			h.ScaleDownTick(ctx)
		case <-beat.C:
			h.HeartbeatTick(ctx)
		}
	}
}

func (h *Hatchery) lagFor(ctx context.Context, name string) uint64 {
	if h.bus == nil {
		return 0
	}
	lag, err := h.bus.ConsumerPending(ctx, ConsumerName(name))
	if err != nil {
		h.log.Debug("hatchery lag unavailable", "role", name, "error", err)
		return 0
	}
	if h.metrics != nil {
		h.metrics.ConsumerLag.WithLabelValues(ConsumerName(name)).Set(float64(lag))
	}
	return lag
}

// ScaleUpTick sizes every role and spawns up to the desired count, highest
// pressure first.
func (h *Hatchery) ScaleUpTick(ctx context.Context) {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return
	}
	names := h.rolesByPressure()
	h.mu.Unlock()

	for _, name := range names {
		h.scaleUpRole(ctx, name)
	}
}

func (h *Hatchery) scaleUpRole(ctx context.Context, name string) {
	lag := h.lagFor(ctx, name)

	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.roles[name]
	if r == nil || r.exhausted || h.shuttingDown {
		return
	}

	lambda := r.arrivals.Lambda()
	mu := r.service.Mu()
	current := len(r.instances)
	desired := DesiredInstances(lambda, mu, r.cfg.TargetUtilization,
		r.cfg.MinInstances, r.cfg.MaxInstances, current,
		lag, r.cfg.LagThreshold, r.cfg.ActivationLagThreshold)

	for len(r.instances) < desired {
		before := len(r.instances)
		inst := h.spawnLocked(r)
		h.record(ctx, Event{
			Role: name, Action: ActionSpawn, AgentID: inst.id,
			InstanceCountBefore: before, InstanceCountAfter: len(r.instances),
			Lambda: lambda, Mu: mu, ConsumerLag: lag,
			Pressure: h.rolePressure(r), Reason: "scale_up",
		})
		if h.metrics != nil {
			h.metrics.HatcherySpawns.WithLabelValues(name).Inc()
		}
	}
}

// spawnLocked starts one instance. Caller holds h.mu.
func (h *Hatchery) spawnLocked(r *role) *instance {
	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		id:     r.cfg.Name + "-" + uuid.New().String()[:8],
		cancel: cancel,
		done:   make(chan struct{}),
	}
	inst.handle = &Handle{ID: inst.id, Role: r.cfg.Name, role: r, lastBeat: h.clock()}
	r.instances = append(r.instances, inst)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := r.cfg.Factory(runCtx, inst.handle)
		close(inst.done)
		h.onExit(r, inst, err)
	}()

	h.log.Info("hatchery spawned instance", "role", r.cfg.Name, "agent", inst.id)
	return inst
}

// onExit applies the bounded-intensity restart policy when an instance stops
// outside of a drain or shutdown.
func (h *Hatchery) onExit(r *role, inst *instance, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	draining := inst.draining
	h.removeLocked(r, inst)
	if draining || h.shuttingDown {
		return
	}

	now := h.clock()
	cutoff := now.Add(-r.cfg.RestartWindow)
	kept := r.restarts[:0]
	for _, t := range r.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.restarts = kept

	if len(r.restarts) >= r.cfg.MaxRestarts {
		r.exhausted = true
		h.record(context.Background(), Event{
			Role: r.cfg.Name, Action: ActionRestartExhausted, AgentID: inst.id,
			InstanceCountBefore: len(r.instances) + 1, InstanceCountAfter: len(r.instances),
			Reason: fmt.Sprintf("%d restarts within %s", len(r.restarts), r.cfg.RestartWindow),
		})
		h.log.Error("hatchery role restart-exhausted", "role", r.cfg.Name, "error", err)
		return
	}

	r.restarts = append(r.restarts, now)
	replacement := h.spawnLocked(r)
	h.record(context.Background(), Event{
		Role: r.cfg.Name, Action: ActionRestart, AgentID: replacement.id,
		InstanceCountBefore: len(r.instances) - 1, InstanceCountAfter: len(r.instances),
		Reason: exitReason(err),
	})
	if h.metrics != nil {
		h.metrics.HatcherySpawns.WithLabelValues(r.cfg.Name).Inc()
	}
}

func exitReason(err error) string {
	if err == nil {
		return "clean_exit"
	}
	return "error: " + err.Error()
}

func (h *Hatchery) removeLocked(r *role, inst *instance) {
	for i, cur := range r.instances {
		if cur == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			return
		}
	}
}

// ScaleDownTick drains over-capacity roles, newest instance first. A role is
// drained only when nothing is in flight and the cooldown has elapsed.
func (h *Hatchery) ScaleDownTick(ctx context.Context) {
	h.mu.Lock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	h.mu.Unlock()

	for _, name := range names {
		lag := h.lagFor(ctx, name)

		h.mu.Lock()
		r := h.roles[name]
		if r == nil || h.shuttingDown {
			h.mu.Unlock()
			continue
		}
		lambda := r.arrivals.Lambda()
		mu := r.service.Mu()
		current := len(r.instances)
		desired := DesiredInstances(lambda, mu, r.cfg.TargetUtilization,
			r.cfg.MinInstances, r.cfg.MaxInstances, current,
			lag, r.cfg.LagThreshold, r.cfg.ActivationLagThreshold)

		if current <= desired ||
			h.clock().Sub(r.lastScaleDown) < r.cfg.ScaleDownCooldown ||
			roleInFlight(r) > 0 {
			h.mu.Unlock()
			continue
		}

		inst := r.instances[len(r.instances)-1]
		inst.draining = true
		r.lastScaleDown = h.clock()
		grace := r.cfg.Grace
		h.record(ctx, Event{
			Role: name, Action: ActionDrain, AgentID: inst.id,
			InstanceCountBefore: current, InstanceCountAfter: current - 1,
			Lambda: lambda, Mu: mu, ConsumerLag: lag,
			Pressure: h.rolePressure(r), Reason: "scale_down",
		})
		h.mu.Unlock()

		h.drain(inst, grace)
		if h.metrics != nil {
			h.metrics.HatcheryDrains.WithLabelValues(name).Inc()
		}
	}
}

func roleInFlight(r *role) int {
	total := 0
	for _, inst := range r.instances {
		_, n := inst.handle.snapshot()
		total += n
	}
	return total
}

// HeartbeatTick drains instances silent past the role's heartbeat timeout.
func (h *Hatchery) HeartbeatTick(ctx context.Context) {
	type stale struct {
		inst  *instance
		grace time.Duration
	}
	var victims []stale

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return
	}
	now := h.clock()
	for _, name := range h.order {
		r := h.roles[name]
		for _, inst := range r.instances {
			last, _ := inst.handle.snapshot()
			if inst.draining || now.Sub(last) < r.cfg.HeartbeatTimeout {
				continue
			}
			inst.draining = true
			h.record(ctx, Event{
				Role: name, Action: ActionHeartbeatDrain, AgentID: inst.id,
				InstanceCountBefore: len(r.instances), InstanceCountAfter: len(r.instances) - 1,
				Reason: fmt.Sprintf("silent for %s", now.Sub(last).Round(time.Second)),
			})
			victims = append(victims, stale{inst: inst, grace: r.cfg.Grace})
			h.log.Warn("hatchery draining silent instance", "role", name, "agent", inst.id)
		}
	}
	h.mu.Unlock()

	for _, v := range victims {
		h.drain(v.inst, v.grace)
	}
}

// drain cancels the instance and waits for it up to grace.
func (h *Hatchery) drain(inst *instance, grace time.Duration) {
	inst.cancel()
	select {
	case <-inst.done:
	case <-time.After(grace):
		h.log.Warn("hatchery drain grace expired", "agent", inst.id)
	}
}

// Shutdown cancels every instance and awaits them with each role's grace
// deadline.
func (h *Hatchery) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	type pending struct {
		inst  *instance
		grace time.Duration
	}
	var all []pending
	for _, name := range h.order {
		r := h.roles[name]
		for _, inst := range r.instances {
			inst.draining = true
			all = append(all, pending{inst: inst, grace: r.cfg.Grace})
		}
	}
	h.mu.Unlock()

	for _, p := range all {
		p.inst.cancel()
	}
	for _, p := range all {
		select {
		case <-p.inst.done:
		case <-time.After(p.grace):
			h.log.Warn("hatchery shutdown grace expired", "agent", p.inst.id)
		case <-ctx.Done():
			return
		}
	}
	h.wg.Wait()
	h.log.Info("hatchery shut down")
}

// Report snapshots every role for operators and tests.
func (h *Hatchery) Report(ctx context.Context) []RoleReport {
	h.mu.Lock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	h.mu.Unlock()

	out := make([]RoleReport, 0, len(names))
	for _, name := range names {
		lag := h.lagFor(ctx, name)
		h.mu.Lock()
		r := h.roles[name]
		if r == nil {
			h.mu.Unlock()
			continue
		}
		lambda := r.arrivals.Lambda()
		mu := r.service.Mu()
		current := len(r.instances)
		out = append(out, RoleReport{
			Role:      name,
			Instances: current,
			Desired: DesiredInstances(lambda, mu, r.cfg.TargetUtilization,
				r.cfg.MinInstances, r.cfg.MaxInstances, current,
				lag, r.cfg.LagThreshold, r.cfg.ActivationLagThreshold),
			Lambda:    lambda,
			Mu:        mu,
			LittleL:   convergence.LittleL(lambda, mu),
			Lag:       lag,
			Pressure:  h.rolePressure(r),
			Exhausted: r.exhausted,
		})
		h.mu.Unlock()
	}
	return out
}

func (h *Hatchery) record(ctx context.Context, ev Event) {
	if err := h.recorder.Record(ctx, ev); err != nil {
		h.log.Warn("hatchery event record failed", "role", ev.Role, "action", ev.Action, "error", err)
	}
}
