// Package hatchery supervises worker pools: it sizes each role with an M/M/c
// heuristic over observed arrival rates, restarts crashed instances under a
// bounded intensity policy, and drains idle or silent instances.
package hatchery

import (
	"math"
	"sync"
	"time"
)

// ArrivalRateEstimator derives λ (messages per second) from a sliding window
// of count samples.
type ArrivalRateEstimator struct {
	mu      sync.Mutex
	window  time.Duration
	samples []rateSample
	clock   func() time.Time
}

type rateSample struct {
	at    time.Time
	count int
}

// NewArrivalRateEstimator builds an estimator over the given window.
func NewArrivalRateEstimator(window time.Duration) *ArrivalRateEstimator {
	if window <= 0 {
		window = time.Minute
	}
	return &ArrivalRateEstimator{window: window, clock: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (e *ArrivalRateEstimator) WithClock(clock func() time.Time) *ArrivalRateEstimator {
	e.clock = clock
	return e
}

// Observe records that count messages arrived since the previous observation.
func (e *ArrivalRateEstimator) Observe(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.samples = append(e.samples, rateSample{at: now, count: count})
	e.trim(now)
}

// Lambda returns the arrival rate in msg/s over the window. Zero when the
// window holds no samples.
func (e *ArrivalRateEstimator) Lambda() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.trim(now)
	if len(e.samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range e.samples {
		total += s.count
	}
	span := now.Sub(e.samples[0].at)
	if span < time.Second {
		span = time.Second
	}
	return float64(total) / span.Seconds()
}

func (e *ArrivalRateEstimator) trim(now time.Time) {
	cutoff := now.Add(-e.window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
}

// ServiceRateTracker derives μ (completions per second) from observed handler
// latencies, falling back to a role default until samples exist.
type ServiceRateTracker struct {
	mu       sync.Mutex
	fallback float64
	total    time.Duration
	count    int
}

// NewServiceRateTracker builds a tracker with a default rate used before any
// latency has been observed.
func NewServiceRateTracker(fallbackMu float64) *ServiceRateTracker {
	if fallbackMu <= 0 {
		fallbackMu = 1
	}
	return &ServiceRateTracker{fallback: fallbackMu}
}

// Observe records one handler latency.
func (t *ServiceRateTracker) Observe(latency time.Duration) {
	if latency <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += latency
	t.count++
}

// Mu returns the service rate in completions per second.
func (t *ServiceRateTracker) Mu() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return t.fallback
	}
	avg := t.total.Seconds() / float64(t.count)
	if avg <= 0 {
		return t.fallback
	}
	return 1 / avg
}

// DesiredInstances is the M/M/c sizing heuristic: ⌈λ/(μ·ρ)⌉ clamped to
// [min,max], with a lag boost when the consumer backlog crosses both
// thresholds.
func DesiredInstances(lambda, mu, rhoTarget float64, min, max, current int,
	lag, lagThreshold, activationLagThreshold uint64) int {

	if max < min {
		max = min
	}
	desired := min
	if lambda > 0 && mu > 0 && rhoTarget > 0 {
		desired = int(math.Ceil(lambda / (mu * rhoTarget)))
	}
	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}

	if lagThreshold > 0 && lag > lagThreshold && lag > activationLagThreshold {
		boosted := int(math.Ceil(float64(lag)/float64(lagThreshold))) + current
		if boosted > desired {
			desired = boosted
		}
		if desired > max {
			desired = max
		}
	}
	return desired
}
