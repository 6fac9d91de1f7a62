// Package metrics holds the process-wide Prometheus registry for governance
// and hatchery signals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the core records into.
type Metrics struct {
	Registry *prometheus.Registry

	Proposals        *prometheus.CounterVec
	PolicyViolations prometheus.Counter
	GovernancePath   *prometheus.CounterVec
	FinalityScore    *prometheus.GaugeVec
	HatcherySpawns   *prometheus.CounterVec
	HatcheryDrains   *prometheus.CounterVec
	ConsumerLag      *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "proposals_total",
			Help:      "Governance proposal outcomes.",
		}, []string{"outcome"}),
		PolicyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "policy_violations_total",
			Help:      "Proposals rejected for policy_denied.",
		}),
		GovernancePath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "governance_path_total",
			Help:      "Which decider committed each decision.",
		}, []string{"path"}),
		FinalityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "finality_goal_score",
			Help:      "Latest total goal score per scope.",
		}, []string{"scope"}),
		HatcherySpawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "hatchery_spawns_total",
			Help:      "Worker instances spawned per role.",
		}, []string{"role"}),
		HatcheryDrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "hatchery_drains_total",
			Help:      "Worker instances drained per role.",
		}, []string{"role"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "consumer_lag_messages",
			Help:      "Pending messages per durable consumer.",
		}, []string{"consumer"}),
	}
	reg.MustRegister(
		m.Proposals, m.PolicyViolations, m.GovernancePath,
		m.FinalityScore, m.HatcherySpawns, m.HatcheryDrains, m.ConsumerLag,
	)
	return m
}
