// Package metrics implements the operational counters for the matchmaking
// engine: skip counters, poisoned-candidate counts, requeues, and circuit
// breaker state, using github.com/prometheus/client_golang with promauto.
// This package only registers metrics against a caller-supplied
// *prometheus.Registry; it does not start an HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/larrybui/cardmatch/internal/breaker"
)

// Metrics bundles every counter/gauge the matchmaking core emits.
type Metrics struct {
	TicksSkipped       *prometheus.CounterVec
	MatchesFormed      *prometheus.CounterVec
	PoisonedCandidates *prometheus.CounterVec
	Requeues           *prometheus.CounterVec
	StoreFailures      *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	QueueSize          *prometheus.GaugeVec
	SimulationFailures *prometheus.CounterVec
	RoutingFailures    *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in production (not the global DefaultRegisterer)
// so a process hosting multiple matchmakers in tests never hits duplicate
// registration panics.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_ticks_skipped_total",
			Help: "Ticks skipped because a prior tick was still in flight or the breaker was open.",
		}, []string{"mode", "reason"}),
		MatchesFormed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_matches_formed_total",
			Help: "Pairs successfully matched and routed.",
		}, []string{"mode"}),
		PoisonedCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_poisoned_candidates_total",
			Help: "Candidates dropped for missing or malformed metadata.",
		}, []string{"mode"}),
		Requeues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_requeues_total",
			Help: "Candidates re-enqueued after a leftover, routing failure, or shutdown.",
		}, []string{"mode", "reason"}),
		StoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_store_failures_total",
			Help: "Shared store calls that failed or timed out.",
		}, []string{"operation"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchmaker_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open).",
		}, []string{"dependency"}),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchmaker_queue_size",
			Help: "Last observed queue size per mode.",
		}, []string{"mode"}),
		SimulationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_simulation_failures_total",
			Help: "Battle Invoker timeouts or simulator errors.",
		}, []string{"mode"}),
		RoutingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchmaker_routing_failures_total",
			Help: "Deliveries dropped for a missing registry target or downstream-unreachable pod.",
		}, []string{"mode", "path"}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchmaker_rate_limit_rejections_total",
			Help: "Ingress requests rejected by the per-source token bucket.",
		}),
	}
}

// BreakerStateValue maps a breaker.State onto the gauge's numeric
// convention documented in BreakerState's Help text.
func BreakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	default:
		return 2
	}
}
