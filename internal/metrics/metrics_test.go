package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/larrybui/cardmatch/internal/breaker"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PoisonedCandidates.WithLabelValues("Normal").Inc()
	m.PoisonedCandidates.WithLabelValues("Normal").Inc()

	var out dto.Metric
	if err := m.PoisonedCandidates.WithLabelValues("Normal").Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.GetCounter().GetValue() != 2 {
		t.Fatalf("PoisonedCandidates = %v, want 2", out.GetCounter().GetValue())
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := []struct {
		state breaker.State
		want  float64
	}{
		{breaker.Closed, 0},
		{breaker.HalfOpen, 1},
		{breaker.Open, 2},
	}
	for _, c := range cases {
		if got := BreakerStateValue(c.state); got != c.want {
			t.Fatalf("BreakerStateValue(%v) = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestNewRegistersDistinctMetricsPerRegistry(t *testing.T) {
	// Two independent registries (e.g. two matchmaker instances in a test
	// process) must not panic on duplicate registration against the
	// global DefaultRegisterer.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
