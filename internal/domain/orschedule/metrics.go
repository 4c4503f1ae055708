package orschedule

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	displaced    prometheus.Counter
	optimizerRun *prometheus.HistogramVec
	moves        prometheus.Histogram
}

// NewMetrics registers the collectors on reg, or on the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orsched",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome",
		}, []string{"operation", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orsched",
			Subsystem: "engine",
			Name:      "conflicts_total",
			Help:      "Rejected placements by contended resource kind",
		}, []string{"resource"}),
		displaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orsched",
			Subsystem: "engine",
			Name:      "displaced_cases_total",
			Help:      "Cases displaced by emergency insertions",
		}),
		optimizerRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orsched",
			Subsystem: "optimizer",
			Name:      "duration_seconds",
			Help:      "Optimizer search time by goal",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"goal"}),
		moves: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orsched",
			Subsystem: "optimizer",
			Name:      "proposal_moves",
			Help:      "Number of moves per proposal",
			Buckets:   prometheus.LinearBuckets(0, 2, 8),
		}),
	}
	reg.MustRegister(m.operations, m.conflicts, m.displaced, m.optimizerRun, m.moves)
	return m
}

func (m *Metrics) observeOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeConflict(kind ResourceKind) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeDisplaced(n int) {
	if m == nil || n == 0 {
		return
	}
	m.displaced.Add(float64(n))
}

func (m *Metrics) observeOptimizer(goal Goal, seconds float64, moves int) {
	if m == nil {
		return
	}
	m.optimizerRun.WithLabelValues(string(goal)).Observe(seconds)
	m.moves.Observe(float64(moves))
}
