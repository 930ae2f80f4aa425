package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters, histograms, and gauges for the
// booking engine. A nil receiver is a no-op, so components can run
// without metrics wired.
type SchedulingMetrics struct {
	conflictChecks  *prometheus.CounterVec
	suggestionCount prometheus.Histogram
	bookingAttempts *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		conflictChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veridian",
			Subsystem: "scheduling",
			Name:      "conflict_checks_total",
			Help:      "Total conflict evaluations by outcome",
		}, []string{"outcome"}),
		suggestionCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "veridian",
			Subsystem: "scheduling",
			Name:      "suggestions_per_request",
			Help:      "Number of alternative times produced per request",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veridian",
			Subsystem: "scheduling",
			Name:      "booking_commits_total",
			Help:      "Total booking commit calls by result",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veridian",
			Subsystem: "scheduling",
			Name:      "availability_cache_lookups_total",
			Help:      "Availability cache lookups by outcome",
		}, []string{"outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "veridian",
			Subsystem: "scheduling",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (1 for the active state)",
		}, []string{"state"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.conflictChecks, m.suggestionCount, m.bookingAttempts,
		m.cacheLookups, m.circuitState)
	return m
}

// ObserveConflictCheck counts one finished conflict evaluation;
// outcome is clear, warning, or blocked.
func (m *SchedulingMetrics) ObserveConflictCheck(outcome string) {
	if m == nil {
		return
	}
	m.conflictChecks.WithLabelValues(outcome).Inc()
}

// ObserveSuggestions records the size of a generated suggestion list.
func (m *SchedulingMetrics) ObserveSuggestions(count int) {
	if m == nil {
		return
	}
	m.suggestionCount.Observe(float64(count))
}

// ObserveBookingAttempt counts one finished commit call by result.
func (m *SchedulingMetrics) ObserveBookingAttempt(result string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts one availability cache lookup; outcome is
// hit, miss, or stale.
func (m *SchedulingMetrics) ObserveCacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveCircuitState marks the breaker's current state, clearing the
// previous one.
func (m *SchedulingMetrics) ObserveCircuitState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "open", "half_open"} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.circuitState.WithLabelValues(s).Set(value)
	}
}
