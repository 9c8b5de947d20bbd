package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics exposes counters/histograms for the follow-up reminder scheduler.
type SchedulerMetrics struct {
	ticksTotal       *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	dispatchTotal    *prometheus.CounterVec
	committedTotal   prometheus.Counter
	commitFailures   prometheus.Counter
	cliniciansGated  prometheus.Counter
	timezoneFallback prometheus.Counter
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome (ok, read_error, overlap, lease_held)",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one evaluation pass",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "dispatch_total",
			Help:      "Per-clinician push dispatches by status",
		}, []string{"status"}),
		committedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "committed_followups_total",
			Help:      "Follow-ups marked notified after a successful dispatch",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "commit_failures_total",
			Help:      "Commits that failed after a successful dispatch (duplicate risk)",
		}),
		cliniciansGated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "clinicians_gated_open_total",
			Help:      "Clinicians whose local trigger hour matched on a tick",
		}),
		timezoneFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "followup",
			Name:      "timezone_fallback_total",
			Help:      "Clinicians evaluated with the default timezone because theirs was invalid",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ticksTotal, m.tickDuration, m.dispatchTotal, m.committedTotal,
		m.commitFailures, m.cliniciansGated, m.timezoneFallback)
	return m
}

func (m *SchedulerMetrics) ObserveTick(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.tickDuration.Observe(seconds)
	}
}

func (m *SchedulerMetrics) ObserveDispatch(status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(status).Inc()
}

func (m *SchedulerMetrics) ObserveCommitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.committedTotal.Add(float64(n))
}

func (m *SchedulerMetrics) ObserveCommitFailure() {
	if m == nil {
		return
	}
	m.commitFailures.Inc()
}

func (m *SchedulerMetrics) ObserveGateOpen() {
	if m == nil {
		return
	}
	m.cliniciansGated.Inc()
}

func (m *SchedulerMetrics) ObserveTimezoneFallback() {
	if m == nil {
		return
	}
	m.timezoneFallback.Inc()
}
