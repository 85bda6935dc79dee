// Package metrics exposes run and schedule counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         prometheus.Registerer
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	outputBytes      *prometheus.CounterVec
	lastSuccess      *prometheus.GaugeVec
	nextFire         prometheus.Gauge
	firesSkipped     prometheus.Counter
	firesMissed      prometheus.Counter
	persistFailures  prometheus.Counter
	phase            *prometheus.GaugeVec
	activityAppended prometheus.CounterFunc
	activityFailed   prometheus.CounterFunc
	registeredPhases []string
}

// ActivityStats reports activity log append counters.
type ActivityStats func() (appended, failed uint64)

// New creates and registers the collectors. A nil reg uses the default
// registerer. stats may be nil.
func New(namespace string, reg prometheus.Registerer, phases []string, stats ActivityStats) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of job and hook runs by outcome",
			},
			[]string{"kind", "status", "trigger"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of job and hook runs",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"kind", "status"},
		),
		outputBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_output_bytes_total",
				Help:      "Bytes written by runs to stdout and stderr",
			},
			[]string{"kind", "stream"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run",
			},
			[]string{"kind"},
		),
		nextFire: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "next_fire_timestamp_seconds",
				Help:      "Unix time of the armed fire",
			},
		),
		firesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fires_skipped_total",
				Help:      "Run requests dropped because a run was in progress",
			},
		),
		firesMissed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fires_missed_total",
				Help:      "Fire boundaries that passed while the scheduler was down",
			},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_persist_failures_total",
				Help:      "Schedule state saves that failed after retries",
			},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase",
				Help:      "Current run lifecycle phase: 1 for the active phase, 0 otherwise",
			},
			[]string{"phase"},
		),
		registeredPhases: phases,
	}

	collectors := []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.outputBytes,
		m.lastSuccess,
		m.nextFire,
		m.firesSkipped,
		m.firesMissed,
		m.persistFailures,
		m.phase,
	}

	if stats != nil {
		m.activityAppended = prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_events_appended_total",
				Help:      "Activity events committed to the log",
			},
			func() float64 { a, _ := stats(); return float64(a) },
		)
		m.activityFailed = prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_events_failed_total",
				Help:      "Activity events that could not be written",
			},
			func() float64 { _, f := stats(); return float64(f) },
		)
		collectors = append(collectors, m.activityAppended, m.activityFailed)
	}

	reg.MustRegister(collectors...)

	for _, p := range phases {
		m.phase.WithLabelValues(p).Set(0)
	}
	return m
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(kind, status, trigger string, duration time.Duration, stdout, stderr int64, endedAt time.Time) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(kind, status, trigger).Inc()
	m.runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.outputBytes.WithLabelValues(kind, "stdout").Add(float64(stdout))
	m.outputBytes.WithLabelValues(kind, "stderr").Add(float64(stderr))
	if status == "succeeded" {
		m.lastSuccess.WithLabelValues(kind).Set(float64(endedAt.Unix()))
	}
}

// FireSkipped counts a dropped run request.
func (m *Metrics) FireSkipped() {
	if m == nil {
		return
	}
	m.firesSkipped.Inc()
}

// FiresMissed counts fire boundaries missed during downtime.
func (m *Metrics) FiresMissed(n int) {
	if m == nil {
		return
	}
	m.firesMissed.Add(float64(n))
}

// SetNextFire sets the armed fire time.
func (m *Metrics) SetNextFire(t time.Time) {
	if m == nil {
		return
	}
	m.nextFire.Set(float64(t.Unix()))
}

// StatePersistFailed counts a failed state save.
func (m *Metrics) StatePersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// SetPhase marks phase as the only active one.
func (m *Metrics) SetPhase(phase string) {
	if m == nil {
		return
	}
	for _, p := range m.registeredPhases {
		if p != phase {
			m.phase.WithLabelValues(p).Set(0)
		}
	}
	m.phase.WithLabelValues(phase).Set(1)
}
