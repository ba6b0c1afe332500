package watchdog

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the watchdog's Prometheus series. All methods are nil-safe so
// the watchdog runs unchanged with metrics disabled.
type Metrics struct {
	ticks     prometheus.Counter
	issues    *prometheus.CounterVec
	autoFixes *prometheus.CounterVec
	health    *prometheus.GaugeVec
	tickSecs  prometheus.Histogram
}

// NewMetrics registers the watchdog series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_ticks_total",
			Help: "Watchdog verification cycles completed",
		}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_issues_total",
			Help: "Issues detected, split by check and severity",
		}, []string{"check", "severity"}),
		autoFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_auto_fixes_total",
			Help: "Automatic remediations applied, split by kind",
		}, []string{"kind"}),
		// Health as three labeled 0/1 series to keep dashboards simple.
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchdog_health",
			Help: "Current health level indicator (healthy/degraded/critical)",
		}, []string{"level"}),
		tickSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchdog_tick_seconds",
			Help:    "Duration of one verification cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.ticks, m.issues, m.autoFixes, m.health, m.tickSecs)
	return m
}

func (m *Metrics) tick(seconds float64) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickSecs.Observe(seconds)
}

func (m *Metrics) issue(check string, severity Severity) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(check, string(severity)).Inc()
}

func (m *Metrics) autoFix(kind string) {
	if m == nil {
		return
	}
	m.autoFixes.WithLabelValues(kind).Inc()
}

func (m *Metrics) setHealth(h Health) {
	if m == nil {
		return
	}
	for _, level := range []Health{Healthy, Degraded, Critical} {
		v := 0.0
		if level == h {
			v = 1
		}
		m.health.WithLabelValues(string(level)).Set(v)
	}
}
