package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/koltyakov/pgproblems/internal/analyze"
)

// Scan outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics are the Prometheus collectors updated by the Coordinator.
type Metrics struct {
	ScansTotal       *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	OpenProblems     *prometheus.GaugeVec
	ProblemsResolved prometheus.Counter
}

// NewMetrics registers the scan collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ScansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgproblems",
			Name:      "scans_total",
			Help:      "Scans attempted, by outcome.",
		}, []string{"outcome"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgproblems",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scans that acquired the lock.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		OpenProblems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgproblems",
			Name:      "open_problems",
			Help:      "Problems detected by the last successful scan, by priority.",
		}, []string{"priority"}),
		ProblemsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pgproblems",
			Name:      "problems_resolved_total",
			Help:      "Stored problems resolved because a scan no longer detected them.",
		}),
	}
}

func (m *Metrics) observe(outcome string, res Result) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	m.ScanDuration.Observe(res.Duration.Seconds())
	if outcome != OutcomeSuccess {
		return
	}
	sum := analyze.Summarize(res.Problems)
	for _, p := range []analyze.Priority{analyze.PriorityHigh, analyze.PriorityMedium, analyze.PriorityLow} {
		m.OpenProblems.WithLabelValues(string(p)).Set(float64(sum.ByPriority[p]))
	}
	m.ProblemsResolved.Add(float64(res.Resolved))
}
