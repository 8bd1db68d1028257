package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/report"
)

const (
	MetricPrefix = "spearmint_"

	chooserLabel    = "chooser"
	resultLabel     = "result"
	experimentLabel = "experiment"

	resultSuccess  = "success"
	resultRejected = "rejected"
	resultError    = "error"
)

var experimentLabels = []string{experimentLabel}

// Metrics implements prometheus.Collector over everything spearmint records.
type Metrics struct {
	suggestions    *prometheus.CounterVec
	updates        *prometheus.CounterVec
	suggestLatency prometheus.Histogram
	pendingJobs    *prometheus.GaugeVec
	completeJobs   *prometheus.GaugeVec
	bestOutcome    *prometheus.GaugeVec
}

// New creates the metrics and registers them with registerer, unless it is nil.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		suggestions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPrefix + "suggestions_total",
				Help: "Number of suggestions requested, by chooser and result",
			},
			[]string{chooserLabel, resultLabel},
		),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPrefix + "updates_total",
				Help: "Number of job outcomes reported, by result. Rejected updates target a job that is already complete",
			},
			[]string{resultLabel},
		),
		suggestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricPrefix + "suggest_latency_seconds",
				Help:    "Time taken to fit a chooser and record its suggestion",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		pendingJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "pending_jobs",
				Help: "Number of jobs awaiting an outcome",
			},
			experimentLabels,
		),
		completeJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "complete_jobs",
				Help: "Number of jobs with a reported outcome",
			},
			experimentLabels,
		),
		bestOutcome: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "best_outcome",
				Help: "Best outcome reported so far, in the experiment's own direction",
			},
			experimentLabels,
		),
	}
	if registerer != nil {
		registerer.MustRegister(m)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.suggestions,
		m.updates,
		m.suggestLatency,
		m.pendingJobs,
		m.completeJobs,
		m.bestOutcome,
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) RecordSuggestion(chooser string, duration time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	} else {
		m.suggestLatency.Observe(duration.Seconds())
	}
	m.suggestions.WithLabelValues(chooser, result).Inc()
}

func (m *Metrics) RecordUpdate(err error) {
	result := resultSuccess
	switch spearminterrors.ExitCodeFromError(err) {
	case spearminterrors.ExitOK:
	case spearminterrors.ExitInvalidState:
		result = resultRejected
	default:
		result = resultError
	}
	m.updates.WithLabelValues(result).Inc()
}

// RecordExperiment sets the gauges of one experiment. The best outcome gauge is only set after a job completed
// with a number.
func (m *Metrics) RecordExperiment(experiment string, summary report.Summary) {
	m.pendingJobs.WithLabelValues(experiment).Set(float64(summary.Pending))
	m.completeJobs.WithLabelValues(experiment).Set(float64(summary.Complete))
	if summary.Best != nil {
		m.bestOutcome.WithLabelValues(experiment).Set(*summary.Best)
	} else {
		m.bestOutcome.DeleteLabelValues(experiment)
	}
}

// ForgetExperiment removes the gauges of a deleted experiment.
func (m *Metrics) ForgetExperiment(experiment string) {
	m.pendingJobs.DeleteLabelValues(experiment)
	m.completeJobs.DeleteLabelValues(experiment)
	m.bestOutcome.DeleteLabelValues(experiment)
}
