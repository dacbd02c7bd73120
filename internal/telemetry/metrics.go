package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors fed by the Recorder.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	turnScores    prometheus.Histogram
	levelShifts   *prometheus.CounterVec
	activeTurns   prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oralexam",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oralexam",
			Name:      "stage_total",
			Help:      "Pipeline stages by outcome",
		}, []string{"stage", "status"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oralexam",
			Name:      "score_anomalies_total",
			Help:      "Anomalous scores flagged for offline review",
		}, []string{"code"}),
		turnScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oralexam",
			Name:      "turn_composite_score",
			Help:      "Composite score per evaluated turn",
			Buckets:   []float64{10, 20, 36, 45, 55, 65, 75, 85, 95, 100},
		}),
		levelShifts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oralexam",
			Name:      "level_shifts_total",
			Help:      "Effective level changes by direction",
		}, []string{"direction"}),
		activeTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "oralexam",
			Name:      "background_evaluations",
			Help:      "Evaluations currently running in the background",
		}),
	}
}
