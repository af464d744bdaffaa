package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runsTotal    *prometheus.CounterVec
	teamsTotal   *prometheus.CounterVec
	teamLatency  *prometheus.HistogramVec
	interpsTotal *prometheus.CounterVec
	stuckLocks   prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insight",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by mode and final status.",
		}, []string{"mode", "status"}),
		teamsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insight",
			Name:      "teams_total",
			Help:      "Total number of per-team pipeline outcomes.",
		}, []string{"outcome"}),
		teamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "insight",
			Name:      "team_latency_seconds",
			Help:      "Latency distribution for one team's pipeline pass.",
			Buckets: []float64{
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30, 60,
			},
		}, []string{"outcome"}),
		interpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insight",
			Name:      "interpretations_total",
			Help:      "Total number of interpretation attempts by outcome.",
		}, []string{"outcome"}),
		stuckLocks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "insight",
			Name:      "stuck_locks",
			Help:      "Current number of expired, unreleased run locks.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
