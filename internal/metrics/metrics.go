package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ACISAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatenormals_acis_api_calls_total",
			Help: "Total ACIS web service calls",
		},
		[]string{"endpoint", "status"},
	)

	ACISAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "climatenormals_acis_api_latency_seconds",
			Help:    "ACIS call latency in seconds, including retries",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatenormals_refreshes_total",
			Help: "Refresh tasks by outcome (success, fetch_failed, normalize_failed, store_failed)",
		},
		[]string{"station", "outcome"},
	)

	RefreshDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatenormals_refresh_decisions_total",
			Help: "Freshness checks by decision (current, in_flight, launched, replaced_zombie)",
		},
		[]string{"station", "decision"},
	)

	RefreshesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "climatenormals_refreshes_in_flight",
			Help: "Refresh tasks currently running, including detached ones",
		},
		[]string{"station"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "climatenormals_refresh_duration_seconds",
			Help:    "Duration of refresh tasks",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"station"},
	)

	RecordsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatenormals_records_stored_total",
			Help: "Statistic records written by successful refreshes",
		},
		[]string{"station"},
	)

	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "climatenormals_lookups_total",
			Help: "Resolver and aggregate queries by kind and result (hit, absent, error)",
		},
		[]string{"kind", "result"},
	)
)
