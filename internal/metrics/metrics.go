package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "openspend"
)

var (
	syncDurationBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for an integration sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"integration"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of integration sync executions.",
	}, []string{"integration", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"integration"})

	// Cost Metrics
	ToolCostsImportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_costs_imported_total",
		Help:      "Number of tool cost records imported from integrations.",
	}, []string{"integration"})

	ToolCostsMergedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_costs_merged_total",
		Help:      "Number of tool cost records written to the cost store.",
	}, []string{"action"})

	// Auth Metrics
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Count of OAuth token refresh attempts.",
	}, []string{"integration", "result"})
)
