package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlake_loader_build_info",
			Help: "Build information of the streamlake loader",
		},
		[]string{"version", "commit", "date"},
	)

	RecordsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_records_resolved_total",
			Help: "Total number of records resolved, by whether they were new or already known",
		},
		[]string{"table", "outcome"},
	)

	PendingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlake_loader_pending_records",
			Help: "Number of records buffered and not yet written",
		},
		[]string{"table"},
	)

	FlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_flush_total",
			Help: "Total number of buffer flushes",
		},
		[]string{"mode", "status"},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamlake_loader_flush_duration_seconds",
			Help:    "Duration of buffer flushes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
	)

	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_rows_written_total",
			Help: "Total number of rows committed to the backend",
		},
		[]string{"table"},
	)

	RecordsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_records_skipped_total",
			Help: "Total number of records skipped because they could not be serialized",
		},
		[]string{"table", "reason"},
	)

	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_updates_total",
			Help: "Total number of record updates",
		},
		[]string{"table", "status"},
	)

	BackendRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_backend_retries_total",
			Help: "Total number of retried backend operations after a transient failure",
		},
		[]string{"backend"},
	)

	ExportEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlake_loader_export_entries_total",
			Help: "Total number of streaming history entries read from exports",
		},
		[]string{"status"},
	)
)
