package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackupRunsTotal counts finished backup runs by terminal status
	// (success, failed, canceled, contended).
	BackupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebackup_runs_total",
			Help: "Total number of backup runs by terminal status",
		},
		[]string{"status"},
	)

	BackupRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitebackup_run_duration_seconds",
			Help:    "Backup run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	ArchiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitebackup_archive_bytes",
			Help: "Size in bytes of the most recently completed backup archive",
		},
	)

	StreamMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebackup_stream_missing_total",
			Help: "Records that could not be materialized while streaming, by source",
		},
		[]string{"source"},
	)

	LeaseHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebackup_lease_heartbeats_total",
			Help: "Operation lease heartbeat renewals by result (ok, error, lost)",
		},
		[]string{"result"},
	)
)
