// Package metrics exposes Prometheus counters and histograms for
// operational visibility. It sits alongside, not instead of, the
// DB-resident statistics row: this package serves live scrape-frequency
// observability, while the database row remains the durable source of
// truth the Sweeper updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qopy_uploads_initiated_total",
		Help: "Total number of upload sessions initiated.",
	})

	UploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qopy_uploads_completed_total",
		Help: "Total number of uploads successfully assembled into clips.",
	})

	UploadsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qopy_uploads_aborted_total",
		Help: "Total number of uploads explicitly aborted by the client.",
	})

	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qopy_chunks_written_total",
		Help: "Total number of chunk writes accepted by the chunk store.",
	})

	DownloadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qopy_download_outcomes_total",
		Help: "Clip download attempts, labeled by outcome (ok, blocked, rate_limited, not_found, access_denied, gone).",
	}, []string{"status"})

	SweepEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qopy_sweep_evictions_total",
		Help: "Entities removed by the sweeper, labeled by kind.",
	}, []string{"kind"})

	AccessGuardBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qopy_access_guard_blocks_total",
		Help: "Requests rejected by the short-ID brute-force blocker.",
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qopy_upload_duration_seconds",
		Help:    "Wall-clock time from initiate to complete for successful uploads.",
		Buckets: prometheus.DefBuckets,
	})
)
