package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "review",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "review",
		Name:      "active_sessions",
		Help:      "Number of currently live HLS transcode sessions.",
	})

	SessionStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "session_starts_total",
		Help:      "Total number of transcode sessions started.",
	})

	SessionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "session_failures_total",
		Help:      "Total number of transcode sessions that failed before or after readiness.",
	})

	SessionReadySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "review",
		Name:      "session_ready_seconds",
		Help:      "Time from transcoder spawn to readiness in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30},
	})

	DownloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "source_downloads_total",
		Help:      "Total number of source download tasks started.",
	})

	DownloadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "source_download_failures_total",
		Help:      "Total number of source download tasks that failed.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "review",
		Name:      "cache_size_bytes",
		Help:      "Current total size of the local source cache in bytes.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "cache_evictions_total",
		Help:      "Total number of cache files evicted under the byte budget.",
	})

	AnalysisRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "analysis_runs_total",
		Help:      "Total number of completed analysis extractions by kind.",
	}, []string{"kind"})

	AnalysisFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "analysis_failures_total",
		Help:      "Total number of failed analysis extractions by kind.",
	}, []string{"kind"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		SessionStartsTotal,
		SessionFailuresTotal,
		SessionReadySeconds,
		DownloadsTotal,
		DownloadFailuresTotal,
		CacheSizeBytes,
		CacheEvictionsTotal,
		AnalysisRunsTotal,
		AnalysisFailuresTotal,
	)
}
