package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScannersDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_scanners_discovered",
		Help: "Number of scanners found by the last discovery run.",
	})
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_discovery_duration_seconds",
		Help:    "Duration of discovery runs.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60},
	})
	JobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_jobs_processed_total",
		Help: "Total number of remote scan jobs processed successfully.",
	})
	ScanFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_scan_failures_total",
		Help: "Total number of failed scan jobs by reason.",
	}, []string{"reason"})
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_scan_duration_seconds",
		Help:    "Duration of eSCL scan jobs.",
		Buckets: prometheus.DefBuckets,
	})
	BusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_escl_busy_retries_total",
		Help: "Total number of retries caused by busy scanners.",
	})
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_poll_errors_total",
		Help: "Total number of failed backend poll requests.",
	})
	FolderUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_folder_uploads_total",
		Help: "Total number of folder sync uploads by result.",
	}, []string{"result"})
	FolderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_folder_errors_total",
		Help: "Total number of folder sync errors.",
	})
)
