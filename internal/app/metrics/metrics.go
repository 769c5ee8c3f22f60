package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the agent-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "volumetry",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "volumetry",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "volumetry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	analysisRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "volumetry",
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Total number of volumetry analyses executed.",
		},
		[]string{"status", "trigger"},
	)

	analysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "volumetry",
			Subsystem: "analysis",
			Name:      "run_duration_seconds",
			Help:      "Duration of volumetry analyses.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	niftiBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "volumetry",
			Subsystem: "nifti",
			Name:      "read_bytes_total",
			Help:      "Total bytes of segmentation data decoded.",
		},
	)

	archiveStudies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "volumetry",
			Subsystem: "archive",
			Name:      "studies",
			Help:      "Number of study directories in the archive.",
		},
	)

	archiveSegmentations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "volumetry",
			Subsystem: "archive",
			Name:      "segmentations",
			Help:      "Number of segmentation files in the archive.",
		},
	)

	archiveBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "volumetry",
			Subsystem: "archive",
			Name:      "bytes",
			Help:      "Total size of the archive in bytes.",
		},
	)

	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "volumetry",
			Subsystem: "retention",
			Name:      "sweep_runs_total",
			Help:      "Total number of retention sweeps executed.",
		},
	)

	sweepFreedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "volumetry",
			Subsystem: "retention",
			Name:      "sweep_freed_bytes_total",
			Help:      "Total bytes reclaimed by retention sweeps.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		analysisRuns,
		analysisDuration,
		niftiBytesRead,
		archiveStudies,
		archiveSegmentations,
		archiveBytes,
		sweepRuns,
		sweepFreedBytes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAnalysis records metrics for a completed volumetry analysis.
func RecordAnalysis(status, trigger string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if trigger == "" {
		trigger = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	analysisRuns.WithLabelValues(status, trigger).Inc()
	analysisDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AddNiftiBytes accounts for decoded segmentation payload bytes.
func AddNiftiBytes(n int64) {
	if n <= 0 {
		return
	}
	niftiBytesRead.Add(float64(n))
}

// SetArchiveStats publishes the latest archive scan results.
func SetArchiveStats(studies, segmentations int, sizeBytes int64) {
	archiveStudies.Set(float64(studies))
	archiveSegmentations.Set(float64(segmentations))
	archiveBytes.Set(float64(sizeBytes))
}

// RecordSweep records a completed retention sweep.
func RecordSweep(freedBytes int64) {
	sweepRuns.Inc()
	if freedBytes > 0 {
		sweepFreedBytes.Add(float64(freedBytes))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "studies":
		if len(parts) == 1 {
			return "/studies"
		}
		if len(parts) == 2 {
			return "/studies/:code"
		}
		return "/studies/:code/" + parts[2]
	case "analyses":
		if len(parts) == 1 {
			return "/analyses"
		}
		return "/analyses/:id"
	case "ws":
		return "/" + trimmed
	default:
		return "/" + parts[0]
	}
}
