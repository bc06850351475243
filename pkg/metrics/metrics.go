package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelConnects counts successful control channel connections
	ChannelConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xysat_channel_connects_total",
		Help: "Total number of successful control channel connections",
	})

	// ChannelDisconnects counts control channel disconnections
	ChannelDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xysat_channel_disconnects_total",
		Help: "Total number of control channel disconnections",
	})

	// ChannelSendsDropped counts messages dropped while disconnected
	ChannelSendsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xysat_channel_sends_dropped_total",
		Help: "Total number of outbound messages dropped while disconnected",
	})

	// JobsActive tracks the number of currently running jobs
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xysat_jobs_active",
		Help: "Number of jobs currently active on this satellite",
	})

	// JobsCompleted counts finished jobs by outcome
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xysat_jobs_completed_total",
		Help: "Total number of completed jobs by outcome",
	}, []string{"outcome"})

	// JobDuration observes wall-clock job durations in seconds
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xysat_job_duration_seconds",
		Help:    "Wall-clock duration of completed jobs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	})

	// MonitorPassDuration observes telemetry pass durations by kind
	MonitorPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xysat_monitor_pass_duration_seconds",
		Help:    "Duration of telemetry collection passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// MonitorCommandErrors counts custom monitor command failures
	MonitorCommandErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xysat_monitor_command_errors_total",
		Help: "Total number of failed custom monitor commands",
	})
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics listener on the given address. It blocks, so run
// it in a goroutine; a closed listener returns the server error.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
