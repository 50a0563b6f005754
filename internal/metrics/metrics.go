// Package metrics exposes capture and recording counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camrec"

var (
	// framesTotal counts preview ticks by outcome: captured or missing.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Preview ticks by outcome (captured, missing)",
		},
		[]string{"outcome"},
	)

	// framesWrittenTotal counts frames forwarded to the recorder.
	framesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames forwarded to the recorder",
		},
		[]string{"status"}, // status: success, error
	)

	// recordingsTotal counts recording starts by result.
	recordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording start attempts",
		},
		[]string{"status"}, // status: started, failed
	)

	// recordingActive is 1 while a recording session is open.
	recordingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recording_active",
			Help:      "Whether a recording session is open",
		},
	)

	// tickDuration is a histogram of preview tick processing time.
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent processing one preview tick",
			Buckets:   []float64{.001, .0025, .005, .01, .02, .03, .05, .1, .25},
		},
	)

	allMetrics = []prometheus.Collector{
		framesTotal,
		framesWrittenTotal,
		recordingsTotal,
		recordingActive,
		tickDuration,
	}

	registry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// FrameCaptured records a tick that produced a frame.
func FrameCaptured() {
	framesTotal.WithLabelValues("captured").Inc()
}

// FrameMissing records a tick without a frame.
func FrameMissing() {
	framesTotal.WithLabelValues("missing").Inc()
}

// FrameWritten records a frame handed to the recorder.
func FrameWritten(ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	framesWrittenTotal.WithLabelValues(status).Inc()
}

// ObserveTick records the duration of one preview tick.
func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}
