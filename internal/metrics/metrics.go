// Package metrics provides Prometheus metrics for the capture and broadcast pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of FramesDropped.
const (
	DropNoClients    = "no_clients"
	DropRateLimited  = "rate_limited"
	DropSuperseded   = "superseded"
	DropMalformed    = "malformed"
	DropCaptureError = "capture_error"
)

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames produced by the capture source",
	})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Capture errors by severity",
	}, []string{"severity"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "pipeline",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped before reaching any viewer",
	}, []string{"reason"})

	framesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "broadcast",
		Name:      "frames_total",
		Help:      "Frames encoded and sent to at least one viewer",
	})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "broadcast",
		Name:      "messages_total",
		Help:      "Wire messages queued to viewers",
	})

	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sensorstreamer",
		Subsystem: "broadcast",
		Name:      "send_failures_total",
		Help:      "Viewers dropped after a failed send",
	})

	clients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sensorstreamer",
		Subsystem: "transport",
		Name:      "clients",
		Help:      "Connected viewers",
	})

	pipelineRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sensorstreamer",
		Subsystem: "pipeline",
		Name:      "running",
		Help:      "1 once the capture loop has been started",
	})
)

// FrameCaptured counts a produced frame.
func FrameCaptured() { framesCaptured.Inc() }

// CaptureError counts a transient or fatal capture error.
func CaptureError(fatal bool) {
	if fatal {
		captureErrors.WithLabelValues("fatal").Inc()
		return
	}
	captureErrors.WithLabelValues("transient").Inc()
}

// FrameDropped counts a frame dropped for reason.
func FrameDropped(reason string) { framesDropped.WithLabelValues(reason).Inc() }

// FrameBroadcast counts a broadcast frame and the messages queued for it.
func FrameBroadcast(messages int) {
	framesBroadcast.Inc()
	messagesSent.Add(float64(messages))
}

// SendFailure counts a viewer dropped after a failed send.
func SendFailure() { sendFailures.Inc() }

// SetClients sets the connected viewer gauge.
func SetClients(n int) { clients.Set(float64(n)) }

// SetRunning marks the pipeline as started.
func SetRunning() { pipelineRunning.Set(1) }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
