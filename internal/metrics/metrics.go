// Package metrics holds the Prometheus instruments of the gate-check
// service. Record helpers are safe to call before Init; they do nothing
// until the registry exists.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatecheck"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Pipeline metrics
	FramesTotal       *prometheus.CounterVec
	DetectionsDropped *prometheus.CounterVec
	FrameDuration     *prometheus.HistogramVec
	TracksActive      *prometheus.GaugeVec

	// Event and session metrics
	EventsTotal      *prometheus.CounterVec
	SessionsActive   *prometheus.GaugeVec
	SessionsClosed   *prometheus.CounterVec
	CompletionsTotal *prometheus.CounterVec
	CompletionScore  *prometheus.HistogramVec

	// Audit metrics
	AuditWrites     *prometheus.CounterVec
	AuditQueueDepth prometheus.Gauge
	AuditDropped    prometheus.Counter

	// Config metrics
	ConfigReloads *prometheus.CounterVec
)

// Init creates and registers every instrument. Repeated calls are no-ops.
func Init() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		FramesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames handled per gate by outcome",
			},
			[]string{"gate", "outcome"},
		)
		DetectionsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_dropped_total",
				Help:      "Malformed or low-confidence detections dropped",
			},
			[]string{"gate"},
		)
		FrameDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_processing_seconds",
				Help:      "Time spent in one pipeline pass",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
			},
			[]string{"gate"},
		)
		TracksActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracks",
				Help:      "Live tracks per gate",
			},
			[]string{"gate"},
		)

		EventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Micro-events emitted by type",
			},
			[]string{"gate", "type"},
		)
		SessionsActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Active check sessions per gate",
			},
			[]string{"gate"},
		)
		SessionsClosed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Closed check sessions by terminal status",
			},
			[]string{"gate", "status"},
		)
		CompletionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Completed gate checks",
			},
			[]string{"gate"},
		)
		CompletionScore = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_score",
				Help:      "Final score of completed checks",
				Buckets:   prometheus.LinearBuckets(0.5, 0.05, 11),
			},
			[]string{"gate"},
		)

		AuditWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Audit batches written per sink by status",
			},
			[]string{"sink", "status"},
		)
		AuditQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_queue_depth",
				Help:      "Batches waiting in the audit queue",
			},
		)
		AuditDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Audit batches dropped because the queue was full",
			},
		)

		ConfigReloads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Tuning config reload attempts by status",
			},
			[]string{"status"},
		)

		registry.MustRegister(
			FramesTotal, DetectionsDropped, FrameDuration, TracksActive,
			EventsTotal, SessionsActive, SessionsClosed, CompletionsTotal, CompletionScore,
			AuditWrites, AuditQueueDepth, AuditDropped,
			ConfigReloads,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func enabled() bool { return registry != nil }

// GetRegistry returns the registry, or nil before Init.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordFrame counts one frame and its processing time.
func RecordFrame(gate, outcome string, took time.Duration, dropped int) {
	if !enabled() {
		return
	}
	FramesTotal.WithLabelValues(gate, outcome).Inc()
	if took > 0 {
		FrameDuration.WithLabelValues(gate).Observe(took.Seconds())
	}
	if dropped > 0 {
		DetectionsDropped.WithLabelValues(gate).Add(float64(dropped))
	}
}

// SetGateState records the live track and session counts of a gate.
func SetGateState(gate string, tracks, sessions int) {
	if !enabled() {
		return
	}
	TracksActive.WithLabelValues(gate).Set(float64(tracks))
	SessionsActive.WithLabelValues(gate).Set(float64(sessions))
}

// RecordEvent counts one micro-event.
func RecordEvent(gate, typ string) {
	if !enabled() {
		return
	}
	EventsTotal.WithLabelValues(gate, typ).Inc()
}

// RecordSessionClosed counts a session reaching a terminal status.
func RecordSessionClosed(gate, status string) {
	if !enabled() {
		return
	}
	SessionsClosed.WithLabelValues(gate, status).Inc()
}

// RecordCompletion counts a completed check and its score.
func RecordCompletion(gate string, score float64) {
	if !enabled() {
		return
	}
	CompletionsTotal.WithLabelValues(gate).Inc()
	CompletionScore.WithLabelValues(gate).Observe(score)
}

// RecordAuditWrite counts one batch write attempt by a sink.
func RecordAuditWrite(sink string, err error) {
	if !enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	AuditWrites.WithLabelValues(sink, status).Inc()
}

// SetAuditQueueDepth records the number of queued audit batches.
func SetAuditQueueDepth(n int) {
	if !enabled() {
		return
	}
	AuditQueueDepth.Set(float64(n))
}

// RecordAuditDropped counts a batch rejected by a full queue.
func RecordAuditDropped() {
	if !enabled() {
		return
	}
	AuditDropped.Inc()
}

// RecordConfigReload counts a reload attempt.
func RecordConfigReload(err error) {
	if !enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	ConfigReloads.WithLabelValues(status).Inc()
}
