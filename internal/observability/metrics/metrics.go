// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_sales_coach"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionReconnects prometheus.Counter
	SessionRollovers  *prometheus.CounterVec
	ConnectFailures   prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesEmitted  prometheus.Counter
	FramesDropped       prometheus.Counter
	StuckBufferDetected prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	PartialsPromoted   prometheus.Counter
	PromotionsDeduped  prometheus.Counter

	// Turn metrics
	TurnsAdmitted prometheus.Counter
	TurnsRejected *prometheus.CounterVec
	TurnsReplayed prometheus.Counter

	// Coaching metrics
	SuggestionsTotal *prometheus.CounterVec
	ClassifyLatency  prometheus.Histogram
	GenerationForced prometheus.Counter

	// Enhancer metrics
	EnhancerLatency   *prometheus.HistogramVec
	EnhancerFallbacks *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active transcription sessions",
		}),
		SessionReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Total number of session reconnect attempts",
		}),
		SessionRollovers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rollovers_total",
			Help:      "Total number of forced session rollovers",
		}, []string{"reason"}),
		ConnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total number of exhausted connection attempts",
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from capture clients",
		}),
		AudioFramesEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_emitted_total",
			Help:      "Total 100ms PCM frames emitted by the framer",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total frames dropped while the channel was not open",
		}),
		StuckBufferDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_buffer_detected_total",
			Help:      "Total stuck-audio faults detected by the VAD",
		}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		PartialsPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_promoted_total",
			Help:      "Total partials promoted to final by silence timeout",
		}),
		PromotionsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_deduped_total",
			Help:      "Total silence promotions suppressed by a server final",
		}),

		TurnsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_admitted_total",
			Help:      "Total turns admitted by the turn manager",
		}),
		TurnsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_rejected_total",
			Help:      "Total turns rejected by the turn manager",
		}, []string{"reason"}),
		TurnsReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_replayed_total",
			Help:      "Total pending turns replayed after generation completed",
		}),

		SuggestionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Total coaching suggestions produced",
		}, []string{"stage"}),
		ClassifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_seconds",
			Help:      "Fast-path classification latency in seconds",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.005, 0.01},
		}),
		GenerationForced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_force_cleared_total",
			Help:      "Total wedged generations cleared by the safety ceiling",
		}),

		EnhancerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enhancer_latency_seconds",
			Help:      "AI enhancer call latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"mode"}),
		EnhancerFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhancer_fallbacks_total",
			Help:      "Total enhancer calls resolved with a fallback value",
		}, []string{"mode"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new transcription session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a transcription session ending.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordRollover records a forced session rollover.
func (m *Metrics) RecordRollover(reason string) {
	m.SessionRollovers.WithLabelValues(reason).Inc()
}

// RecordTurnRejected records a turn rejected by the admission controller.
func (m *Metrics) RecordTurnRejected(reason string) {
	m.TurnsRejected.WithLabelValues(reason).Inc()
}

// RecordSuggestion records a coaching suggestion by stage.
func (m *Metrics) RecordSuggestion(stage string) {
	m.SuggestionsTotal.WithLabelValues(stage).Inc()
}

// RecordEnhancer records an enhancer call outcome.
func (m *Metrics) RecordEnhancer(mode string, fallback bool, latencySeconds float64) {
	m.EnhancerLatency.WithLabelValues(mode).Observe(latencySeconds)
	if fallback {
		m.EnhancerFallbacks.WithLabelValues(mode).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
