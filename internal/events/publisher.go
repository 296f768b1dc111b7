// Package events publishes coaching pipeline events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-sales-coach-service/internal/config"
	"ai-sales-coach-service/internal/observability/metrics"
)

// Publisher writes pipeline events to three Kafka topics: final transcripts,
// coaching suggestions and call summaries. When Kafka is disabled every
// publish degrades to a structured log line so the pipeline behaves the same.
type Publisher struct {
	writerTranscript *kafka.Writer
	writerCoaching   *kafka.Writer
	writerSummary    *kafka.Writer

	principal       string
	topicTranscript string
	topicCoaching   string
	topicSummary    string
	enabled         bool
	metrics         *metrics.Metrics
}

// New creates a publisher from the Kafka configuration.
func New(cfg *config.KafkaConfig) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicCoaching:   cfg.TopicCoaching,
			topicSummary:    cfg.TopicSummary,
			enabled:         false,
			metrics:         m,
		}
	}

	// Longer dial timeouts for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicCoaching", cfg.TopicCoaching).
		Str("topicSummary", cfg.TopicSummary).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.TopicTranscript),
		writerCoaching:   newWriter(cfg.TopicCoaching),
		writerSummary:    newWriter(cfg.TopicSummary),
		principal:        cfg.Principal,
		topicTranscript:  cfg.TopicTranscript,
		topicCoaching:    cfg.TopicCoaching,
		topicSummary:     cfg.TopicSummary,
		enabled:          true,
		metrics:          m,
	}
}

// Enabled reports whether events actually reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishTranscript publishes a finalized transcript turn, keyed by call id.
func (p *Publisher) PublishTranscript(ctx context.Context, callID string, event any) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, "transcript.final", callID, event)
}

// PublishCoaching publishes a coaching suggestion, keyed by call id.
func (p *Publisher) PublishCoaching(ctx context.Context, callID string, event any) error {
	return p.publish(ctx, p.writerCoaching, p.topicCoaching, "coaching.suggestion", callID, event)
}

// PublishSummary publishes the post-call summary, keyed by call id.
func (p *Publisher) PublishSummary(ctx context.Context, callID string, event any) error {
	return p.publish(ctx, p.writerSummary, p.topicSummary, "call.summary", callID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []*kafka.Writer{p.writerTranscript, p.writerCoaching, p.writerSummary} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", w.Topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
