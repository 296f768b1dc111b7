// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration holds all tunables for the coaching engine.
type Configuration struct {
	// HTTP/websocket ingress port for overlay clients.
	Port string
	// Observability (metrics/health) HTTP port.
	ObsPort string

	// Streaming recognizer backend.
	STTProvider    string   // "wsbridge", "google" or "mock"
	STTEndpoints   []string // candidate ws:// endpoints, tried in order
	STTCloudURL    string   // single hosted wss:// endpoint, used when set
	ConnectTimeout time.Duration

	// Session recovery.
	RolloverSettle   time.Duration // delay between stop and restart on rollover
	WatchdogInterval time.Duration // liveness sweep interval
	StaleThreshold   time.Duration // no-capture threshold before forced restart
	SilenceRollover  time.Duration // continuous silence before rollover (diarized mode)

	// VAD thresholds.
	RMSThreshold      float64
	SilenceGap        time.Duration // speaking -> silence transition
	FinalSilence      time.Duration // silence before promoting a held partial
	SilentBufferLimit time.Duration // zero-RMS duration treated as stuck hardware

	// Turn management.
	GenerationCeiling time.Duration // force-clear a wedged generation

	// AI enhancer.
	OpenAIKey      string
	OpenAIModel    string
	LiveTimeout    time.Duration
	SummaryTimeout time.Duration

	Kafka KafkaConfig
}

// KafkaConfig holds event publishing configuration.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicTranscript string
	TopicCoaching   string
	TopicSummary    string
	Principal       string
}

// Load reads configuration from environment variables with defaults.
func Load() *Configuration {
	return &Configuration{
		Port:    envOrDefault("PORT", "3002"),
		ObsPort: envOrDefault("OBS_PORT", "9090"),

		STTProvider:    envOrDefault("STT_PROVIDER", "wsbridge"),
		STTEndpoints:   envList("STT_ENDPOINTS", defaultEndpoints()),
		STTCloudURL:    os.Getenv("STT_CLOUD_URL"),
		ConnectTimeout: envDuration("STT_CONNECT_TIMEOUT", 3*time.Second),

		RolloverSettle:   envDuration("ROLLOVER_SETTLE", 800*time.Millisecond),
		WatchdogInterval: envDuration("WATCHDOG_INTERVAL", 2*time.Second),
		StaleThreshold:   envDuration("STALE_THRESHOLD", 5*time.Second),
		SilenceRollover:  envDuration("SILENCE_ROLLOVER", 10*time.Second),

		RMSThreshold:      envFloat("RMS_THRESHOLD", 0.01),
		SilenceGap:        envDuration("SILENCE_GAP", 200*time.Millisecond),
		FinalSilence:      envDuration("FINAL_SILENCE", 800*time.Millisecond),
		SilentBufferLimit: envDuration("SILENT_BUFFER_LIMIT", 4*time.Second),

		GenerationCeiling: envDuration("GENERATION_CEILING", 10*time.Second),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		LiveTimeout:    envDuration("ENHANCER_LIVE_TIMEOUT", 4*time.Second),
		SummaryTimeout: envDuration("ENHANCER_SUMMARY_TIMEOUT", 25*time.Second),

		Kafka: KafkaConfig{
			Enabled:         envBool("KAFKA_ENABLED", false),
			Brokers:         envList("KAFKA_BROKERS", nil),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "call.transcript.final"),
			TopicCoaching:   envOrDefault("KAFKA_TOPIC_COACHING", "call.coaching.suggestion"),
			TopicSummary:    envOrDefault("KAFKA_TOPIC_SUMMARY", "call.summary"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", "svc-sales-coach"),
		},
	}
}

// defaultEndpoints mirrors the local bridge port range used by the capture client.
func defaultEndpoints() []string {
	eps := make([]string, 0, 9)
	for port := 3002; port <= 3010; port++ {
		eps = append(eps, "ws://localhost:"+strconv.Itoa(port))
	}
	return eps
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
