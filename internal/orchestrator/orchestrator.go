// Package orchestrator owns the per-call coaching pipeline: audio framing,
// speech segmentation, transcription sessions, turn admission, fast and
// AI-enhanced coaching, and the post-call summary.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/coach"
	"ai-sales-coach-service/internal/config"
	"ai-sales-coach-service/internal/enhancer"
	"ai-sales-coach-service/internal/events"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/observability/metrics"
	"ai-sales-coach-service/internal/recognizer"
	"ai-sales-coach-service/internal/store"
)

// Sink receives pipeline output for delivery to the overlay client. Calls
// may come from multiple goroutines; implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	OnTranscript(ev models.TranscriptEvent)
	OnCoaching(ev models.CoachingEvent)
	OnHealth(speaker models.Speaker, health models.HealthStatus)
	OnLevel(speaker models.Speaker, level int)
	OnSummary(summary models.CallSummary)
}

// NopSink discards all output.
type NopSink struct{}

func (NopSink) OnTranscript(models.TranscriptEvent)          {}
func (NopSink) OnCoaching(models.CoachingEvent)              {}
func (NopSink) OnHealth(models.Speaker, models.HealthStatus) {}
func (NopSink) OnLevel(models.Speaker, int)                  {}
func (NopSink) OnSummary(models.CallSummary)                 {}

// Orchestrator is the registry of active calls.
type Orchestrator struct {
	cfg      *config.Configuration
	backend  recognizer.Backend
	enh      enhancer.Enhancer
	pub      *events.Publisher
	st       store.Store
	settings coach.Settings
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	calls map[string]*Call
}

// New creates an orchestrator.
func New(cfg *config.Configuration, backend recognizer.Backend, enh enhancer.Enhancer,
	pub *events.Publisher, st store.Store, settings coach.Settings, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backend:  backend,
		enh:      enh,
		pub:      pub,
		st:       st,
		settings: settings,
		log:      logger,
		metrics:  metrics.DefaultMetrics,
		calls:    make(map[string]*Call),
	}
}

// CallOptions configure a new call.
type CallOptions struct {
	// CallID, when empty, is generated.
	CallID string
	// Diarize runs one shared channel with speaker tags instead of a
	// dedicated channel per speaker.
	Diarize bool
	Sink    Sink
}

// StartCall registers a call and opens its transcription sessions. The
// registry slot is claimed under one lock with the duplicate check, so
// concurrent starts with the same id resolve to exactly one call. An
// unreachable backend does not fail the start; the call comes up degraded
// and its watchdog reconnects the channels.
func (o *Orchestrator) StartCall(ctx context.Context, opts CallOptions) (*Call, error) {
	if opts.CallID == "" {
		opts.CallID = uuid.NewString()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}

	call := newCall(ctx, o, opts)

	o.mu.Lock()
	if _, exists := o.calls[opts.CallID]; exists {
		o.mu.Unlock()
		call.cancel()
		return nil, fmt.Errorf("call %s already active", opts.CallID)
	}
	o.calls[opts.CallID] = call
	o.mu.Unlock()

	call.start()

	if err := o.st.CreateCall(ctx, opts.CallID); err != nil {
		o.log.Warn().Err(err).Str("callId", opts.CallID).Msg("failed to persist call start")
	}
	o.log.Info().Str("callId", opts.CallID).Bool("diarize", opts.Diarize).Msg("call started")
	return call, nil
}

// Call returns an active call by id.
func (o *Orchestrator) Call(callID string) (*Call, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[callID]
	return c, ok
}

// ActiveCalls returns the number of registered calls.
func (o *Orchestrator) ActiveCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// EndCall tears the call down and produces its summary. The summary is
// always returned: a failed or disabled enhancer yields the structural
// fallback.
func (o *Orchestrator) EndCall(ctx context.Context, callID string) (*models.CallSummary, error) {
	o.mu.Lock()
	call, ok := o.calls[callID]
	if ok {
		delete(o.calls, callID)
	}
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("call %s not found", callID)
	}
	return call.end(ctx), nil
}

// Shutdown ends every active call, summarizing each.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	active := make([]string, 0, len(o.calls))
	for id := range o.calls {
		active = append(active, id)
	}
	o.mu.Unlock()

	for _, id := range active {
		if _, err := o.EndCall(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("callId", id).Msg("error ending call during shutdown")
		}
	}
}
