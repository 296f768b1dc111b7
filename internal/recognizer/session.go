package recognizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/observability/metrics"
)

// State is the lifecycle state of a transcription session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// dedupWindow bounds how long a confirmed final suppresses a silence
// promotion of the same text, and vice versa.
const dedupWindow = 2 * time.Second

// Options tune session behavior.
type Options struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// SettleDelay is the pause between stop and start during a rollover,
	// giving the backend time to release the old channel.
	SettleDelay time.Duration
	// Diarize requests speaker tags from the backend (single shared
	// channel carrying both parties).
	Diarize bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Session is one streaming transcription channel for a speaker. It owns the
// connect/reconnect lifecycle and routes partial and final hypotheses to the
// callback. All exported methods are safe for concurrent use.
type Session struct {
	Speaker models.Speaker

	backend Backend
	cb      Callback
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	id             string
	state          State
	conn           Conn
	source         Source
	streaming      bool // intent flag; false stops the reconnect loop
	ctx            context.Context
	cancel         context.CancelFunc
	pendingPartial *models.TranscriptEvent
	finalText      string // last confirmed or promoted final text
	finalAt        time.Time
	lastActivity   time.Time
}

// NewSession creates an idle session bound to an audio source. The source
// may be nil when audio arrives from a remote capture client.
func NewSession(speaker models.Speaker, source Source, backend Backend, cb Callback, opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 800 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	id := NewSessionID(speaker)
	return &Session{
		Speaker: speaker,
		backend: backend,
		cb:      cb,
		opts:    opts,
		log:     opts.Logger.With().Str("sessionId", id).Str("speaker", string(speaker)).Logger(),
		metrics: opts.Metrics,
		id:      id,
		state:   StateIdle,
		source:  source,
	}
}

// NewSessionID builds a session identifier in the form
// <speaker>-<unix-ms>-<short-random>.
func NewSessionID(speaker models.Speaker) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%d-%s", speaker, time.Now().UnixMilli(), random)
}

// ID returns the current session identifier. It changes on Restart but is
// stable across reconnects.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent audio send or transcript
// event, used by the liveness watchdog.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Start opens the backend channel and begins streaming. Returns
// ErrSourceDead when the bound source is no longer live, or ErrConnection
// when no endpoint accepted within the attempt budget.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateError {
		s.mu.Unlock()
		return fmt.Errorf("session %s: cannot start from state %s", s.id, s.state)
	}
	if s.source != nil && !s.source.Live() {
		s.state = StateError
		s.mu.Unlock()
		return ErrSourceDead
	}
	s.state = StateConnecting
	s.streaming = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	params := ConnectParams{SessionID: s.id, Speaker: s.Speaker, Diarize: s.opts.Diarize}
	sessionCtx := s.ctx
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(sessionCtx, s.opts.ConnectTimeout)
	conn, err := s.backend.Connect(dialCtx, params)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.streaming = false
		s.mu.Unlock()
		s.metrics.ConnectFailures.Inc()
		s.log.Error().Err(err).Str("provider", s.backend.Name()).Msg("failed to open recognition channel")
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.metrics.RecordSessionStart()
	s.log.Info().Str("provider", s.backend.Name()).Msg("recognition channel open")
	go s.pump(conn)
	return nil
}

// SendAudio forwards one PCM frame to the backend. Frames arriving while
// the channel is not open are dropped and counted, never queued.
func (s *Session) SendAudio(frame audio.Frame) error {
	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		s.mu.Unlock()
		s.metrics.FramesDropped.Inc()
		return ErrNotOpen
	}
	conn := s.conn
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := conn.SendAudio(frame); err != nil {
		s.log.Warn().Err(err).Msg("audio send failed")
		return err
	}
	return nil
}

// pump drains transcript events from one connection until it closes, then
// decides whether to reconnect.
func (s *Session) pump(conn Conn) {
	for ev := range conn.Events() {
		s.handleEvent(ev)
	}

	s.mu.Lock()
	// A newer connection may already have replaced this one.
	stale := s.conn != conn
	wantReconnect := s.streaming && !stale
	sessionCtx := s.ctx
	s.mu.Unlock()
	if stale {
		return
	}
	if !wantReconnect {
		return
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.conn = nil
	s.mu.Unlock()

	s.log.Warn().Msg("recognition channel dropped, reconnecting")
	s.cb.OnDisconnect(ErrConnection)
	go s.reconnect(sessionCtx)
}

// reconnect retries indefinitely with linear backoff (attempt N waits N
// seconds). The session id is preserved so downstream consumers see one
// continuous stream.
func (s *Session) reconnect(ctx context.Context) {
	params := ConnectParams{SessionID: s.ID(), Speaker: s.Speaker, Diarize: s.opts.Diarize}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}

		s.mu.Lock()
		if !s.streaming {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.metrics.SessionReconnects.Inc()
		dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		conn, err := s.backend.Connect(dialCtx, params)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if !s.streaming {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.state = StateOpen
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.log.Info().Int("attempt", attempt).Msg("recognition channel reconnected")
		go s.pump(conn)
		return
	}
}

// handleEvent routes one transcript event from the backend.
func (s *Session) handleEvent(ev models.TranscriptEvent) {
	now := time.Now()
	if ev.Speaker == "" {
		ev.Speaker = s.Speaker
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = now.UnixMilli()
	}

	s.mu.Lock()
	s.lastActivity = now

	if !ev.IsFinal {
		copied := ev
		s.pendingPartial = &copied
		s.mu.Unlock()
		s.metrics.TranscriptsPartial.Inc()
		s.cb.OnPartial(ev)
		return
	}

	// A server final for text we already promoted on silence is a duplicate.
	if normalizeText(ev.Text) == normalizeText(s.finalText) && now.Sub(s.finalAt) < dedupWindow {
		s.pendingPartial = nil
		s.mu.Unlock()
		s.metrics.PromotionsDeduped.Inc()
		s.log.Debug().Str("text", ev.Text).Msg("server final suppressed, already promoted")
		return
	}

	s.finalText = ev.Text
	s.finalAt = now
	s.pendingPartial = nil
	s.mu.Unlock()

	s.metrics.TranscriptsFinal.Inc()
	s.cb.OnFinal(ev)
}

// PromotePartial emits the held partial as a final transcript after the
// caller observed sustained silence. Returns nil when there is nothing to
// promote or when the same text was already finalized by the server within
// the dedup window.
func (s *Session) PromotePartial(now time.Time) *models.TranscriptEvent {
	s.mu.Lock()
	partial := s.pendingPartial
	if partial == nil {
		s.mu.Unlock()
		return nil
	}
	s.pendingPartial = nil

	if normalizeText(partial.Text) == normalizeText(s.finalText) && now.Sub(s.finalAt) < dedupWindow {
		s.mu.Unlock()
		s.metrics.PromotionsDeduped.Inc()
		return nil
	}

	s.finalText = partial.Text
	s.finalAt = now
	s.mu.Unlock()

	promoted := *partial
	promoted.IsFinal = true
	promoted.TimestampMs = now.UnixMilli()

	s.metrics.PartialsPromoted.Inc()
	s.log.Debug().Str("text", promoted.Text).Msg("partial promoted to final on silence")
	return &promoted
}

// ClearPartial drops the held partial without emitting it, used when a new
// utterance starts before the old hypothesis stabilized.
func (s *Session) ClearPartial() {
	s.mu.Lock()
	s.pendingPartial = nil
	s.mu.Unlock()
}

// Stop closes the channel and stops all reconnect activity. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateOpen
	s.state = StateClosing
	s.streaming = false
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.pendingPartial = nil
	s.mu.Unlock()

	if wasOpen {
		s.metrics.RecordSessionEnd()
	}
	s.log.Info().Msg("session stopped")
}

// Restart performs a full rollover: stop, settle, start with a fresh
// session id. Used on stuck audio, stale capture and prolonged silence.
func (s *Session) Restart(ctx context.Context, reason string) error {
	s.log.Warn().Str("reason", reason).Msg("session rollover")
	s.metrics.RecordRollover(reason)
	s.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.SettleDelay):
	}

	s.mu.Lock()
	s.id = NewSessionID(s.Speaker)
	s.log = s.opts.Logger.With().Str("sessionId", s.id).Str("speaker", string(s.Speaker)).Logger()
	s.finalText = ""
	s.finalAt = time.Time{}
	s.mu.Unlock()

	return s.Start(ctx)
}

func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
