package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/coach"
	"ai-sales-coach-service/internal/enhancer"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/recognizer"
	"ai-sales-coach-service/internal/vad"
)

// historyWindow is the sliding window of turns given to the classifier and
// live enhancer. The full history is kept separately for the summary.
const historyWindow = 10

// Call is one active coached conversation. Audio for each speaker flows in
// through PushAudio; transcripts, coaching and health flow out through the
// sink.
type Call struct {
	ID      string
	Diarize bool

	orc  *Orchestrator
	sink Sink
	log  zerolog.Logger

	classifier *coach.Classifier
	turnMgr    *coach.TurnManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[models.Speaker]*channel
	window   []models.Turn // last historyWindow turns
	allTurns []models.Turn // append-only, for the summary
	seq      int
	genStart time.Time
	ended    bool
}

// channel is the per-speaker audio pipeline. In diarized mode there is a
// single channel and events are attributed by speaker tag.
type channel struct {
	speaker models.Speaker
	session *recognizer.Session

	mu               sync.Mutex
	framer           *audio.Framer
	seg              *vad.Segmenter
	lastAudioAt      time.Time
	lastTranscriptAt time.Time
	lastSpeechAt     time.Time
	rolling          bool
	recoverAttempts  int
	nextRecoverAt    time.Time
}

func newCall(ctx context.Context, o *Orchestrator, opts CallOptions) *Call {
	c := &Call{
		ID:         opts.CallID,
		Diarize:    opts.Diarize,
		orc:        o,
		sink:       opts.Sink,
		log:        o.log.With().Str("callId", opts.CallID).Logger(),
		classifier: coach.NewClassifier(o.settings, time.Now().UnixNano()),
		turnMgr:    coach.NewTurnManager(),
		channels:   make(map[models.Speaker]*channel),
	}
	// Calls outlive the request that started them.
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	speakers := []models.Speaker{models.SpeakerSalesperson, models.SpeakerProspect}
	if opts.Diarize {
		// One shared channel; the salesperson key is arbitrary.
		speakers = speakers[:1]
	}
	for _, sp := range speakers {
		c.channels[sp] = c.newChannel(sp)
	}
	return c
}

func (c *Call) newChannel(speaker models.Speaker) *channel {
	ch := &channel{
		speaker: speaker,
		framer:  audio.NewFramer(),
		seg: vad.New(vad.Config{
			RMSThreshold:      c.orc.cfg.RMSThreshold,
			SilenceGap:        c.orc.cfg.SilenceGap,
			FinalSilence:      c.orc.cfg.FinalSilence,
			SilentBufferLimit: c.orc.cfg.SilentBufferLimit,
		}),
	}
	now := time.Now()
	ch.lastAudioAt = now
	ch.lastTranscriptAt = now
	ch.lastSpeechAt = now

	ch.session = recognizer.NewSession(speaker, nil, c.orc.backend,
		&channelCallback{call: c, ch: ch},
		recognizer.Options{
			ConnectTimeout: c.orc.cfg.ConnectTimeout,
			SettleDelay:    c.orc.cfg.RolloverSettle,
			Diarize:        c.Diarize,
			Logger:         c.log,
		})
	return ch
}

// start opens every transcription session and launches the watchdog. A
// backend that refuses the initial connection does not fail the call: the
// channel stays registered in a degraded state and the watchdog redials it
// until the backend accepts.
func (c *Call) start() {
	for _, ch := range c.channels {
		if err := ch.session.Start(c.ctx); err != nil {
			c.log.Warn().Err(err).
				Str("speaker", string(ch.speaker)).
				Msg("recognition channel unavailable at call start")
			c.sink.OnHealth(ch.speaker, models.HealthStatus{
				Status:  models.HealthError,
				Message: "Not listening - check mic",
			})
		}
	}

	c.wg.Add(1)
	go c.watchdog()
}

// PushAudio ingests one capture callback buffer for a speaker: resample,
// frame, measure loudness, forward frames, and react to VAD transitions. In
// diarized mode the speaker argument is ignored.
func (c *Call) PushAudio(speaker models.Speaker, samples []float32, inputRate int) {
	ch := c.channelFor(speaker)
	if ch == nil {
		return
	}

	now := time.Now()
	ch.mu.Lock()
	ch.lastAudioAt = now
	frames, rms := ch.framer.Push(samples, inputRate)
	vadEvents := ch.seg.Process(rms, now)
	if ch.seg.Speaking() {
		ch.lastSpeechAt = now
	}
	level := ch.seg.Level()
	ch.mu.Unlock()

	for _, frame := range frames {
		c.orc.metrics.AudioFramesEmitted.Inc()
		if err := ch.session.SendAudio(frame); err != nil {
			// Counted inside the session; frames are never queued.
			break
		}
	}

	c.sink.OnLevel(ch.speaker, level)

	for _, ev := range vadEvents {
		switch ev {
		case vad.EventSpeechStarted:
			c.log.Debug().Str("speaker", string(ch.speaker)).Msg("speech started")
		case vad.EventSpeechEnded:
			c.log.Debug().Str("speaker", string(ch.speaker)).Msg("speech ended")
		case vad.EventPromotePartial:
			if promoted := ch.session.PromotePartial(now); promoted != nil {
				c.handleFinal(ch, *promoted)
			}
		case vad.EventStuckBuffer:
			c.orc.metrics.StuckBufferDetected.Inc()
			c.log.Warn().Str("speaker", string(ch.speaker)).Msg("stuck audio buffer detected")
			go c.rollover(ch, "stuck_buffer")
		}
	}
}

func (c *Call) channelFor(speaker models.Speaker) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Diarize {
		return c.channels[models.SpeakerSalesperson]
	}
	return c.channels[speaker]
}

// channelCallback adapts a channel to the recognizer callback interface.
type channelCallback struct {
	call *Call
	ch   *channel
}

func (cb *channelCallback) OnPartial(ev models.TranscriptEvent) {
	cb.ch.mu.Lock()
	cb.ch.lastTranscriptAt = time.Now()
	cb.ch.mu.Unlock()

	ev.Speaker = cb.call.resolveSpeaker(cb.ch, ev)
	cb.call.sink.OnTranscript(ev)
}

func (cb *channelCallback) OnFinal(ev models.TranscriptEvent) {
	cb.call.handleFinal(cb.ch, ev)
}

func (cb *channelCallback) OnDisconnect(err error) {
	cb.call.log.Warn().Err(err).Str("speaker", string(cb.ch.speaker)).Msg("transcription channel lost")
}

// resolveSpeaker attributes an event to a party. Diarized streams carry a
// tag per hypothesis; tag 1 is the salesperson, who speaks first on an
// outbound call.
func (c *Call) resolveSpeaker(ch *channel, ev models.TranscriptEvent) models.Speaker {
	if c.Diarize && ev.SpeakerTag != 0 {
		if ev.SpeakerTag == 1 {
			return models.SpeakerSalesperson
		}
		return models.SpeakerProspect
	}
	if ev.Speaker.Valid() {
		return ev.Speaker
	}
	return ch.speaker
}

// handleFinal is the single entry point for finalized transcripts, whether
// server-confirmed or silence-promoted.
func (c *Call) handleFinal(ch *channel, ev models.TranscriptEvent) {
	now := time.Now()
	ch.mu.Lock()
	ch.lastTranscriptAt = now
	ch.mu.Unlock()

	ev.IsFinal = true
	ev.Speaker = c.resolveSpeaker(ch, ev)
	turn := models.Turn{Speaker: ev.Speaker, Text: ev.Text, TimestampMs: ev.TimestampMs}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	recent := append([]models.Turn(nil), c.window...)
	c.window = append(c.window, turn)
	if len(c.window) > historyWindow {
		c.window = c.window[1:]
	}
	c.allTurns = append(c.allTurns, turn)
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	c.sink.OnTranscript(ev)

	go func() {
		event := models.TranscriptFinalEvent{
			EventType:   "call.transcript.final",
			CallID:      c.ID,
			SessionID:   ch.session.ID(),
			Speaker:     ev.Speaker,
			Text:        ev.Text,
			Confidence:  ev.Confidence,
			TimestampMs: ev.TimestampMs,
		}
		c.orc.pub.PublishTranscript(c.ctx, c.ID, event)
		if err := c.orc.st.AddTranscript(c.ctx, c.ID, seq, turn); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist transcript")
		}
	}()

	c.admit(turn, recent)
}

// admit runs the turn through the admission controller and starts a
// generation when allowed. The cancel function is handed to the manager
// inside the admission check itself, so concurrent finals from both
// channel pumps resolve to exactly one in-flight generation.
func (c *Call) admit(turn models.Turn, recent []models.Turn) {
	genCtx, cancel := context.WithCancel(c.ctx)
	res := c.turnMgr.Admit(turn, true, cancel)
	if !res.Admit {
		cancel()
		c.orc.metrics.RecordTurnRejected(res.Reason)
		c.log.Debug().Str("reason", res.Reason).Str("text", turn.Text).Msg("turn not admitted")
		return
	}
	c.orc.metrics.TurnsAdmitted.Inc()
	c.generate(genCtx, cancel, res.Epoch, turn, recent)
}

// generate runs one coaching generation: fast classification first, then
// the AI enhancement, honoring cooperative cancellation throughout.
func (c *Call) generate(genCtx context.Context, cancel context.CancelFunc, epoch uint64, turn models.Turn, recent []models.Turn) {
	c.mu.Lock()
	c.genStart = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		start := time.Now()
		fast := c.classifier.Classify(turn, recent)
		c.orc.metrics.ClassifyLatency.Observe(time.Since(start).Seconds())

		if fast != nil && genCtx.Err() == nil {
			c.emitCoaching(*fast, turn)

			enhStart := time.Now()
			enhanced, err := c.orc.enh.EnhanceLive(genCtx, append(recent, turn))
			c.orc.metrics.RecordEnhancer("live", err != nil, time.Since(enhStart).Seconds())
			if err == nil && genCtx.Err() == nil {
				c.emitCoaching(*enhanced, turn)
			}
		}

		c.finishGeneration(epoch)
	}()
}

// finishGeneration completes the in-flight slot and replays the pending
// turn, if one queued up mid-flight. A generation that was force-cleared
// completes as a no-op here.
func (c *Call) finishGeneration(epoch uint64) {
	pending := c.turnMgr.CompleteGeneration(epoch)
	if pending == nil || c.ctx.Err() != nil {
		return
	}

	c.orc.metrics.TurnsReplayed.Inc()
	c.log.Debug().Str("text", pending.Text).Msg("replaying pending turn")
	c.admit(*pending, c.recentBefore(*pending))
}

// recentBefore returns the sliding window as it looked before the given
// turn was appended.
func (c *Call) recentBefore(turn models.Turn) []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.window
	if n := len(window); n > 0 && window[n-1] == turn {
		window = window[:n-1]
	}
	return append([]models.Turn(nil), window...)
}

// emitCoaching delivers one suggestion to the sink, the event bus and the
// store.
func (c *Call) emitCoaching(s models.CoachingSuggestion, trigger models.Turn) {
	c.orc.metrics.RecordSuggestion(string(s.Stage))

	event := models.CoachingEvent{
		EventType:   "call.coaching.suggestion",
		CallID:      c.ID,
		Suggestion:  s,
		TriggerText: trigger.Text,
		TimestampMs: time.Now().UnixMilli(),
	}
	c.sink.OnCoaching(event)

	go func() {
		c.orc.pub.PublishCoaching(c.ctx, c.ID, event)
		if err := c.orc.st.AddCoachingEvent(c.ctx, c.ID, event); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist coaching event")
		}
	}()
}

// rollover restarts a channel's transcription session. At most one
// rollover runs per channel at a time; a failed restart leaves the session
// in error state for the watchdog to retry.
func (c *Call) rollover(ch *channel, reason string) {
	if c.ctx.Err() != nil {
		return
	}
	ch.mu.Lock()
	if ch.rolling {
		ch.mu.Unlock()
		return
	}
	ch.rolling = true
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.rolling = false
		ch.mu.Unlock()
	}()

	if err := ch.session.Restart(c.ctx, reason); err != nil {
		c.log.Error().Err(err).Str("reason", reason).Msg("rollover failed")
		c.sink.OnHealth(ch.speaker, models.HealthStatus{
			Status:  models.HealthError,
			Message: "Transcription unavailable - reconnecting",
		})
		return
	}

	now := time.Now()
	ch.mu.Lock()
	ch.framer.Reset()
	ch.seg.Reset(now)
	ch.lastAudioAt = now
	ch.lastTranscriptAt = now
	ch.lastSpeechAt = now
	ch.recoverAttempts = 0
	ch.nextRecoverAt = time.Time{}
	ch.mu.Unlock()
}

// watchdog periodically sweeps every channel for dead capture, prolonged
// silence and wedged generations, and reports audio health to the overlay.
func (c *Call) watchdog() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.orc.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Call) sweep(now time.Time) {
	c.mu.Lock()
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	generating := c.turnMgr.Generating()
	genStart := c.genStart
	c.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		sinceAudio := now.Sub(ch.lastAudioAt)
		sinceTranscript := now.Sub(ch.lastTranscriptAt)
		sinceSpeech := now.Sub(ch.lastSpeechAt)
		ch.mu.Unlock()

		c.sink.OnHealth(ch.speaker, c.health(ch, sinceTranscript))

		// A channel stuck in error keeps redialing, with linearly growing
		// gaps between attempts, until the backend accepts again.
		if ch.session.State() == recognizer.StateError {
			ch.mu.Lock()
			due := !ch.rolling && !now.Before(ch.nextRecoverAt)
			if due {
				ch.recoverAttempts++
				ch.nextRecoverAt = now.Add(time.Duration(ch.recoverAttempts) * c.orc.cfg.WatchdogInterval)
			}
			ch.mu.Unlock()
			if due {
				go c.rollover(ch, "recovery")
			}
			continue
		}

		// Capture stalled entirely: frames stopped arriving.
		if sinceAudio > c.orc.cfg.StaleThreshold && ch.session.State() == recognizer.StateOpen {
			c.log.Warn().
				Str("speaker", string(ch.speaker)).
				Dur("sinceAudio", sinceAudio).
				Msg("capture stale, forcing rollover")
			go c.rollover(ch, "stale_capture")
			continue
		}

		// Long continuous silence on a diarized stream starves the
		// recognizer; roll it over proactively.
		if c.Diarize && sinceSpeech > c.orc.cfg.SilenceRollover && ch.session.State() == recognizer.StateOpen {
			go c.rollover(ch, "silence")
		}
	}

	if generating && !genStart.IsZero() && now.Sub(genStart) > c.orc.cfg.GenerationCeiling {
		if pending, cleared := c.turnMgr.ForceClear(); cleared {
			c.orc.metrics.GenerationForced.Inc()
			c.log.Warn().Msg("generation exceeded ceiling, force-cleared")
			if pending != nil && c.ctx.Err() == nil {
				c.orc.metrics.TurnsReplayed.Inc()
				c.log.Debug().Str("text", pending.Text).Msg("replaying pending turn")
				go c.admit(*pending, c.recentBefore(*pending))
			}
		}
	}
}

// health maps transcript recency to the overlay status light.
func (c *Call) health(ch *channel, sinceTranscript time.Duration) models.HealthStatus {
	if st := ch.session.State(); st != recognizer.StateOpen {
		return models.HealthStatus{Status: models.HealthError, Message: "Not listening - check mic"}
	}
	if sinceTranscript > c.orc.cfg.StaleThreshold {
		return models.HealthStatus{Status: models.HealthNoAudio, Message: "No audio detected"}
	}
	if sinceTranscript > c.orc.cfg.WatchdogInterval {
		return models.HealthStatus{Status: models.HealthNoAudio, Message: "Audio quiet - speak louder?"}
	}
	return models.HealthStatus{Status: models.HealthLive}
}

// Turns returns a copy of the full turn history so far.
func (c *Call) Turns() []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Turn(nil), c.allTurns...)
}

// end stops the pipeline and produces the summary.
func (c *Call) end(ctx context.Context) *models.CallSummary {
	c.mu.Lock()
	if c.ended {
		turns := append([]models.Turn(nil), c.allTurns...)
		c.mu.Unlock()
		return enhancer.FallbackSummary(turns)
	}
	c.ended = true
	turns := append([]models.Turn(nil), c.allTurns...)
	c.mu.Unlock()

	c.turnMgr.ForceClear()
	c.cancel()
	for _, ch := range c.channels {
		ch.session.Stop()
	}
	c.wg.Wait()

	start := time.Now()
	summary, err := c.orc.enh.Summarize(ctx, turns)
	c.orc.metrics.RecordEnhancer("summary", err != nil, time.Since(start).Seconds())
	if err != nil {
		c.log.Warn().Err(err).Msg("summary generation failed, using fallback")
		summary = enhancer.FallbackSummary(turns)
	}

	bg := context.WithoutCancel(ctx)
	c.orc.pub.PublishSummary(bg, c.ID, summary)
	if err := c.orc.st.CreateSummary(bg, c.ID, *summary); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist summary")
	}
	if err := c.orc.st.UpdateCallStatus(bg, c.ID, "completed"); err != nil {
		c.log.Warn().Err(err).Msg("failed to update call status")
	}

	c.sink.OnSummary(*summary)
	c.log.Info().Str("outcome", summary.Outcome).Int("turns", len(turns)).Msg("call ended")
	return summary
}
