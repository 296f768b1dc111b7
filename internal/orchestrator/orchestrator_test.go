package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/coach"
	"ai-sales-coach-service/internal/config"
	"ai-sales-coach-service/internal/enhancer"
	"ai-sales-coach-service/internal/events"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/recognizer/mock"
	"ai-sales-coach-service/internal/store"
)

type sinkCollector struct {
	mu          sync.Mutex
	transcripts []models.TranscriptEvent
	coaching    []models.CoachingEvent
	health      []models.HealthStatus
	summaries   []models.CallSummary
}

func (s *sinkCollector) OnTranscript(ev models.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, ev)
}

func (s *sinkCollector) OnCoaching(ev models.CoachingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coaching = append(s.coaching, ev)
}

func (s *sinkCollector) OnHealth(sp models.Speaker, h models.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, h)
}

func (s *sinkCollector) OnLevel(sp models.Speaker, level int) {}

func (s *sinkCollector) OnSummary(summary models.CallSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
}

func (s *sinkCollector) coachingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coaching)
}

func (s *sinkCollector) finalTranscripts() []models.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var finals []models.TranscriptEvent
	for _, ev := range s.transcripts {
		if ev.IsFinal {
			finals = append(finals, ev)
		}
	}
	return finals
}

// stubEnhancer blocks live enhancement until released, for exercising
// single-flight behavior. With respectCancel unset it holds the generation
// in flight even through cooperative cancellation, so queued turns can
// accumulate deterministically.
type stubEnhancer struct {
	block         chan struct{}
	respectCancel bool
}

func (e *stubEnhancer) EnhanceLive(ctx context.Context, turns []models.Turn) (*models.CoachingSuggestion, error) {
	if e.block != nil {
		if e.respectCancel {
			select {
			case <-e.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-e.block
		}
	}
	return nil, enhancer.ErrDisabled
}

func (e *stubEnhancer) Summarize(ctx context.Context, turns []models.Turn) (*models.CallSummary, error) {
	return nil, enhancer.ErrDisabled
}

// overlapEnhancer records how many live enhancements ever ran at the same
// time.
type overlapEnhancer struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	done     int
}

func (e *overlapEnhancer) EnhanceLive(ctx context.Context, turns []models.Turn) (*models.CoachingSuggestion, error) {
	e.mu.Lock()
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	e.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	e.mu.Lock()
	e.inFlight--
	e.done++
	e.mu.Unlock()
	return nil, enhancer.ErrDisabled
}

func (e *overlapEnhancer) Summarize(ctx context.Context, turns []models.Turn) (*models.CallSummary, error) {
	return nil, enhancer.ErrDisabled
}

func (e *overlapEnhancer) snapshot() (maxSeen, inFlight, done int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSeen, e.inFlight, e.done
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ConnectTimeout:    250 * time.Millisecond,
		RolloverSettle:    10 * time.Millisecond,
		WatchdogInterval:  25 * time.Millisecond,
		StaleThreshold:    10 * time.Second,
		SilenceRollover:   10 * time.Second,
		RMSThreshold:      0.01,
		SilenceGap:        10 * time.Millisecond,
		FinalSilence:      20 * time.Millisecond,
		SilentBufferLimit: 10 * time.Second,
		GenerationCeiling: 10 * time.Second,
		Kafka:             config.KafkaConfig{Enabled: false},
	}
}

func newTestOrchestrator(cfg *config.Configuration, backend *mock.Backend, enh enhancer.Enhancer) *Orchestrator {
	if enh == nil {
		enh = enhancer.Noop{}
	}
	return New(cfg, backend, enh,
		events.New(&cfg.Kafka),
		store.NewLogStore(zerolog.Nop()),
		coach.Settings{},
		zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func speakerConn(t *testing.T, backend *mock.Backend, speaker models.Speaker) *mock.Conn {
	t.Helper()
	for _, c := range backend.Conns() {
		if c.Params().Speaker == speaker {
			return c
		}
	}
	t.Fatalf("no %s connection", speaker)
	return nil
}

func prospectConn(t *testing.T, backend *mock.Backend) *mock.Conn {
	t.Helper()
	return speakerConn(t, backend, models.SpeakerProspect)
}

func TestStartCall_DualChannels(t *testing.T) {
	backend := mock.New()
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	if call.ID == "" {
		t.Error("expected a generated call id")
	}
	if got := len(backend.Conns()); got != 2 {
		t.Errorf("expected one channel per speaker, got %d", got)
	}
	if o.ActiveCalls() != 1 {
		t.Errorf("expected 1 active call, got %d", o.ActiveCalls())
	}
}

func TestStartCall_Diarized(t *testing.T) {
	backend := mock.New()
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Diarize: true, Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	conns := backend.Conns()
	if len(conns) != 1 {
		t.Fatalf("expected one shared channel, got %d", len(conns))
	}
	if !conns[0].Params().Diarize {
		t.Error("expected diarization requested on the shared channel")
	}
}

func TestStartCall_DuplicateID(t *testing.T) {
	backend := mock.New()
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{CallID: "call-1"})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	if _, err := o.StartCall(context.Background(), CallOptions{CallID: "call-1"}); err == nil {
		t.Error("expected duplicate call id to be rejected")
	}
}

func TestStartCall_ConcurrentSameID(t *testing.T) {
	backend := mock.New()
	o := newTestOrchestrator(testConfig(), backend, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.StartCall(context.Background(), CallOptions{CallID: "call-race"}); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("expected exactly one StartCall to win, got %d", started)
	}
	if o.ActiveCalls() != 1 {
		t.Errorf("expected 1 registered call, got %d", o.ActiveCalls())
	}
	o.EndCall(context.Background(), "call-race")
}

func TestStartCall_BackendDownStartsDegraded(t *testing.T) {
	backend := mock.New()
	backend.FailConnects = 2
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("expected a degraded start, got %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	// The watchdog keeps redialing; both channels must come up once the
	// backend accepts again.
	if !waitFor(t, 3*time.Second, func() bool { return len(backend.Conns()) == 2 }) {
		t.Errorf("channels never connected after backend recovery, conns=%d", len(backend.Conns()))
	}
}

func TestCall_FinalProducesCoaching(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	prospectConn(t, backend).EmitFinal("the price is too high for us", 0.9)

	if !waitFor(t, time.Second, func() bool { return sink.coachingCount() >= 1 }) {
		t.Fatal("no coaching produced")
	}

	sink.mu.Lock()
	ev := sink.coaching[0]
	sink.mu.Unlock()
	if ev.Suggestion.Stage != models.StageObjectionPrice {
		t.Errorf("expected price objection, got %v", ev.Suggestion.Stage)
	}
	if ev.Suggestion.SayNext == "" {
		t.Error("expected non-empty say_next")
	}
	if ev.TriggerText != "the price is too high for us" {
		t.Errorf("unexpected trigger text %q", ev.TriggerText)
	}
	if ev.CallID != call.ID {
		t.Errorf("expected call id on event, got %q", ev.CallID)
	}

	finals := sink.finalTranscripts()
	if len(finals) != 1 || finals[0].Speaker != models.SpeakerProspect {
		t.Errorf("unexpected final transcripts: %+v", finals)
	}
}

func TestCall_FillerProducesNoCoaching(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	prospectConn(t, backend).EmitFinal("um", 0.9)

	if !waitFor(t, time.Second, func() bool { return len(sink.finalTranscripts()) == 1 }) {
		t.Fatal("final transcript never delivered")
	}
	time.Sleep(50 * time.Millisecond)
	if sink.coachingCount() != 0 {
		t.Errorf("expected no coaching for filler, got %d events", sink.coachingCount())
	}
}

func TestCall_PendingTurnReplayed(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	enh := &stubEnhancer{block: make(chan struct{})}
	o := newTestOrchestrator(testConfig(), backend, enh)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	conn := prospectConn(t, backend)

	// First turn is admitted; the blocked enhancer keeps it in flight.
	conn.EmitFinal("we already have a vendor for this", 0.9)
	if !waitFor(t, time.Second, func() bool { return sink.coachingCount() == 1 }) {
		t.Fatal("fast-path coaching for first turn never arrived")
	}

	// Second and third turns mid-flight: newest wins the pending slot.
	conn.EmitFinal("but the price might be a problem", 0.9)
	conn.EmitFinal("actually I need to ask my boss", 0.9)
	if !waitFor(t, time.Second, func() bool { return len(sink.finalTranscripts()) == 3 }) {
		t.Fatal("finals never delivered")
	}

	// Release the enhancer; the pending turn must replay automatically.
	close(enh.block)

	if !waitFor(t, 2*time.Second, func() bool { return sink.coachingCount() >= 2 }) {
		t.Fatal("pending turn was never replayed")
	}

	sink.mu.Lock()
	var triggers []string
	for _, ev := range sink.coaching {
		triggers = append(triggers, ev.TriggerText)
	}
	sink.mu.Unlock()

	if triggers[0] != "we already have a vendor for this" {
		t.Errorf("unexpected first trigger %q", triggers[0])
	}
	// The replayed turn is the newest one, not the overwritten middle turn.
	replayed := strings.Join(triggers[1:], " ")
	if !strings.Contains(replayed, "ask my boss") {
		t.Errorf("expected newest pending turn replayed, got triggers %v", triggers)
	}
	if strings.Contains(replayed, "price might be a problem") {
		t.Errorf("overwritten pending turn must not replay, got triggers %v", triggers)
	}
}

func TestCall_ConcurrentFinalsSingleFlight(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	enh := &overlapEnhancer{}
	o := newTestOrchestrator(testConfig(), backend, enh)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	sales := speakerConn(t, backend, models.SpeakerSalesperson)
	pros := speakerConn(t, backend, models.SpeakerProspect)

	// Seed an objection so the salesperson's next reply also classifies,
	// then let its generation drain completely.
	pros.EmitFinal("the price is too high for us", 0.9)
	if !waitFor(t, 2*time.Second, func() bool {
		_, inFlight, done := enh.snapshot()
		return done >= 1 && inFlight == 0
	}) {
		t.Fatal("seed generation never completed")
	}

	// Finals land on both channel pumps at once; admission must serialize
	// them into one in-flight generation plus one pending replay.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sales.EmitFinal("I completely understand where you are coming from", 0.9)
	}()
	go func() {
		defer wg.Done()
		pros.EmitFinal("honestly we are just not interested", 0.9)
	}()
	wg.Wait()

	if !waitFor(t, 2*time.Second, func() bool { return len(sink.finalTranscripts()) == 3 }) {
		t.Fatal("concurrent finals never delivered")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, inFlight, done := enh.snapshot()
		return done >= 2 && inFlight == 0
	})

	maxSeen, _, _ := enh.snapshot()
	if maxSeen > 1 {
		t.Errorf("expected at most one generation in flight, saw %d overlapping", maxSeen)
	}
}

func TestCall_ReconnectsAfterFailedRollover(t *testing.T) {
	cfg := testConfig()
	cfg.StaleThreshold = 40 * time.Millisecond
	backend := mock.New()
	o := newTestOrchestrator(cfg, backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	if len(backend.Conns()) != 2 {
		t.Fatalf("expected 2 initial connections, got %d", len(backend.Conns()))
	}

	// Take the backend down long enough for the stale-capture rollovers to
	// fail on both channels, then let it accept again. The watchdog must
	// keep retrying error-state channels until they reconnect.
	backend.SetFailConnects(4)
	if !waitFor(t, 5*time.Second, func() bool { return len(backend.Conns()) > 2 }) {
		t.Errorf("no reconnect after backend recovery, conns=%d", len(backend.Conns()))
	}
}

func TestCall_PushAudioForwardsFrames(t *testing.T) {
	backend := mock.New()
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	samples := make([]float32, 3200) // 200ms at 16kHz -> two frames
	for i := range samples {
		samples[i] = 0.05
	}
	call.PushAudio(models.SpeakerProspect, samples, 16000)

	conn := prospectConn(t, backend)
	if got := conn.Frames(); got != 2 {
		t.Errorf("expected 2 frames forwarded, got %d", got)
	}
}

func TestCall_SilencePromotesPartial(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	conn := prospectConn(t, backend)

	loud := make([]float32, 800)
	for i := range loud {
		loud[i] = 0.05
	}
	quiet := make([]float32, 800)

	// Saturate the loudness window with speech.
	for i := 0; i < 35; i++ {
		call.PushAudio(models.SpeakerProspect, loud, 16000)
	}

	// The recognizer produced only a partial hypothesis.
	conn.EmitPartial("I guess we could try it")
	if !waitFor(t, time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.transcripts) >= 1
	}) {
		t.Fatal("partial never delivered")
	}

	// Feed silence until the windowed average decays and the promotion
	// timer fires.
	promoted := waitFor(t, 3*time.Second, func() bool {
		call.PushAudio(models.SpeakerProspect, quiet, 16000)
		return len(sink.finalTranscripts()) >= 1
	})
	if !promoted {
		t.Fatal("held partial was never promoted on silence")
	}

	finals := sink.finalTranscripts()
	if finals[0].Text != "I guess we could try it" {
		t.Errorf("unexpected promoted text %q", finals[0].Text)
	}
}

func TestCall_StaleCaptureTriggersRollover(t *testing.T) {
	cfg := testConfig()
	cfg.StaleThreshold = 60 * time.Millisecond
	backend := mock.New()
	o := newTestOrchestrator(cfg, backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: &sinkCollector{}})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	// No audio pushes at all: the watchdog must force a rollover.
	if !waitFor(t, 2*time.Second, func() bool { return len(backend.Conns()) > 2 }) {
		t.Error("expected a rollover connection after stale capture")
	}
}

func TestCall_GenerationCeilingForceClears(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationCeiling = 60 * time.Millisecond
	backend := mock.New()
	sink := &sinkCollector{}
	enh := &stubEnhancer{block: make(chan struct{}), respectCancel: true} // never released
	o := newTestOrchestrator(cfg, backend, enh)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer o.EndCall(context.Background(), call.ID)

	conn := prospectConn(t, backend)
	conn.EmitFinal("what would the contract look like", 0.9)
	if !waitFor(t, time.Second, func() bool { return sink.coachingCount() == 1 }) {
		t.Fatal("first coaching never arrived")
	}

	// Wait past the ceiling, then a fresh turn must be admitted directly.
	time.Sleep(150 * time.Millisecond)
	conn.EmitFinal("we are not interested anymore", 0.9)

	if !waitFor(t, time.Second, func() bool { return sink.coachingCount() >= 2 }) {
		t.Error("turn after force-clear was not admitted")
	}
}

func TestEndCall_FallbackSummary(t *testing.T) {
	backend := mock.New()
	sink := &sinkCollector{}
	o := newTestOrchestrator(testConfig(), backend, nil)

	call, err := o.StartCall(context.Background(), CallOptions{Sink: sink})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	conn := prospectConn(t, backend)
	conn.EmitFinal("this is way too expensive", 0.9)
	if !waitFor(t, time.Second, func() bool { return len(call.Turns()) == 1 }) {
		t.Fatal("turn never recorded")
	}

	summary, err := o.EndCall(context.Background(), call.ID)
	if err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if summary.Outcome != "neutral" {
		t.Errorf("expected fallback outcome, got %q", summary.Outcome)
	}
	if len(summary.Objections) != 1 || summary.Objections[0].Type != "price" {
		t.Errorf("expected price objection recovered, got %+v", summary.Objections)
	}
	if o.ActiveCalls() != 0 {
		t.Errorf("expected call removed from registry")
	}

	sink.mu.Lock()
	summaries := len(sink.summaries)
	sink.mu.Unlock()
	if summaries != 1 {
		t.Errorf("expected summary delivered to sink, got %d", summaries)
	}

	if _, err := o.EndCall(context.Background(), call.ID); err == nil {
		t.Error("expected error ending an already-ended call")
	}
}
