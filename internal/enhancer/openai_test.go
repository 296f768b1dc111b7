package enhancer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/models"
)

// chatFixture wraps content in the chat-completions response envelope.
func chatFixture(t *testing.T, content string) []byte {
	t.Helper()
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testClient(serverURL string, live, summary time.Duration) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:         "test-key",
		Model:          "gpt-4o-mini",
		BaseURL:        serverURL,
		LiveTimeout:    live,
		SummaryTimeout: summary,
	}, zerolog.Nop())
}

func sampleTurns() []models.Turn {
	return []models.Turn{
		{Speaker: models.SpeakerSalesperson, Text: "let me walk you through the product"},
		{Speaker: models.SpeakerProspect, Text: "this seems too expensive for us"},
	}
}

func TestEnhanceLive_ParsesModelOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		w.Write(chatFixture(t, `{"stage":"Objection:Price","say_next":"What would solving this be worth to you?","insight":"Reframe cost as value","confidence":88}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	got, err := c.EnhanceLive(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("EnhanceLive: %v", err)
	}
	if got.Stage != models.StageObjectionPrice {
		t.Errorf("stage = %v", got.Stage)
	}
	if got.SayNext != "What would solving this be worth to you?" {
		t.Errorf("say_next = %q", got.SayNext)
	}
	if got.Confidence != 88 {
		t.Errorf("confidence = %d", got.Confidence)
	}
}

func TestEnhanceLive_SalvagesMalformedJSON(t *testing.T) {
	// Truncated JSON that still contains extractable fields.
	content := `Here is my answer: {"stage": "Competitor", "say_next": "What do you wish they did better?", "insight": "Find the gap", "confidence": 80`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatFixture(t, content))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	got, err := c.EnhanceLive(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("expected salvage to succeed, got %v", err)
	}
	if got.SayNext != "What do you wish they did better?" {
		t.Errorf("say_next = %q", got.SayNext)
	}
	if got.Stage != models.StageCompetitor {
		t.Errorf("stage = %v", got.Stage)
	}
	// Confidence is not salvageable; expect the default.
	if got.Confidence != 75 {
		t.Errorf("confidence = %d, want default 75", got.Confidence)
	}
}

func TestEnhanceLive_EmptySayNextFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatFixture(t, `{"stage":"Discovery","say_next":"","insight":"x","confidence":50}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	if _, err := c.EnhanceLive(context.Background(), sampleTurns()); err == nil {
		t.Error("expected error for empty say_next")
	}
}

func TestEnhanceLive_UnknownStageDefaultsToDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatFixture(t, `{"stage":"Negotiation","say_next":"Let us review the numbers together.","confidence":70}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	got, err := c.EnhanceLive(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("EnhanceLive: %v", err)
	}
	if got.Stage != models.StageDiscovery {
		t.Errorf("expected invented stage coerced to Discovery, got %v", got.Stage)
	}
}

func TestEnhanceLive_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write(chatFixture(t, `{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, 50*time.Millisecond, time.Second)
	start := time.Now()
	_, err := c.EnhanceLive(context.Background(), sampleTurns())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestEnhanceLive_NoKey(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{}, zerolog.Nop())
	if _, err := c.EnhanceLive(context.Background(), sampleTurns()); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestSummarize_ParsesModelOutput(t *testing.T) {
	content := `{"outcome":"follow_up","outcomeConfidence":0.8,"objections":[{"type":"price","text":"too expensive","handled":true}],"wentWell":["good discovery"],"improvement":"pause more","focusNextCall":"bring ROI data"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatFixture(t, content))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	got, err := c.Summarize(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got.Outcome != "follow_up" {
		t.Errorf("outcome = %q", got.Outcome)
	}
	if len(got.Objections) != 1 || !got.Objections[0].Handled {
		t.Errorf("objections = %+v", got.Objections)
	}
}

func TestSummarize_RetriesOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(chatFixture(t, `{"outcome":"booked","outcomeConfidence":0.9}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, 2*time.Second)
	got, err := c.Summarize(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if got.Outcome != "booked" {
		t.Errorf("outcome = %q", got.Outcome)
	}
}

func TestSummarize_SalvagesWrappedJSON(t *testing.T) {
	content := "Sure! Here is the summary:\n```json\n{\"outcome\":\"neutral\",\"outcomeConfidence\":0.5}\n```"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatFixture(t, content))
	}))
	defer srv.Close()

	c := testClient(srv.URL, time.Second, time.Second)
	got, err := c.Summarize(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("expected block salvage to succeed, got %v", err)
	}
	if got.Outcome != "neutral" {
		t.Errorf("outcome = %q", got.Outcome)
	}
}

func TestSummarize_EmptyTranscript(t *testing.T) {
	c := testClient("http://unused", time.Second, time.Second)
	if _, err := c.Summarize(context.Background(), nil); err == nil {
		t.Error("expected error on empty transcript")
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	if _, err := n.EnhanceLive(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if _, err := n.Summarize(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestFallbackSummary(t *testing.T) {
	turns := []models.Turn{
		{Speaker: models.SpeakerSalesperson, Text: "thanks for taking the time"},
		{Speaker: models.SpeakerProspect, Text: "the price is too high for us"},
		{Speaker: models.SpeakerSalesperson, Text: "let's talk about the budget and what you get"},
		{Speaker: models.SpeakerProspect, Text: "I need to ask my boss first"},
	}

	got := FallbackSummary(turns)

	if got.Outcome != "neutral" {
		t.Errorf("outcome = %q", got.Outcome)
	}
	if len(got.Objections) != 2 {
		t.Fatalf("expected 2 objections, got %+v", got.Objections)
	}
	if got.Objections[0].Type != "price" || !got.Objections[0].Handled {
		t.Errorf("price objection should be marked handled: %+v", got.Objections[0])
	}
	if got.Objections[1].Type != "authority" || got.Objections[1].Handled {
		t.Errorf("authority objection should be unhandled: %+v", got.Objections[1])
	}
}

func TestFallbackSummary_NoObjections(t *testing.T) {
	turns := []models.Turn{
		{Speaker: models.SpeakerProspect, Text: "tell me more about the product"},
	}
	got := FallbackSummary(turns)
	if len(got.Objections) != 0 {
		t.Errorf("expected no objections, got %+v", got.Objections)
	}
	if len(got.WentWell) == 0 {
		t.Error("expected a non-empty wentWell fallback")
	}
}
