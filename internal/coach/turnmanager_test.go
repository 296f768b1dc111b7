package coach

import (
	"context"
	"sync"
	"testing"

	"ai-sales-coach-service/internal/models"
)

func prospectTurn(text string) models.Turn {
	return models.Turn{Speaker: models.SpeakerProspect, Text: text, TimestampMs: 1000}
}

func TestTurnManager_RejectsNonFinal(t *testing.T) {
	tm := NewTurnManager()

	res := tm.Admit(prospectTurn("I have a question"), false, nil)

	if res.Admit {
		t.Error("expected non-final turn to be rejected")
	}
	if res.Reason != ReasonNotFinal {
		t.Errorf("expected reason %q, got %q", ReasonNotFinal, res.Reason)
	}
	if tm.Generating() {
		t.Error("rejected turn must not mark a generation in flight")
	}
}

func TestTurnManager_RejectsShortText(t *testing.T) {
	tm := NewTurnManager()

	tests := []string{"", " ", "a", "  a  "}
	for _, text := range tests {
		res := tm.Admit(prospectTurn(text), true, nil)
		if res.Admit {
			t.Errorf("expected %q to be rejected as too short", text)
		}
		if res.Reason != ReasonTooShort {
			t.Errorf("expected reason %q, got %q", ReasonTooShort, res.Reason)
		}
	}
}

func TestTurnManager_AdmitsValidFinal(t *testing.T) {
	tm := NewTurnManager()

	res := tm.Admit(prospectTurn("the price is too high"), true, nil)

	if !res.Admit {
		t.Fatalf("expected admission, got reason %q", res.Reason)
	}
	if !tm.Generating() {
		t.Error("expected admission to mark the generation in flight")
	}
	if tm.LastFinalText() != "the price is too high" {
		t.Errorf("expected last final text recorded, got %q", tm.LastFinalText())
	}
}

func TestTurnManager_SingleFlight(t *testing.T) {
	tm := NewTurnManager()

	cancelled := false
	res := tm.Admit(prospectTurn("first turn"), true, func() { cancelled = true })
	if !res.Admit {
		t.Fatal("first turn should be admitted")
	}
	if !tm.Generating() {
		t.Fatal("expected Generating() true after admission")
	}

	// A second turn mid-flight is queued, and the in-flight call is aborted
	res = tm.Admit(prospectTurn("second turn"), true, nil)
	if res.Admit {
		t.Error("expected second turn rejected while generating")
	}
	if res.Reason != ReasonInFlight {
		t.Errorf("expected reason %q, got %q", ReasonInFlight, res.Reason)
	}
	if !cancelled {
		t.Error("expected in-flight generation to be cancelled")
	}
}

func TestTurnManager_ConcurrentFinalsAdmitOne(t *testing.T) {
	tm := NewTurnManager()

	// Finals arrive on one goroutine per speaker channel; admission and the
	// in-flight mark must be atomic so only one of them wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := tm.Admit(prospectTurn("we need to talk about pricing"), true, func() {})
			if res.Admit {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly one concurrent final admitted, got %d", admitted)
	}
	if !tm.Generating() {
		t.Error("expected the winning admission to be in flight")
	}
}

func TestTurnManager_PendingNewestWins(t *testing.T) {
	tm := NewTurnManager()

	res := tm.Admit(prospectTurn("first"), true, nil)

	tm.Admit(prospectTurn("second"), true, nil)
	tm.Admit(prospectTurn("third"), true, nil)

	pending := tm.CompleteGeneration(res.Epoch)
	if pending == nil {
		t.Fatal("expected a pending turn")
	}
	if pending.Text != "third" {
		t.Errorf("expected newest pending turn, got %q", pending.Text)
	}
	if tm.Generating() {
		t.Error("expected Generating() false after completion")
	}

	// Pending slot is cleared by completion
	if p := tm.CompleteGeneration(res.Epoch); p != nil {
		t.Errorf("expected no pending turn on second completion, got %q", p.Text)
	}
}

func TestTurnManager_NoOverlappingGenerations(t *testing.T) {
	tm := NewTurnManager()

	for i := 0; i < 5; i++ {
		res := tm.Admit(prospectTurn("turn with enough text"), true, nil)
		if !res.Admit {
			t.Fatal("expected admission with no generation in flight")
		}
		if res := tm.Admit(prospectTurn("another turn"), true, nil); res.Admit {
			t.Fatal("admitted a turn while a generation was in flight")
		}
		tm.CompleteGeneration(res.Epoch)
	}
}

func TestTurnManager_ForceClear(t *testing.T) {
	tm := NewTurnManager()

	ctx, cancel := context.WithCancel(context.Background())
	tm.Admit(prospectTurn("wedged turn"), true, cancel)
	tm.Admit(prospectTurn("queued behind the wedge"), true, nil)

	pending, cleared := tm.ForceClear()
	if !cleared {
		t.Fatal("expected ForceClear to clear an in-flight generation")
	}
	if tm.Generating() {
		t.Error("expected Generating() false after ForceClear")
	}
	if ctx.Err() == nil {
		t.Error("expected in-flight context to be cancelled")
	}
	if pending == nil || pending.Text != "queued behind the wedge" {
		t.Errorf("expected ForceClear to hand back the queued turn, got %v", pending)
	}

	if _, cleared := tm.ForceClear(); cleared {
		t.Error("expected ForceClear to be a no-op when idle")
	}
}

func TestTurnManager_StaleCompletionIgnored(t *testing.T) {
	tm := NewTurnManager()

	// A generation that outlives its force-clear must not be able to clear
	// the successor generation admitted after it.
	wedged := tm.Admit(prospectTurn("wedged turn"), true, nil)
	if _, cleared := tm.ForceClear(); !cleared {
		t.Fatal("expected the wedged generation to be cleared")
	}

	successor := tm.Admit(prospectTurn("a fresh final turn"), true, nil)
	if !successor.Admit {
		t.Fatalf("expected admission after force-clear, got %q", successor.Reason)
	}

	if p := tm.CompleteGeneration(wedged.Epoch); p != nil {
		t.Errorf("expected stale completion to return nothing, got %q", p.Text)
	}
	if !tm.Generating() {
		t.Error("stale completion must not clear the successor generation")
	}

	tm.CompleteGeneration(successor.Epoch)
	if tm.Generating() {
		t.Error("expected the successor's own completion to clear the flag")
	}
}

func TestTurnManager_ResetThenAdmit(t *testing.T) {
	tm := NewTurnManager()

	tm.Admit(prospectTurn("a valid turn"), true, nil)
	tm.Admit(prospectTurn("queued"), true, nil)

	tm.Reset()

	if tm.Generating() {
		t.Error("expected idle after reset")
	}
	if tm.LastFinalText() != "" {
		t.Error("expected last final text cleared after reset")
	}

	res := tm.Admit(prospectTurn("fresh turn after reset"), true, nil)
	if !res.Admit {
		t.Errorf("expected admission immediately after reset, got %q", res.Reason)
	}
}
