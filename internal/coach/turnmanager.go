// Package coach decides when a coaching suggestion may be generated and
// produces fast-path suggestions from finalized transcript turns.
package coach

import (
	"context"
	"strings"
	"sync"
	"time"

	"ai-sales-coach-service/internal/models"
)

// Admission reasons returned by Admit.
const (
	ReasonAdmitted = "ready"
	ReasonNotFinal = "not a final transcript"
	ReasonTooShort = "transcript too short"
	ReasonInFlight = "generation in progress (queued for next)"
)

// minTurnLength is the minimum trimmed text length considered coachable.
const minTurnLength = 2

// AdmissionResult is the outcome of a turn admission check.
type AdmissionResult struct {
	Admit  bool
	Reason string
	// Epoch identifies the admitted generation. Completion must present it
	// back; a stale epoch (the generation was force-cleared and a successor
	// admitted) completes as a no-op.
	Epoch uint64
}

// TurnManager is the single-flight admission controller. At most one
// generation is in flight; a newer admissible turn arriving mid-flight is
// stored as the single pending turn (newest wins) and the in-flight call is
// cancelled cooperatively.
type TurnManager struct {
	mu sync.Mutex

	lastFinalText  string
	lastFinalAt    time.Time
	generating     bool
	epoch          uint64
	pending        *models.Turn
	cancelInFlight context.CancelFunc
}

// NewTurnManager creates a turn manager in its initial state.
func NewTurnManager() *TurnManager {
	return &TurnManager{}
}

// Admit checks whether a new coaching generation may start for this turn
// and, when it may, marks the generation in flight with the given cancel
// function. Rules are evaluated in order: finality, minimum length,
// single-flight. The check and the in-flight mark share one critical
// section; finals arriving concurrently from both speaker channels can
// never start overlapping generations.
func (tm *TurnManager) Admit(turn models.Turn, isFinal bool, cancel context.CancelFunc) AdmissionResult {
	if !isFinal {
		return AdmissionResult{Admit: false, Reason: ReasonNotFinal}
	}
	if len(strings.TrimSpace(turn.Text)) < minTurnLength {
		return AdmissionResult{Admit: false, Reason: ReasonTooShort}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.generating {
		// Newest wins: overwrite any previously queued turn and abort the
		// in-flight call so its late result gets discarded.
		t := turn
		tm.pending = &t
		if tm.cancelInFlight != nil {
			tm.cancelInFlight()
		}
		return AdmissionResult{Admit: false, Reason: ReasonInFlight}
	}

	tm.lastFinalText = turn.Text
	tm.lastFinalAt = time.Now()
	tm.pending = nil
	tm.generating = true
	tm.epoch++
	tm.cancelInFlight = cancel
	return AdmissionResult{Admit: true, Reason: ReasonAdmitted, Epoch: tm.epoch}
}

// CompleteGeneration marks the generation identified by epoch as done and
// returns the pending turn, if any, for the caller to re-trigger. The turn
// manager never re-invokes generation itself. A completion arriving after
// its generation was force-cleared, or after a successor was admitted, is a
// no-op: only the current generation may clear the in-flight flag.
func (tm *TurnManager) CompleteGeneration(epoch uint64) *models.Turn {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.generating || epoch != tm.epoch {
		return nil
	}

	tm.generating = false
	tm.cancelInFlight = nil

	pending := tm.pending
	tm.pending = nil
	return pending
}

// Generating reports whether a generation is currently in flight.
func (tm *TurnManager) Generating() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.generating
}

// LastFinalText returns the text of the last admitted turn.
func (tm *TurnManager) LastFinalText() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.lastFinalText
}

// ForceClear unconditionally clears the in-flight flag and hands back any
// queued pending turn, since the cleared generation's own completion is now
// a no-op and would otherwise strand it. Owned by the orchestrator's safety
// ceiling so a generation that never resolves cannot wedge the pipeline
// permanently. The second return is true if a generation was cleared.
func (tm *TurnManager) ForceClear() (*models.Turn, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.generating {
		return nil, false
	}
	if tm.cancelInFlight != nil {
		tm.cancelInFlight()
		tm.cancelInFlight = nil
	}
	tm.generating = false
	pending := tm.pending
	tm.pending = nil
	return pending, true
}

// Reset clears all state, used at call start and end.
func (tm *TurnManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.cancelInFlight != nil {
		tm.cancelInFlight()
	}
	tm.lastFinalText = ""
	tm.lastFinalAt = time.Time{}
	tm.generating = false
	tm.pending = nil
	tm.cancelInFlight = nil
}
