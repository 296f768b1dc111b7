// Package store defines the persistence boundary for calls, transcripts and
// summaries. Writes are best effort: the live pipeline never blocks on or
// fails because of storage.
package store

import (
	"context"

	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/models"
)

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// CreateCall registers a new call at start.
	CreateCall(ctx context.Context, callID string) error

	// AddTranscript appends one finalized turn with its position in the
	// call.
	AddTranscript(ctx context.Context, callID string, seq int, turn models.Turn) error

	// AddCoachingEvent records a suggestion shown to the salesperson.
	AddCoachingEvent(ctx context.Context, callID string, ev models.CoachingEvent) error

	// UpdateCallStatus moves the call between active/completed/failed.
	UpdateCallStatus(ctx context.Context, callID, status string) error

	// CreateSummary stores the post-call summary.
	CreateSummary(ctx context.Context, callID string, summary models.CallSummary) error
}

// LogStore is the default implementation: every write is a structured log
// line. It stands in until a database-backed store is wired up.
type LogStore struct {
	log zerolog.Logger
}

// NewLogStore creates a log-only store.
func NewLogStore(logger zerolog.Logger) *LogStore {
	return &LogStore{log: logger.With().Str("component", "store").Logger()}
}

func (s *LogStore) CreateCall(ctx context.Context, callID string) error {
	s.log.Info().Str("callId", callID).Msg("call created")
	return nil
}

func (s *LogStore) AddTranscript(ctx context.Context, callID string, seq int, turn models.Turn) error {
	s.log.Debug().
		Str("callId", callID).
		Int("seq", seq).
		Str("speaker", string(turn.Speaker)).
		Str("text", turn.Text).
		Msg("transcript stored")
	return nil
}

func (s *LogStore) AddCoachingEvent(ctx context.Context, callID string, ev models.CoachingEvent) error {
	s.log.Debug().
		Str("callId", callID).
		Str("stage", string(ev.Suggestion.Stage)).
		Int("confidence", ev.Suggestion.Confidence).
		Msg("coaching event stored")
	return nil
}

func (s *LogStore) UpdateCallStatus(ctx context.Context, callID, status string) error {
	s.log.Info().Str("callId", callID).Str("status", status).Msg("call status updated")
	return nil
}

func (s *LogStore) CreateSummary(ctx context.Context, callID string, summary models.CallSummary) error {
	s.log.Info().
		Str("callId", callID).
		Str("outcome", summary.Outcome).
		Float64("outcomeConfidence", summary.OutcomeConfidence).
		Int("objections", len(summary.Objections)).
		Msg("summary stored")
	return nil
}
