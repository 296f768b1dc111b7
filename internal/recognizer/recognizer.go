// Package recognizer manages streaming transcription sessions against a
// speech-recognition backend: connect/reconnect, liveness, rollover and
// partial/final event routing.
package recognizer

import (
	"context"
	"errors"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/models"
)

// Errors surfaced by sessions.
var (
	// ErrConnection - no backend endpoint responded within the attempt budget.
	ErrConnection = errors.New("no recognition backend reachable")
	// ErrSourceDead - the bound audio source no longer reports itself live;
	// the caller must reacquire it before starting.
	ErrSourceDead = errors.New("audio source is not live")
	// ErrNotOpen - the session is not in a state that accepts audio.
	ErrNotOpen = errors.New("session not open")
)

// Source is the opaque live audio handle bound to a session. The capture
// side is out of scope; the session only needs to know whether the handle
// still reports itself live.
type Source interface {
	Live() bool
}

// ConnectParams parameterize one channel to the recognition backend.
type ConnectParams struct {
	SessionID string
	Speaker   models.Speaker
	Diarize   bool
}

// Conn is one open bidirectional channel: audio frames out, transcript
// events in. The events channel closes when the channel dies, whatever the
// cause; the session decides whether to reconnect.
type Conn interface {
	SendAudio(frame audio.Frame) error
	Events() <-chan models.TranscriptEvent
	Close() error
}

// Backend dials channels to a streaming speech-recognition service.
type Backend interface {
	Name() string
	Connect(ctx context.Context, params ConnectParams) (Conn, error)
}

// Callback receives transcript events from a session.
type Callback interface {
	// OnPartial is called for an interim hypothesis; it replaces any
	// previous partial for the same speaker channel.
	OnPartial(ev models.TranscriptEvent)

	// OnFinal is called for a confirmed transcription. Finals are
	// append-only.
	OnFinal(ev models.TranscriptEvent)

	// OnDisconnect is called when the channel drops unexpectedly, before
	// the session begins reconnecting.
	OnDisconnect(err error)
}
