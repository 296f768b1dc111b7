// Package mock provides an in-memory recognition backend for tests and
// local development without a real speech service.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/recognizer"
)

// Backend hands out scripted in-memory connections.
type Backend struct {
	mu sync.Mutex

	// FailConnects makes the next N Connect calls fail, for exercising
	// retry and reconnect paths.
	FailConnects int

	// Script, when non-empty, is replayed on each new connection after the
	// first audio frame arrives: progressive partials followed by a final.
	Script []models.TranscriptEvent

	conns []*Conn
}

// New creates an empty mock backend.
func New() *Backend {
	return &Backend{}
}

// Name identifies the backend in logs.
func (b *Backend) Name() string { return "mock" }

// SetFailConnects changes FailConnects while connections may be in flight.
func (b *Backend) SetFailConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailConnects = n
}

// Connect returns a new in-memory connection, or a synthetic error while
// FailConnects is positive.
func (b *Backend) Connect(ctx context.Context, params recognizer.ConnectParams) (recognizer.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailConnects > 0 {
		b.FailConnects--
		return nil, errors.New("mock: connection refused")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Conn{
		params: params,
		events: make(chan models.TranscriptEvent, 16),
		script: append([]models.TranscriptEvent(nil), b.Script...),
	}
	b.conns = append(b.conns, c)
	return c, nil
}

// Conns returns every connection handed out so far, oldest first.
func (b *Backend) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// LastConn returns the most recent connection, or nil.
func (b *Backend) LastConn() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Conn is one scripted in-memory channel.
type Conn struct {
	params recognizer.ConnectParams

	mu       sync.Mutex
	events   chan models.TranscriptEvent
	script   []models.TranscriptEvent
	played   bool
	frames   int
	closed   bool
}

// Params returns the connect parameters this channel was opened with.
func (c *Conn) Params() recognizer.ConnectParams { return c.params }

// SendAudio counts the frame and, on the first frame, replays the script.
func (c *Conn) SendAudio(frame audio.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mock: connection closed")
	}
	c.frames++
	replay := !c.played && len(c.script) > 0
	c.played = true
	script := c.script
	c.mu.Unlock()

	if replay {
		go func() {
			for _, ev := range script {
				time.Sleep(time.Millisecond)
				c.Emit(ev)
			}
		}()
	}
	return nil
}

// Events returns the transcript event stream.
func (c *Conn) Events() <-chan models.TranscriptEvent { return c.events }

// Close terminates the channel. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Emit pushes one transcript event to the consumer. No-op after Close.
func (c *Conn) Emit(ev models.TranscriptEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// EmitPartial pushes an interim hypothesis.
func (c *Conn) EmitPartial(text string) {
	c.Emit(models.TranscriptEvent{Text: text, IsFinal: false})
}

// EmitFinal pushes a confirmed transcription.
func (c *Conn) EmitFinal(text string, confidence float64) {
	c.Emit(models.TranscriptEvent{Text: text, IsFinal: true, Confidence: confidence})
}

// Drop simulates an unexpected disconnect.
func (c *Conn) Drop() {
	c.Close()
}

// Frames returns how many audio frames were sent on this channel.
func (c *Conn) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Closed reports whether the channel has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
