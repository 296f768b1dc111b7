// Package wsbridge connects to a local or hosted websocket transcription
// bridge. The bridge accepts a JSON start message followed by binary PCM16
// frames, and streams back JSON partial/final hypotheses.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/audio"
	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/recognizer"
)

// Backend dials a transcription bridge. When CloudURL is set it is the only
// candidate; otherwise Endpoints are tried in order, which matches the local
// bridge scanning a small port range for a free listener.
type Backend struct {
	Endpoints []string
	CloudURL  string
	Logger    zerolog.Logger

	dialer *websocket.Dialer
}

// New creates a backend over the given candidate endpoints.
func New(endpoints []string, cloudURL string, logger zerolog.Logger) *Backend {
	return &Backend{
		Endpoints: endpoints,
		CloudURL:  cloudURL,
		Logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 2 * time.Second},
	}
}

// Name identifies the backend in logs.
func (b *Backend) Name() string { return "wsbridge" }

// startMessage opens a streaming session on the bridge.
type startMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Speaker    string `json:"speaker"`
	SampleRate int    `json:"sampleRate"`
	Diarize    bool   `json:"diarize,omitempty"`
}

// bridgeMessage is the bridge-to-client event envelope.
type bridgeMessage struct {
	Type       string  `json:"type"` // connected, partial, final, error, heartbeat
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	SpeakerTag int     `json:"speakerTag,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Connect tries each candidate endpoint until one accepts, then opens a
// streaming session on it. The context bounds the whole attempt budget.
func (b *Backend) Connect(ctx context.Context, params recognizer.ConnectParams) (recognizer.Conn, error) {
	candidates := b.Endpoints
	if b.CloudURL != "" {
		candidates = []string{b.CloudURL}
	}
	if len(candidates) == 0 {
		return nil, errors.New("wsbridge: no endpoints configured")
	}

	var lastErr error
	for _, endpoint := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		ws, _, err := b.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			lastErr = err
			b.Logger.Debug().Str("endpoint", endpoint).Err(err).Msg("bridge endpoint unavailable")
			continue
		}

		start := startMessage{
			Type:       "start",
			SessionID:  params.SessionID,
			Speaker:    string(params.Speaker),
			SampleRate: audio.TargetSampleRate,
			Diarize:    params.Diarize,
		}
		if err := ws.WriteJSON(start); err != nil {
			ws.Close()
			lastErr = err
			continue
		}

		c := &conn{
			ws:     ws,
			events: make(chan models.TranscriptEvent, 32),
			log:    b.Logger.With().Str("endpoint", endpoint).Str("sessionId", params.SessionID).Logger(),
		}
		go c.readLoop()
		b.Logger.Info().Str("endpoint", endpoint).Msg("connected to transcription bridge")
		return c, nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fmt.Errorf("wsbridge: all endpoints failed: %w", lastErr)
}

type conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex
	events  chan models.TranscriptEvent

	closeOnce sync.Once
}

// SendAudio writes one PCM16 frame as a binary message.
func (c *conn) SendAudio(frame audio.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame.Bytes())
}

func (c *conn) Events() <-chan models.TranscriptEvent { return c.events }

// Close sends a stop message, then tears the socket down.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteJSON(map[string]string{"type": "stop"})
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	})
	return nil
}

// readLoop decodes bridge messages until the socket dies, then closes the
// events channel to signal disconnection.
func (c *conn) readLoop() {
	defer close(c.events)
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("bridge read failed")
			}
			return
		}

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed bridge message")
			continue
		}

		switch msg.Type {
		case "partial", "final":
			c.events <- models.TranscriptEvent{
				Text:        msg.Text,
				IsFinal:     msg.Type == "final",
				Confidence:  msg.Confidence,
				TimestampMs: msg.Timestamp,
				SpeakerTag:  msg.SpeakerTag,
			}
		case "error":
			// Bridge-side stream errors are terminal for this channel.
			c.log.Error().Str("message", msg.Message).Msg("bridge reported stream error")
			return
		case "connected", "heartbeat":
			// Liveness only.
		default:
			c.log.Debug().Str("type", msg.Type).Msg("unknown bridge message type")
		}
	}
}
