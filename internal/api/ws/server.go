// Package ws is the websocket ingress for capture clients and the coaching
// overlay. A client opens one socket per speaker channel, streams raw
// float32 PCM as binary messages, and receives transcripts, coaching,
// health and the final summary as JSON messages on the same socket.
package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/models"
	"ai-sales-coach-service/internal/observability/metrics"
	"ai-sales-coach-service/internal/orchestrator"
)

// heartbeatInterval keeps idle overlay sockets alive through proxies.
const heartbeatInterval = 10 * time.Second

// bytesLogInterval is how much received audio triggers one volume log line.
const bytesLogInterval = 1 << 20

// defaultSampleRate assumed when the client does not announce one.
const defaultSampleRate = 48000

// Server upgrades and serves coaching streams.
type Server struct {
	orc     *orchestrator.Orchestrator
	log     zerolog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	calls map[string]*binding
}

// binding tracks one active call and its attached sockets.
type binding struct {
	call    *orchestrator.Call
	sink    *multiSink
	clients int
}

// NewServer creates the ingress server.
func NewServer(orc *orchestrator.Orchestrator, logger zerolog.Logger) *Server {
	return &Server{
		orc:     orc,
		log:     logger.With().Str("component", "ws").Logger(),
		metrics: metrics.DefaultMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Overlay clients come from the desktop app, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		calls: make(map[string]*binding),
	}
}

// Routes returns the chi router for the ingress endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/stream", s.handleStream)
	return r
}

// outbound is the JSON envelope for server-to-client messages.
type outbound struct {
	Type       string                  `json:"type"`
	CallID     string                  `json:"callId,omitempty"`
	Speaker    models.Speaker          `json:"speaker,omitempty"`
	Transcript *models.TranscriptEvent `json:"transcript,omitempty"`
	Coaching   *models.CoachingEvent   `json:"coaching,omitempty"`
	Health     *models.HealthStatus    `json:"health,omitempty"`
	Level      int                     `json:"level,omitempty"`
	Summary    *models.CallSummary     `json:"summary,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// inbound is the JSON envelope for client control messages.
type inbound struct {
	Type string `json:"type"` // "end", "ping"
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callID := q.Get("call")
	speaker := models.Speaker(q.Get("speaker"))
	diarize := q.Get("diarize") == "true"

	rate := defaultSampleRate
	if v := q.Get("rate"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid sample rate", http.StatusBadRequest)
			return
		}
		rate = parsed
	}
	if !diarize && !speaker.Valid() {
		http.Error(w, "speaker must be salesperson or prospect", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn)
	go client.writeLoop()

	call, err := s.attach(r, callID, diarize, client)
	if err != nil {
		s.log.Error().Err(err).Str("callId", callID).Msg("failed to attach stream")
		client.send(outbound{Type: "error", Error: err.Error()})
		client.close()
		return
	}

	client.send(outbound{Type: "connected", CallID: call.ID, Speaker: speaker})
	s.log.Info().
		Str("callId", call.ID).
		Str("speaker", string(speaker)).
		Int("rate", rate).
		Bool("diarize", diarize).
		Msg("stream attached")

	s.readLoop(call, speaker, rate, client)
	s.detach(call, client)
}

// attach joins an existing call or starts a new one for the first socket.
func (s *Server) attach(r *http.Request, callID string, diarize bool, client *client) (*orchestrator.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if callID != "" {
		if b, ok := s.calls[callID]; ok {
			b.sink.add(client)
			b.clients++
			return b.call, nil
		}
	}

	sink := newMultiSink()
	call, err := s.orc.StartCall(r.Context(), orchestrator.CallOptions{
		CallID:  callID,
		Diarize: diarize,
		Sink:    sink,
	})
	if err != nil {
		return nil, err
	}
	sink.add(client)
	s.calls[call.ID] = &binding{call: call, sink: sink, clients: 1}
	return call, nil
}

// detach removes a socket; the last one out ends the call and delivers the
// summary before closing.
func (s *Server) detach(call *orchestrator.Call, client *client) {
	s.mu.Lock()
	b, ok := s.calls[call.ID]
	last := false
	if ok {
		b.sink.remove(client)
		b.clients--
		if b.clients <= 0 {
			delete(s.calls, call.ID)
			last = true
		}
	}
	s.mu.Unlock()

	if last {
		// The summary reaches remaining sinks through the orchestrator;
		// this client is the only one left, so re-add it for delivery.
		b.sink.add(client)
		if _, err := s.orc.EndCall(context.Background(), call.ID); err != nil {
			s.log.Warn().Err(err).Str("callId", call.ID).Msg("error ending call")
		}
		b.sink.remove(client)
	}
	client.close()
}

// readLoop consumes audio and control messages until the socket closes.
func (s *Server) readLoop(call *orchestrator.Call, speaker models.Speaker, rate int, client *client) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-heartbeat.C:
				client.send(outbound{Type: "heartbeat"})
			}
		}
	}()

	var bytesIn, bytesLogged int64
	for {
		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("callId", call.ID).Msg("stream read ended")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			bytesIn += int64(len(data))
			s.metrics.AudioBytesReceived.Add(float64(len(data)))
			if bytesIn-bytesLogged >= bytesLogInterval {
				bytesLogged = bytesIn
				s.log.Debug().
					Str("callId", call.ID).
					Str("speaker", string(speaker)).
					Int64("bytesReceived", bytesIn).
					Msg("audio volume")
			}
			call.PushAudio(speaker, decodeSamples(data), rate)

		case websocket.TextMessage:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "end":
				return
			case "ping":
				client.send(outbound{Type: "heartbeat"})
			}
		}
	}
}

// decodeSamples interprets a binary payload as little-endian float32 PCM.
func decodeSamples(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
