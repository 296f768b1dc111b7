package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"ai-sales-coach-service/internal/models"
)

// client wraps one websocket with a buffered outbound queue so slow readers
// never stall the pipeline. Messages are dropped when the queue is full.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  chan outbound
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:  conn,
		queue: make(chan outbound, 256),
	}
}

// send enqueues one message, dropping it if the client is backed up.
func (c *client) send(msg outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- msg:
	default:
	}
}

// writeLoop drains the queue onto the socket.
func (c *client) writeLoop() {
	for msg := range c.queue {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// close flushes and tears the socket down. Idempotent.
func (c *client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// multiSink fans pipeline output out to every socket attached to a call.
type multiSink struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newMultiSink() *multiSink {
	return &multiSink{clients: make(map[*client]struct{})}
}

func (m *multiSink) add(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = struct{}{}
}

func (m *multiSink) remove(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, c)
}

func (m *multiSink) broadcast(msg outbound) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.send(msg)
	}
}

func (m *multiSink) OnTranscript(ev models.TranscriptEvent) {
	m.broadcast(outbound{Type: "transcript", Speaker: ev.Speaker, Transcript: &ev})
}

func (m *multiSink) OnCoaching(ev models.CoachingEvent) {
	m.broadcast(outbound{Type: "coaching", CallID: ev.CallID, Coaching: &ev})
}

func (m *multiSink) OnHealth(speaker models.Speaker, health models.HealthStatus) {
	m.broadcast(outbound{Type: "health", Speaker: speaker, Health: &health})
}

func (m *multiSink) OnLevel(speaker models.Speaker, level int) {
	m.broadcast(outbound{Type: "level", Speaker: speaker, Level: level})
}

func (m *multiSink) OnSummary(summary models.CallSummary) {
	m.broadcast(outbound{Type: "summary", Summary: &summary})
}
