package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/logging"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
)

const (
	writeWait      = 10 * time.Second
	resendInterval = 5 * time.Second
	sendBuffer     = 64
	maxFrameBytes  = 64 * 1024

	// forceLogoutCloseDelay leaves the reliable payload a moment to flush
	// before the socket is torn down.
	forceLogoutCloseDelay = 200 * time.Millisecond
)

// wsConnection is the subset of *websocket.Conn the client uses; tests
// substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one socket bound to a (user, session) pair.
type Client struct {
	hub       *Hub
	conn      wsConnection
	userID    uuid.UUID
	sessionID string

	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// pending holds reliable payloads awaiting an ack, keyed by msgId. The
	// resend goroutine runs only while the map is non-empty.
	pending   map[string][]byte
	resending bool
}

func newClient(hub *Hub, conn wsConnection, userID uuid.UUID, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string][]byte),
	}
}

// enqueue hands serialized bytes to the write pump, dropping on backpressure.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send to closing socket", zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "socket send buffer full, dropping frame")
	}
}

// queueReliable registers a payload for resend-until-ack and sends the
// first copy immediately.
func (c *Client) queueReliable(msgID string, data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending[msgID] = data
	start := !c.resending
	c.resending = true
	c.mu.Unlock()

	c.enqueue(data)
	if start {
		go c.resendLoop()
	}
}

// ack drops a pending reliable payload.
func (c *Client) ack(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// resendLoop retransmits pending payloads every resend interval and exits
// once the map drains or the socket closes.
func (c *Client) resendLoop() {
	ticker := time.NewTicker(c.hub.resend)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.mu.Lock()
			c.resending = false
			c.mu.Unlock()
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.closed || len(c.pending) == 0 {
			c.resending = false
			c.mu.Unlock()
			return
		}
		batch := make([][]byte, 0, len(c.pending))
		for _, data := range c.pending {
			batch = append(batch, data)
		}
		c.mu.Unlock()

		for _, data := range batch {
			metrics.ReliableResends.Inc()
			c.enqueue(data)
		}
	}
}

// disconnect closes the send channel exactly once; the write pump then
// flushes, sends a close frame, and closes the connection.
func (c *Client) disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = map[string][]byte{}
		c.mu.Unlock()
		close(c.done)
		close(c.send)
	})
}

// readPump consumes inbound frames until the socket dies. The pong handler
// extends the read deadline; a silent client times out after two missed
// heartbeats.
func (c *Client) readPump() {
	defer func() {
		c.hub.unbind(c)
		c.disconnect()
		_ = c.conn.Close()
		metrics.DecSocket()
	}()

	pongWait := c.hub.stale
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.route(context.Background(), c, data)
	}
}

// writePump owns all writes to the connection, heartbeat pings included.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
