package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/kartlab/escd/pkg/streaming"
)

const (
	sendChSize     = 256
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// client is one WebSocket subscriber with a single write goroutine.
type client struct {
	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan []byte
	done   chan struct{}
	closed bool

	hub    *Hub
	logger *slog.Logger
}

func newClient(conn *ws.Conn, hub *Hub, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		sendCh: make(chan []byte, sendChSize),
		done:   make(chan struct{}),
		hub:    hub,
		logger: logger,
	}
}

// writeLoop drains sendCh and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop handles inbound command envelopes until the peer goes away.
func (c *client) readLoop(dispatch func(streaming.CommandMessage) streaming.AckMessage) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type != streaming.TypeCommand {
			c.logger.Debug("Ignoring client message", "raw", string(message))
			continue
		}
		var cmd streaming.CommandMessage
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			c.logger.Debug("Malformed command", "error", err)
			continue
		}

		data, err := json.Marshal(dispatch(cmd))
		if err != nil {
			continue
		}
		c.send(data)
	}
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *client) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// close unregisters the client and shuts the connection. Idempotent.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.hub.remove(c)
	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	_ = c.conn.Close()
}
