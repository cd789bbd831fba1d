package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Conn is one client socket. It carries at most one identity for its whole life.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	// guarded by hub.mu
	identity models.Identity
	verified bool
	rooms    map[string]struct{}
	closed   bool

	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// Identity returns the bound identity, if any.
func (c *Conn) Identity() (models.Identity, bool) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.identity, !c.identity.ID.IsZero()
}

// Verified reports whether the identity came from a verified token rather than a client claim.
func (c *Conn) Verified() bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.verified
}

// Send queues an event for this connection only.
func (c *Conn) Send(event string, payload any) bool {
	b, err := encodeFrame(event, payload)
	if err != nil {
		c.hub.logger.Error("encode frame failed", "event", event, "error", err)
		return false
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.hub.enqueue(c, b)
}

// SendError reports a rejected intent back to the connection that sent it.
func (c *Conn) SendError(intent string, err error) {
	c.Send(EventError, ErrorPayload{Intent: intent, Message: err.Error()})
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			c.Send(EventError, ErrorPayload{Message: "malformed frame"})
			continue
		}
		c.hub.dispatch(ctx, c, f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}
