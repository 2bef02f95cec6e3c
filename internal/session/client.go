package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBuffer = 256
)

// Handler processes inbound frames for an authenticated session. The returned event,
// if any, is delivered to the calling connection only.
type Handler interface {
	HandleMessage(ctx context.Context, id Identity, raw []byte) models.Event
	// Disconnected runs after the session left every group. last reports whether it
	// was the identity's final session on this instance.
	Disconnected(ctx context.Context, id Identity, last bool)
}

// Client is one websocket session.
type Client struct {
	conn     *websocket.Conn
	identity Identity
	hub      *Hub
	handler  Handler
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(conn *websocket.Conn, id Identity, hub *Hub, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:     conn,
		identity: id,
		hub:      hub,
		handler:  handler,
		logger:   logger.With("identity", id.ID, "role", id.Role),
		send:     make(chan []byte, sendBuffer),
	}
}

// Deliver queues payload without blocking; a full or closed session drops it.
func (c *Client) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Serve registers the session and pumps frames until the peer goes away.
func (c *Client) Serve(ctx context.Context) {
	c.hub.Register(c, c.identity)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump(ctx)

	last := c.hub.Unregister(c)
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	<-done
	c.handler.Disconnected(context.WithoutCancel(ctx), c.identity, last)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		reply := c.handler.HandleMessage(ctx, c.identity, message)
		if reply == nil {
			continue
		}
		payload, err := models.Encode(reply, time.Now())
		if err != nil {
			c.logger.Error("encode reply", "error", err)
			continue
		}
		c.Deliver(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				// unblock the reader so Serve can tear the session down
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
