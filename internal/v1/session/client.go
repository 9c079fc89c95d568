package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/metrics"
)

// wsConnection abstracts the WebSocket connection so tests can drive a
// client with a mock instead of a live socket. In production it is satisfied
// by *websocket.Conn.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one user's connection. A user may hold several clients at once
// (multi-tab); the hub tracks the full set per user. Each client runs two
// goroutines, readPump and writePump, and all outbound traffic goes through
// the buffered send channel so slow consumers never block a room.
type Client struct {
	conn   wsConnection
	send   chan []byte
	hub    *Hub
	connID string

	// Identity from the validated token, immutable for the connection.
	userID   string
	username string
	email    string

	mu     sync.Mutex // guards closed and the close of send
	closed bool
}

func (c *Client) ctx() context.Context {
	ctx := context.WithValue(context.Background(), logging.UserIDKey, c.userID)
	return context.WithValue(ctx, logging.ConnIDKey, c.connID)
}

// readPump reads frames off the socket and feeds the dispatcher until the
// connection drops. Runs in its own goroutine; exactly one per client.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(c.ctx(), "Dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Event == "" {
			continue
		}

		c.hub.dispatch(c.ctx(), c, &frame)
	}
}

// writePump drains the send channel onto the socket. Closing the send
// channel is the signal to write a close frame and stop.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(c.ctx(), "Error writing frame", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// enqueue hands a marshaled frame to the write pump without blocking. If the
// buffer is full the frame is dropped; the client resyncs via room:state.
// Frames enqueued after disconnect are dropped silently.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(c.ctx(), "Client send buffer full, dropping frame")
	}
}

// closeSend stops the write pump. Idempotent.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendEvent pushes a server event to this connection.
func (c *Client) sendEvent(event string, payload any) {
	data, err := json.Marshal(serverFrame{Event: event, Data: payload})
	if err != nil {
		logging.Error(c.ctx(), "Failed to marshal frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendAck answers an acknowledged request exactly once.
func (c *Client) sendAck(id uint64, body ackBody) {
	data, err := json.Marshal(serverFrame{ID: &id, Event: eventAck, Data: body})
	if err != nil {
		logging.Error(c.ctx(), "Failed to marshal ack", zap.Error(err))
		return
	}
	c.enqueue(data)
}
