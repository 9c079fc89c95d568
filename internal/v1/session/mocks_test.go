package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blitzlink/backend/internal/v1/auth"
)

// mockConn is a wsConnection that records writes and serves reads from a
// channel. Close unblocks any pending read.
type mockConn struct {
	mu     sync.Mutex
	writes [][]byte
	reads  chan []byte
	done   chan struct{}
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{
		reads: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.reads:
		if !ok {
			return 0, nil, errors.New("connection closed")
		}
		return 1, data, nil // 1 == websocket.TextMessage
	case <-m.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, cp)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

// mockValidator accepts any token of the form "token-<userId>" and returns
// matching claims.
type mockValidator struct{}

func (mockValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if len(tokenString) < 7 || tokenString[:6] != "token-" {
		return nil, errors.New("invalid token")
	}
	id := tokenString[6:]
	return &auth.CustomClaims{UserID: id, Username: "name-" + id, Email: id + "@example.com"}, nil
}

// mockFriends is a FriendChecker over a fixed pair set.
type mockFriends struct {
	mu      sync.Mutex
	pairs   map[[2]string]bool
	failing bool
}

func newMockFriends() *mockFriends {
	return &mockFriends{pairs: make(map[[2]string]bool)}
}

func (m *mockFriends) accept(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[[2]string{a, b}] = true
	m.pairs[[2]string{b, a}] = true
}

func (m *mockFriends) AreFriends(_ context.Context, userID, friendID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return false, errors.New("social graph unavailable")
	}
	return m.pairs[[2]string{userID, friendID}], nil
}

// newTestHub builds a hub with mocks and no Redis.
func newTestHub(friends *mockFriends) *Hub {
	if friends == nil {
		friends = newMockFriends()
	}
	return NewHub(mockValidator{}, friends, nil, Options{
		ClientOrigin:   "http://localhost:3000",
		InitialClockMs: 180_000,
	})
}

// newClient builds an unregistered client backed by a mock connection.
func newClient(h *Hub, userID string) *Client {
	return &Client{
		conn:     newMockConn(),
		send:     make(chan []byte, 256),
		hub:      h,
		connID:   "conn-" + userID,
		userID:   userID,
		username: "name-" + userID,
		email:    userID + "@example.com",
	}
}

// connect registers a fresh client for the user, as if ServeWs had accepted
// a socket, and drains the connect-time traffic so tests start clean.
func connect(h *Hub, userID string) *Client {
	c := newClient(h, userID)
	h.register(c)
	drain(c)
	return c
}

// disconnect simulates the read pump exiting.
func disconnect(h *Hub, c *Client) {
	h.handleDisconnect(c)
}

type sentFrame struct {
	ID    *uint64
	Event string
	Data  json.RawMessage
}

// drain empties the client's send buffer into decoded frames.
func drain(c *Client) []sentFrame {
	var frames []sentFrame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return frames
			}
			var f sentFrame
			if err := json.Unmarshal(data, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

// emit dispatches one event with an ack ID and returns the ack alongside all
// other frames the caller received during the call.
func emit(t *testing.T, h *Hub, c *Client, event string, payload any) (ackBodyDecoded, []sentFrame) {
	t.Helper()

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}

	id := uint64(1)
	h.dispatch(context.Background(), c, &clientFrame{ID: &id, Event: event, Data: data})

	frames := drain(c)
	for i, f := range frames {
		if f.ID != nil && *f.ID == id && f.Event == eventAck {
			var body ackBodyDecoded
			require.NoError(t, json.Unmarshal(f.Data, &body))
			return body, append(frames[:i:i], frames[i+1:]...)
		}
	}
	t.Fatalf("no ack received for %s", event)
	return ackBodyDecoded{}, nil
}

type ackBodyDecoded struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// findEvent returns the first frame with the given event name, or nil.
func findEvent(frames []sentFrame, event string) *sentFrame {
	for i := range frames {
		if frames[i].Event == event {
			return &frames[i]
		}
	}
	return nil
}

// decodeAck unmarshals an ack's data into out and asserts success.
func decodeAck(t *testing.T, body ackBodyDecoded, out any) {
	t.Helper()
	require.True(t, body.OK, "ack reported error: %s", body.Error)
	require.NoError(t, json.Unmarshal(body.Data, out))
}
