package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(strings.TrimPrefix(server.URL, "http://"))
	return c
}

func TestAreFriends_Accepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/friendships/status", r.URL.Path)
		assert.Equal(t, "u1", r.URL.Query().Get("user"))
		assert.Equal(t, "u3", r.URL.Query().Get("friend"))
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})

	ok, err := c.AreFriends(context.Background(), "u1", "u3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAreFriends_Pending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	})

	ok, err := c.AreFriends(context.Background(), "u1", "u3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAreFriends_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := c.AreFriends(context.Background(), "u1", "u3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAreFriends_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.AreFriends(context.Background(), "u1", "u3")
	assert.Error(t, err)
}

func TestAreFriends_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = c.AreFriends(ctx, "u1", "u3")
	}

	// Once the breaker trips, calls fail fast without hitting the server.
	_, err := c.AreFriends(ctx, "u1", "u3")
	assert.Error(t, err)
}
