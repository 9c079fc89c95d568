// Package social is the client for the social graph service, the external
// collaborator that owns friendships. The session core only ever asks one
// question: do these two users have an accepted friendship?
package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/metrics"
)

// FriendChecker is the interface the invite handler consumes. Implemented by
// Client in production and by stubs in tests.
type FriendChecker interface {
	AreFriends(ctx context.Context, userID, friendID string) (bool, error)
}

// Client talks to the social graph service over its REST surface, guarded by
// a circuit breaker so a dead friend service degrades invites instead of
// piling up blocked handlers.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewClient creates a client for the social graph service at host:port.
func NewClient(addr string) *Client {
	st := gobreaker.Settings{
		Name:        "social-graph",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("social_graph").Set(stateVal)
		},
	}

	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 5 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// AreFriends reports whether the friendship between the two users is in the
// accepted state. Transport errors and open-breaker rejections return an
// error; the caller decides how that surfaces to the client.
func (c *Client) AreFriends(ctx context.Context, userID, friendID string) (bool, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		q := url.Values{}
		q.Set("user", userID)
		q.Set("friend", friendID)

		reqURL := c.baseURL + "/api/v1/friendships/status?" + q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return false, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return false, err
		}
		defer func() { _ = resp.Body.Close() }()

		// No friendship row at all.
		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("social graph returned status %d", resp.StatusCode)
		}

		var body statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("failed to decode social graph response: %w", err)
		}

		return body.Status == "accepted", nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("social_graph").Inc()
		}
		logging.Warn(ctx, "Friendship lookup failed",
			zap.String("user_id", userID),
			zap.String("friend_id", friendID),
			zap.Error(err))
		return false, err
	}

	return result.(bool), nil
}
