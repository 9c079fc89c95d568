package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/metrics"
)

// PubSubPayload is the envelope for messages moving between pods.
type PubSubPayload struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId,omitempty"` // used to prevent echo loops
}

// Channel schema. Room fan-out, user-direct delivery, and the global
// presence feed each get their own channel space.
const (
	roomChannelPrefix = "chess:room:"
	userChannelPrefix = "chess:user:"
	presenceChannel   = "chess:presence"
)

// Service handles all interaction with the Redis cluster. A nil *Service is
// valid and means single-instance mode: every method is a no-op.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *Service) publish(ctx context.Context, channel string, msg PubSubPayload) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // graceful degradation: drop message, don't crash caller
		}
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	return nil
}

func wrap(roomID, event string, payload any, senderID string) (PubSubPayload, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return PubSubPayload{}, fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	return PubSubPayload{RoomID: roomID, Event: event, Payload: inner, SenderID: senderID}, nil
}

// Publish broadcasts a room-scoped event to all other pods watching the room.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	msg, err := wrap(roomID, event, payload, senderID)
	if err != nil {
		return err
	}
	return s.publish(ctx, roomChannelPrefix+roomID, msg)
}

// PublishDirect sends an event addressed to every connection of one user,
// wherever those connections live.
func (s *Service) PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	msg, err := wrap("", event, payload, senderID)
	if err != nil {
		return err
	}
	return s.publish(ctx, userChannelPrefix+targetUserID, msg)
}

// PublishPresence pushes the global online snapshot to the shared presence
// channel. SenderID carries the pod identity so a pod can skip its own echo.
func (s *Service) PublishPresence(ctx context.Context, payload any, podID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	msg, err := wrap("", "presence:online", payload, podID)
	if err != nil {
		return err
	}
	return s.publish(ctx, presenceChannel, msg)
}

// SubscribeRoom listens for room-scoped events published by other pods.
func (s *Service) SubscribeRoom(ctx context.Context, roomID string, handler func(PubSubPayload)) {
	s.subscribe(ctx, roomChannelPrefix+roomID, handler)
}

// SubscribeUser listens for direct messages addressed to a user. The handler
// runs on a background goroutine until ctx is cancelled.
func (s *Service) SubscribeUser(ctx context.Context, userID string, handler func(PubSubPayload)) {
	s.subscribe(ctx, userChannelPrefix+userID, handler)
}

// SubscribePresence listens for presence snapshots published by other pods.
func (s *Service) SubscribePresence(ctx context.Context, handler func(PubSubPayload)) {
	s.subscribe(ctx, presenceChannel, handler)
}

func (s *Service) subscribe(ctx context.Context, channel string, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return // single-instance mode
	}

	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
					logging.Warn(ctx, "Dropping malformed pubsub message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Ping verifies the Redis connection is alive.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
