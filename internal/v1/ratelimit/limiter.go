// Package ratelimit throttles WebSocket upgrade attempts per client IP,
// backed by Redis when available and local memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/logging"
)

// WsLimiter enforces the per-IP WebSocket upgrade rate.
type WsLimiter struct {
	limiter *limiter.Limiter
}

// NewWsLimiter parses a rate in ulule format (e.g. "60-M") and builds a
// limiter over the given store. redisClient may be nil; the limiter then
// falls back to an in-process memory store.
func NewWsLimiter(rate string, redisClient *redis.Client) (*WsLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:ws:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "WS rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "WS rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &WsLimiter{limiter: limiter.New(store, parsed)}, nil
}

// Middleware rejects upgrade attempts over the per-IP budget with 429 before
// the connection is upgraded or authenticated.
func (l *WsLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		lctx, err := l.limiter.Get(c.Request.Context(), key)
		if err != nil {
			// Store failure should not take the service down.
			logging.Error(c.Request.Context(), "Rate limiter store error", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}

		c.Next()
	}
}
