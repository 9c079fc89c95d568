package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/auth"
	"github.com/blitzlink/backend/internal/v1/bus"
	"github.com/blitzlink/backend/internal/v1/config"
	"github.com/blitzlink/backend/internal/v1/health"
	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/blitzlink/backend/internal/v1/ratelimit"
	"github.com/blitzlink/backend/internal/v1/session"
	"github.com/blitzlink/backend/internal/v1/social"
	"github.com/blitzlink/backend/internal/v1/tracing"
)

func main() {
	// Load .env for local development; in deployment the environment is set
	// by the platform.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "chess-session", cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled: failed to initialize exporter", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Auth ---
	validator, err := auth.NewValidator(cfg.JWTSecret)
	if err != nil {
		logging.Fatal(ctx, "Failed to create token validator", zap.Error(err))
	}

	// --- Redis pub/sub (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	// --- Social graph client (optional) ---
	var friends social.FriendChecker
	if cfg.SocialGraphAddr != "" {
		friends = social.NewClient(cfg.SocialGraphAddr)
	} else {
		logging.Warn(ctx, "SOCIAL_GRAPH_ADDR not set: invites will be rejected")
	}

	// SKIP_AUTH never applies outside development mode.
	skipAuth := cfg.SkipAuth && cfg.DevelopmentMode
	if cfg.SkipAuth && !cfg.DevelopmentMode {
		logging.Warn(ctx, "SKIP_AUTH ignored outside development mode")
	}
	if skipAuth {
		logging.Warn(ctx, "SKIP_AUTH enabled: connections are not authenticated")
	}

	hub := session.NewHub(validator, friends, busService, session.Options{
		ClientOrigin:   cfg.ClientOrigin,
		InitialClockMs: cfg.InitialClockMs,
		SkipAuth:       skipAuth,
	})

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware("chess-session"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{cfg.ClientOrigin})
	router.Use(cors.New(corsConfig))

	wsLimiter, err := ratelimit.NewWsLimiter(cfg.RateLimitWsIP, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create WS rate limiter", zap.Error(err))
	}
	router.GET("/ws", wsLimiter.Middleware(), hub.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Chess session server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
