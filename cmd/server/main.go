// Package main runs the RTMS transcript relay: Zoom webhook receiver,
// provider sessions, viewer WebSocket gateway and admin API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/rtms-relay/config"
	"github.com/aura-webinar/rtms-relay/internal/auth"
	"github.com/aura-webinar/rtms-relay/internal/middleware"
	"github.com/aura-webinar/rtms-relay/internal/realtime"
	"github.com/aura-webinar/rtms-relay/internal/rtms"
	"github.com/aura-webinar/rtms-relay/internal/sessions"
	"github.com/aura-webinar/rtms-relay/internal/transcripts"
	"github.com/aura-webinar/rtms-relay/internal/webhook"
	"github.com/aura-webinar/rtms-relay/pkg/database"
	"github.com/aura-webinar/rtms-relay/pkg/queue"
	"github.com/aura-webinar/rtms-relay/pkg/redis"
	"github.com/aura-webinar/rtms-relay/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx := context.Background()

	// Optional backing services. Each one that is missing turns a feature off.
	var (
		rdb           *redis.Client
		history       *sessions.Repository
		segments      *transcripts.Repository
		recorder      *transcripts.Recorder
		exportQueue   *queue.Queue
		redisPub      realtime.RedisPublisher
		redisSub      realtime.RedisSubscriber
		jwtService    *auth.JWTService
		tokenValidate realtime.TokenValidator
	)

	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		history = sessions.NewRepository(pool)
		segments = transcripts.NewRepository(pool)
		recorder = transcripts.NewRecorder(segments, transcripts.RecorderConfig{
			BufferSize:    cfg.Archive.BufferSize,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, logger)
	} else {
		logger.Info("DATABASE_URL not set; session history and transcript archive disabled")
	}

	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		redisPub, redisSub = pubsub, pubsub
		if recorder != nil {
			exportQueue = queue.NewQueue(rdb.Client, logger)
		}
	} else {
		logger.Info("REDIS_ADDR not set; single-instance fanout, transcript export disabled")
	}

	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
		if cfg.Viewer.RequireToken {
			tokenValidate = jwtService.ValidateViewer
		}
	} else {
		logger.Warn("JWT_SECRET not set; admin API is unauthenticated")
	}

	// Relay core.
	registry := rtms.NewRegistry(rtms.Config{
		ClientID:         cfg.Zoom.ClientID,
		ClientSecret:     cfg.Zoom.ClientSecret,
		HandshakeTimeout: cfg.RTMS.HandshakeTimeout,
		WriteTimeout:     cfg.RTMS.WriteTimeout,
	}, nil, logger)

	scope, err := realtime.ParseScope(cfg.Viewer.Mode)
	if err != nil {
		logger.Fatal("viewer mode", zap.Error(err))
	}
	hub := realtime.NewHub(scope, logger, redisPub, redisSub)
	hub.Observe(registry)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var recorderWG sync.WaitGroup
	if recorder != nil {
		registry.OnTranscript(recorder.Record)
		recorderWG.Add(1)
		go func() {
			defer recorderWG.Done()
			recorder.Run(bgCtx)
		}()
	}

	tracker := newTracker(history, exportQueue, recorder, logger)
	tracker.Attach(registry)
	trackerCtx, trackerCancel := context.WithCancel(context.Background())
	defer trackerCancel()
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(trackerCtx)
	}()

	// HTTP.
	webhookHandler := webhook.NewHandler(registry, cfg.Zoom.WebhookSecretToken, logger)
	sessionHandler := newSessionHandler(registry, hub, history, segments, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/ws"))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":   "ok",
			"sessions": registry.Count(),
			"mode":     hub.Scope().Name(),
		})
	})
	router.POST("/webhooks/zoom", webhookHandler.Zoom)
	router.GET("/ws", realtime.ServeWs(hub, realtime.GatewayConfig{
		SendBuffer:   cfg.Viewer.SendBuffer,
		ReadLimit:    cfg.Viewer.ReadLimit,
		MessageRate:  cfg.Viewer.MessageRate,
		MessageBurst: cfg.Viewer.MessageBurst,
	}, logger, tokenValidate))

	api := router.Group("/api", middleware.AdminOnly(jwtService)...)
	sessionHandler.Register(api.Group("/sessions"))
	if jwtService != nil {
		api.POST("/tokens", auth.NewHandler(jwtService, logger).Issue)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// No WriteTimeout: it would cut long-lived viewer sockets.
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("viewer_mode", scope.Name()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// Sessions first so viewers get meeting_ended and the tracker sees every end.
	registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hub.Close()

	// The tracker may still flush the recorder, so it stops first.
	trackerCancel()
	select {
	case <-trackerDone:
	case <-shutdownCtx.Done():
		logger.Warn("session tracker did not drain before timeout")
	}
	bgCancel()
	recorderWG.Wait()
	if recorder != nil && recorder.Dropped() > 0 {
		logger.Warn("transcript segments dropped", zap.Int64("dropped", recorder.Dropped()))
	}
	logger.Info("server stopped")
}

// newTracker builds the session tracker from whichever services are configured.
func newTracker(history *sessions.Repository, exports *queue.Queue, recorder *transcripts.Recorder, logger *zap.Logger) *sessions.Tracker {
	var (
		h sessions.HistoryStore
		e sessions.ExportEnqueuer
		f sessions.Flusher
	)
	if history != nil {
		h = history
	}
	if exports != nil {
		e = exports
	}
	if recorder != nil {
		f = recorder
	}
	return sessions.NewTracker(h, e, f, logger)
}

func newSessionHandler(reg *rtms.Registry, hub *realtime.Hub, history *sessions.Repository, segments *transcripts.Repository, logger *zap.Logger) *sessions.Handler {
	var (
		h sessions.HistoryReader
		s sessions.SegmentReader
	)
	if history != nil {
		h = history
	}
	if segments != nil {
		s = segments
	}
	return sessions.NewHandler(reg, hub, h, s, logger)
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
