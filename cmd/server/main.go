// Package main runs the live session HTTP server with the time-margin sweep and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/sessions"
	"github.com/aura-live/backend/internal/sweep"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	clock := clockwork.NewRealClock()

	var store sessions.Store
	switch cfg.Store {
	case config.StoreMemory:
		store = sessions.NewMemoryStore()
		logger.Warn("using in-memory session store; data is lost on restart")
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{MaxConns: int32(cfg.Database.MaxConns)}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = sessions.NewRepository(pool, logger)
	}

	svc := sessions.NewService(store, clock, logger, sessions.Options{
		CodeLength:              cfg.Session.CodeLength,
		CodeAttempts:            cfg.Session.CodeMaxAttempts,
		MutationRetries:         cfg.Session.MutationMaxRetries,
		AllowDuplicateActionIDs: cfg.Session.AllowDuplicateActionIDs,
	})
	handler := sessions.NewHandler(svc, logger)

	sweepOpts := []sweep.Option{sweep.WithInterval(cfg.Sweep.Interval)}

	// Redis is optional: without it every instance sweeps and ended sessions are not archived.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()

		instanceID := uuid.New().String()
		lease := sweep.NewLeaderLease(rdb.Client, instanceID, cfg.Sweep.LeaderKey, cfg.Sweep.LeaderTTL)
		sweepOpts = append(sweepOpts, sweep.WithLeaderGate(lease))
		logger.Info("sweep leader election enabled", zap.String("instance_id", instanceID), zap.String("key", cfg.Sweep.LeaderKey))
	}

	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			handler.SetArchiveLocator(s3Client)
		}
	}
	switch {
	case cfg.ArchivingEnabled():
		svc.SetArchiver(queue.NewQueue(rdb.Client, logger))
	case cfg.AWS.ArchiveBucket != "":
		logger.Warn("session archiving disabled: requires STORE_BACKEND=postgres and REDIS_ADDR",
			zap.String("store", cfg.Store))
	}

	sweeper := sweep.NewSweeper(store, clock, logger, sweepOpts...)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok", "store": cfg.Store}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	sweeper.Start()

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
