// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/content-droid/internal/config"
	"github.com/yourusername/content-droid/internal/httpapi"
	"github.com/yourusername/content-droid/internal/jobs"
	"github.com/yourusername/content-droid/internal/logging"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api server stopped with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := setupStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := setupPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	manager, err := jobs.NewManager(store, publisher, logger, jobs.ManagerOptions{
		PublishMaxAttempts: cfg.PublishMaxAttempts,
		PublishRetryBase:   cfg.PublishRetryBase,
	})
	if err != nil {
		_ = publisher.Close()
		return err
	}
	defer func() {
		if err := manager.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to close publisher")
		}
	}()

	consumer, err := setupUpdateConsumer(cfg, manager, logger)
	if err != nil {
		return err
	}

	reconciler, err := jobs.NewReconciler(store, manager, jobs.ReconcilerOptions{
		Schedule:          cfg.ReconcileSchedule,
		PendingTimeout:    cfg.PendingTimeout,
		InProgressTimeout: cfg.InProgressTimeout,
		BatchSize:         cfg.ReconcileBatch,
	}, logger)
	if err != nil {
		return err
	}

	// ルーティングの設定
	router := httpapi.NewRouter(manager, httpapi.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		WorkerToken:    cfg.WorkerCallbackToken,
	})
	router.GET("/health", handleHealth)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("mode", cfg.GinMode).
			Str("store", cfg.StoreDriver).Str("broker", cfg.BrokerDriver).
			Msg("starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	return g.Wait()
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "content-droid-api",
		"version": "0.1.0",
	})
}
