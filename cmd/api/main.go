package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "approval-workflow-engine/internal/api"
	"approval-workflow-engine/internal/attachment"
	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/dispatcher"
	"approval-workflow-engine/internal/logging"
	"approval-workflow-engine/internal/processor"
	"approval-workflow-engine/internal/queue"
	"approval-workflow-engine/internal/ratelimit"
	"approval-workflow-engine/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	workflows, err := config.LoadWorkflows(cfg.WorkflowsFile)
	if err != nil {
		logger.Fatal("load workflows", zap.String("path", cfg.WorkflowsFile), zap.Error(err))
	}

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	coord := queue.NewRedisCoordinator(rdb, cfg)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	attachments, err := attachment.NewValidator(ctx, cfg)
	if err != nil {
		logger.Fatal("init attachment validator", zap.Error(err))
	}

	proc := processor.New(st, workflows, attachments, logger, processor.Options{
		EscalationRetries: cfg.EscalationRetryLimit,
	})
	disp := dispatcher.New(st, coord, dispatcher.ConfigFrom(cfg), logger)

	server := api.New(cfg, proc, disp, limiter, logger)
	server.AddReadinessCheck("postgres", st.Ping)
	server.AddReadinessCheck("redis", coord.Ping)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("env", cfg.Env), zap.String("port", cfg.HTTPPort), zap.Strings("workflows", workflows.Types()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
