package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"approval-workflow-engine/internal/attachment"
	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/dispatcher"
	"approval-workflow-engine/internal/escalation"
	"approval-workflow-engine/internal/logging"
	"approval-workflow-engine/internal/processor"
	"approval-workflow-engine/internal/queue"
	"approval-workflow-engine/internal/store"
	"approval-workflow-engine/internal/telemetry"
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

	attachments, err := attachment.NewValidator(ctx, cfg)
	if err != nil {
		logger.Fatal("init attachment validator", zap.Error(err))
	}
	proc := processor.New(st, workflows, attachments, logger, processor.Options{
		EscalationRetries: cfg.EscalationRetryLimit,
	})

	disp := dispatcher.New(st, coord, dispatcher.ConfigFrom(cfg), logger.Named("dispatcher"))
	sched := escalation.NewScheduler(st, proc, logger.Named("escalation"), cfg.SLASweepInterval, cfg.SLASweepBatchSize)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("env", cfg.Env),
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
		zap.Duration("sla_sweep_interval", cfg.SLASweepInterval),
		zap.Duration("backoff_initial", cfg.BackoffInitial))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("escalation scheduler stopped", zap.Error(err))
		}
	}()
	wg.Wait()
}
