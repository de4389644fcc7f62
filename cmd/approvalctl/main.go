package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"approval-workflow-engine/internal/cli"
	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/dispatcher"
	"approval-workflow-engine/internal/escalation"
	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/processor"
	"approval-workflow-engine/internal/queue"
	"approval-workflow-engine/internal/store"
)

// services adapts the engine components to the CLI backend.
type services struct {
	coord *queue.RedisCoordinator
	proc  *processor.Processor
	disp  *dispatcher.Dispatcher
	sched *escalation.Scheduler
}

func (s services) History(ctx context.Context, id string) ([]models.StatusHistory, error) {
	return s.proc.History(ctx, id)
}

func (s services) PendingForActor(ctx context.Context, actor string, f store.RequestFilter) ([]models.Request, error) {
	return s.proc.PendingForActor(ctx, actor, f)
}

func (s services) DeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return s.disp.DeadLetters(ctx, limit)
}

func (s services) Replay(ctx context.Context, id string) (models.OutboxRecord, error) {
	return s.disp.Replay(ctx, id)
}

func (s services) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return s.coord.DLQPeek(ctx, count)
}

func (s services) Sweep(ctx context.Context) (int, error) {
	return s.sched.Sweep(ctx)
}

func open(ctx context.Context) (cli.Backend, func(), error) {
	cfg := config.Load()

	workflows, err := config.LoadWorkflows(cfg.WorkflowsFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	rdb := queue.NewRedisClient(cfg)
	coord := queue.NewRedisCoordinator(rdb, cfg)

	logger := zap.NewNop()
	proc := processor.New(st, workflows, nil, logger, processor.Options{EscalationRetries: cfg.EscalationRetryLimit})
	svc := services{
		coord: coord,
		proc:  proc,
		disp:  dispatcher.New(st, coord, dispatcher.ConfigFrom(cfg), logger),
		sched: escalation.NewScheduler(st, proc, logger, cfg.SLASweepInterval, cfg.SLASweepBatchSize),
	}
	release := func() {
		_ = rdb.Close()
		st.Close()
	}
	return svc, release, nil
}

func main() {
	if err := cli.RootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
