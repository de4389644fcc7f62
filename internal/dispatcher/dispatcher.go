// Package dispatcher delivers outbox records to webhook endpoints with
// per-request ordering, bounded retries and a dead-letter queue.
package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/telemetry"
	"approval-workflow-engine/internal/webhook"
)

// Store is the outbox persistence the dispatcher needs.
type Store interface {
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxRecord, error)
	GetOutbox(ctx context.Context, id string) (models.OutboxRecord, error)
	OutboxForRequest(ctx context.Context, requestID string) ([]models.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, attempts, statusCode int, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, statusCode *int) error
	Requeue(ctx context.Context, id string, now time.Time) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastErr string, statusCode *int) error
	ReplayDeadLetter(ctx context.Context, id string, now time.Time) (models.OutboxRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error)
}

// Coordinator serializes delivery per request across processes and mirrors
// dead letters for inspection.
type Coordinator interface {
	AcquireRequestLock(ctx context.Context, requestID, token string, ttl time.Duration) (bool, error)
	ReleaseRequestLock(ctx context.Context, requestID, token string) error
	DLQPush(ctx context.Context, outboxID string) error
	DLQRemove(ctx context.Context, outboxID string) error
	DLQDepth(ctx context.Context) (int64, error)
}

// Config tunes delivery.
type Config struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	HTTPTimeout    time.Duration
	LockTTL        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// ConfigFrom maps process configuration onto dispatcher settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Workers:        cfg.DispatchWorkers,
		BatchSize:      cfg.DispatchBatchSize,
		PollInterval:   cfg.DispatchPollInterval,
		HTTPTimeout:    cfg.DispatchHTTPTimeout,
		LockTTL:        cfg.DispatchLockTTL,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.LockTTL <= c.HTTPTimeout {
		c.LockTTL = 3 * c.HTTPTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// Dispatcher drives the outbox delivery loop.
type Dispatcher struct {
	store    Store
	coord    Coordinator
	client   *http.Client
	cfg      Config
	logger   *zap.Logger
	workerID string
	now      func() time.Time
}

// New builds a dispatcher. coord may be nil for single-process runs.
func New(st Store, coord Coordinator, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    st,
		coord:    coord,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:      cfg,
		logger:   logger,
		workerID: uuid.New().String(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls and delivers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch poll failed", zap.Error(err))
		}
		if d.coord != nil {
			if depth, err := d.coord.DLQDepth(ctx); err == nil {
				telemetry.DLQDepthGauge.Set(float64(depth))
			}
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// DispatchOnce delivers one batch of due records and reports how many were
// attempted. Records are partitioned by request so each request is handled
// by a single worker in sequence order.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	due, err := d.store.DueOutbox(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due outbox: %w", err)
	}
	telemetry.OutboxDueGauge.Set(float64(len(due)))
	d.logger.Debug("dispatch poll", zap.Int("due", len(due)))
	if len(due) == 0 {
		return 0, nil
	}

	parts := make([][]models.OutboxRecord, d.cfg.Workers)
	for _, rec := range due {
		i := partition(rec.RequestID, d.cfg.Workers)
		parts[i] = append(parts[i], rec)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		attempted int
	)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(recs []models.OutboxRecord) {
			defer wg.Done()
			for _, rec := range recs {
				if ctx.Err() != nil {
					return
				}
				if d.process(ctx, rec) {
					mu.Lock()
					attempted++
					mu.Unlock()
				}
			}
		}(part)
	}
	wg.Wait()
	return attempted, nil
}

func partition(requestID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return int(h.Sum32() % uint32(n))
}

// process delivers rec under the request lock. It reports whether an
// attempt was made.
func (d *Dispatcher) process(ctx context.Context, rec models.OutboxRecord) bool {
	if d.coord != nil {
		token := d.workerID + ":" + rec.ID
		ok, err := d.coord.AcquireRequestLock(ctx, rec.RequestID, token, d.cfg.LockTTL)
		if err != nil {
			d.logger.Error("request lock failed", zap.String("request_id", rec.RequestID), zap.Error(err))
			return false
		}
		if !ok {
			d.logger.Debug("request locked elsewhere", zap.String("request_id", rec.RequestID))
			return false
		}
		defer func() {
			if err := d.coord.ReleaseRequestLock(context.WithoutCancel(ctx), rec.RequestID, token); err != nil {
				d.logger.Warn("request unlock failed", zap.String("request_id", rec.RequestID), zap.Error(err))
			}
		}()
	}

	// Another process may have delivered it between the poll and the lock.
	fresh, err := d.store.GetOutbox(ctx, rec.ID)
	if err != nil {
		d.logger.Error("reload outbox record", zap.String("outbox_id", rec.ID), zap.Error(err))
		return false
	}
	switch fresh.Status {
	case models.OutboxPending:
	case models.OutboxFailed:
		if fresh.Attempts >= d.budget(fresh) {
			// The failure was recorded but the dead-letter step did not land.
			lastErr := ""
			if fresh.LastError != nil {
				lastErr = *fresh.LastError
			}
			d.deadLetter(context.WithoutCancel(ctx), d.logger.With(zap.String("outbox_id", fresh.ID)),
				fresh.ID, fresh.Attempts, lastErr, fresh.LastStatusCode)
			return false
		}
		if err := d.store.Requeue(ctx, fresh.ID, d.now()); err != nil {
			d.logger.Error("requeue outbox record", zap.String("outbox_id", fresh.ID), zap.Error(err))
			return false
		}
		fresh.Status = models.OutboxPending
	default:
		return false
	}
	d.deliver(ctx, fresh)
	return true
}

func (d *Dispatcher) budget(rec models.OutboxRecord) int {
	return d.cfg.MaxAttempts * (rec.ReplayCount + 1)
}

type attemptResult struct {
	statusCode *int
	retryAfter time.Duration
	hasRetry   bool
	err        error
}

func (d *Dispatcher) send(ctx context.Context, rec models.OutboxRecord) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	req, err := webhook.NewRequest(ctx, rec)
	if err != nil {
		return attemptResult{err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return attemptResult{err: fmt.Errorf("%w: %v", models.ErrDeliveryFailure, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	code := resp.StatusCode
	res := attemptResult{statusCode: &code}
	res.retryAfter, res.hasRetry = webhook.ParseRetryAfter(resp.Header.Get("Retry-After"), d.now())
	if code < 200 || code > 299 {
		res.err = fmt.Errorf("%w: endpoint %s returned %d", models.ErrDeliveryFailure, rec.Endpoint, code)
	}
	return res
}

func retryable(res attemptResult) bool {
	if res.statusCode == nil || res.hasRetry {
		return true
	}
	code := *res.statusCode
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (d *Dispatcher) deliver(ctx context.Context, rec models.OutboxRecord) {
	res := d.send(ctx, rec)
	attempts := rec.Attempts + 1
	log := d.logger.With(
		zap.String("outbox_id", rec.ID),
		zap.String("request_id", rec.RequestID),
		zap.String("endpoint", rec.Endpoint),
		zap.Int("attempts", attempts))

	// Writes below use a detached context so shutdown does not lose the
	// outcome of an attempt that already reached the endpoint.
	wctx := context.WithoutCancel(ctx)
	if res.err == nil {
		if err := d.store.MarkSent(wctx, rec.ID, attempts, *res.statusCode, d.now()); err != nil {
			log.Error("mark sent failed", zap.Error(err))
			return
		}
		telemetry.OutboxSent.Inc()
		log.Info("webhook delivered", zap.Int("status", *res.statusCode))
		return
	}

	exhausted := !retryable(res) || attempts >= d.budget(rec)
	next := d.now()
	if !exhausted {
		wait := backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, attempts)
		if res.hasRetry {
			wait = res.retryAfter
		}
		next = next.Add(wait)
	}
	if err := d.store.MarkFailed(wctx, rec.ID, attempts, next, res.err.Error(), res.statusCode); err != nil {
		log.Error("record failed attempt", zap.Error(err))
		return
	}
	if exhausted {
		d.deadLetter(wctx, log, rec.ID, attempts, res.err.Error(), res.statusCode)
		return
	}
	telemetry.OutboxRetries.Inc()
	log.Warn("webhook delivery failed, retrying", zap.Time("next_attempt_at", next), zap.Error(res.err))
}

// deadLetter moves a FAILED record to DEAD_LETTER and mirrors it on the DLQ list.
func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, id string, attempts int, lastErr string, statusCode *int) {
	if err := d.store.MarkDeadLetter(ctx, id, attempts, lastErr, statusCode); err != nil {
		log.Error("mark dead letter failed", zap.Error(err))
		return
	}
	if d.coord != nil {
		if err := d.coord.DLQPush(ctx, id); err != nil {
			log.Warn("dlq push failed", zap.Error(err))
		}
	}
	telemetry.OutboxDeadLetter.Inc()
	log.Warn("webhook dead-lettered", zap.Error(fmt.Errorf("%w: %s", models.ErrDeadLettered, lastErr)))
}

// Replay re-queues a dead-lettered record for immediate delivery. Attempts
// are preserved and the record gets a fresh retry budget.
func (d *Dispatcher) Replay(ctx context.Context, outboxID string) (models.OutboxRecord, error) {
	rec, err := d.store.ReplayDeadLetter(ctx, outboxID, d.now())
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if d.coord != nil {
		if err := d.coord.DLQRemove(ctx, outboxID); err != nil {
			d.logger.Warn("dlq remove failed", zap.String("outbox_id", outboxID), zap.Error(err))
		}
	}
	telemetry.OutboxReplays.Inc()
	d.logger.Info("dead letter replayed", zap.String("outbox_id", outboxID), zap.Int("replay_count", rec.ReplayCount))
	return rec, nil
}

// DeadLetters lists records awaiting manual replay.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.ListDeadLetters(ctx, limit)
}

// Deliveries lists every outbox record enqueued for a request.
func (d *Dispatcher) Deliveries(ctx context.Context, requestID string) ([]models.OutboxRecord, error) {
	return d.store.OutboxForRequest(ctx, requestID)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
