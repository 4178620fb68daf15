// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-job-queue/internal/config"
	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Processor handles one claimed job and returns its result payload. An
// error routes the job through retry/backoff and ultimately to failed.
type Processor func(ctx context.Context, j *job.Record) ([]byte, error)

// Worker claims jobs with moveToActive, renews the claim lock while the
// processor runs, and finalizes with the fused finish+fetch-next script.
// The worker's one dedicated blocking client carries the long poll for all
// concurrency slots; the shared pool carries everything else.
type Worker struct {
	cfg       *config.Config
	q         *queue.Queue
	blocking  *redis.Client
	log       *zap.Logger
	processor Processor
	baseID    string
	cb        *breaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, q *queue.Queue, blocking *redis.Client, log *zap.Logger, processor Processor) *Worker {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, q: q, blocking: blocking, log: log, processor: processor, baseID: base, cb: cb}
}

// Run blocks until ctx is canceled and every in-flight handler returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Worker.Concurrency; i++ {
		w.wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer w.wg.Done()
			w.runOne(ctx, workerID)
		}(id)
	}
	w.wg.Wait()
	return nil
}

// Close cancels the blocking pops and waits for in-flight jobs. Lock
// extension stops with the handlers; anything still claimed at the store
// expires and the stall monitor recovers it.
func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	keys := w.q.Keys()
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			sleep(ctx, w.cfg.CircuitBreaker.Pause)
			continue
		}
		token := uuid.NewString()
		j, delay, err := w.q.MoveToActive(ctx, token, "", w.cfg.Worker.LockDuration)
		w.cb.Record(err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("moveToActive error", obs.String("worker_id", workerID), obs.Err(err))
			sleep(ctx, 50*time.Millisecond)
			continue
		}
		if delay > 0 {
			// rate limited: re-arm, nothing to propagate
			sleep(ctx, minDuration(delay, w.cfg.Worker.DrainDelay))
			continue
		}
		if j == nil {
			// wait is empty: block on the signal list, then reconcile
			// priority through moveToActive
			id, err := w.blocking.BRPopLPush(ctx, keys.Wait(), keys.Active(), w.cfg.Worker.DrainDelay).Result()
			if err == redis.Nil {
				w.q.Events().Publish(queue.Event{Type: queue.EventDrained})
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("blocking pop error", obs.String("worker_id", workerID), obs.Err(err))
				sleep(ctx, 50*time.Millisecond)
				continue
			}
			j, _, err = w.q.MoveToActive(ctx, token, id, w.cfg.Worker.LockDuration)
			if err != nil || j == nil {
				continue
			}
		}
		for j != nil && ctx.Err() == nil {
			j = w.process(ctx, workerID, token, j)
		}
	}
}

// process runs the handler for one job and finalizes it. Returns the next
// job when the finish script fused a claim, nil otherwise.
func (w *Worker) process(ctx context.Context, workerID, token string, j *job.Record) *job.Record {
	pctx, abort := context.WithCancel(ctx)
	defer abort()

	renewDone := make(chan struct{})
	lockLost := false
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(w.cfg.Worker.LockRenewTime)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				if err := w.q.ExtendLock(ctx, j.ID, token, w.cfg.Worker.LockDuration); err != nil {
					w.log.Warn("lock lost, aborting processing",
						obs.String("id", j.ID), obs.String("worker_id", workerID), obs.Err(err))
					lockLost = true
					abort()
					return
				}
			}
		}
	}()

	start := time.Now()
	result, perr := w.processor(pctx, j)
	abort()
	<-renewDone

	if lockLost && perr == nil {
		// the renewal goroutine aborted us; the job belongs to the stall
		// monitor now
		perr = queue.ErrLockLost
	}

	if perr == nil {
		next, err := w.q.MoveToFinished(ctx, j.ID, string(result), job.StateCompleted,
			w.removeOnComplete(j), token, w.cfg.Worker.LockDuration, true)
		if errors.Is(err, queue.ErrPendingDependencies) {
			if _, werr := w.q.MoveToWaitingChildren(ctx, j.ID, token); werr != nil {
				w.log.Error("moveToWaitingChildren failed", obs.String("id", j.ID), obs.Err(werr))
			}
			return nil
		}
		if err != nil {
			w.logFinalizeError(j, err)
			return nil
		}
		w.log.Info("job completed", obs.String("id", j.ID),
			obs.String("worker_id", workerID),
			obs.Int64("duration_ms", time.Since(start).Milliseconds()))
		return next
	}

	if errors.Is(perr, queue.ErrLockLost) {
		return nil
	}

	// failure path: retry through delayed with backoff while attempts remain
	attempts := j.Opts.Attempts
	if attempts == 0 {
		attempts = w.cfg.Worker.MaxAttempts
	}
	if j.AttemptsMade < attempts {
		bo := j.Opts.Backoff
		if bo == nil {
			bo = &job.Backoff{Type: w.cfg.Worker.Backoff.Type, Delay: w.cfg.Worker.Backoff.Delay.Milliseconds()}
		}
		due := time.Now().UnixMilli() + bo.DelayFor(j.AttemptsMade).Milliseconds()
		if err := w.q.MoveToDelayed(ctx, j.ID, due, token); err != nil {
			w.logFinalizeError(j, err)
			return nil
		}
		obs.JobsRetried.Inc()
		w.log.Warn("job failed, retry scheduled", obs.String("id", j.ID),
			obs.Int("attempts_made", j.AttemptsMade), obs.Err(perr))
		return nil
	}

	next, err := w.q.MoveToFinished(ctx, j.ID, perr.Error(), job.StateFailed,
		w.removeOnFail(j), token, w.cfg.Worker.LockDuration, true)
	if err != nil {
		w.logFinalizeError(j, err)
		return nil
	}
	w.log.Error("job failed terminally", obs.String("id", j.ID),
		obs.Int("attempts_made", j.AttemptsMade), obs.Err(perr))
	return next
}

func (w *Worker) logFinalizeError(j *job.Record, err error) {
	if errors.Is(err, queue.ErrMissingLock) || errors.Is(err, queue.ErrWrongState) {
		// recovered by the stall monitor in the meantime; do not finalize
		w.log.Warn("job no longer owned, skipping finalize", obs.String("id", j.ID), obs.Err(err))
		return
	}
	w.log.Error("finalize failed", obs.String("id", j.ID), obs.Err(err))
}

func (w *Worker) removeOnComplete(j *job.Record) *job.KeepPolicy { return j.Opts.RemoveOnComplete }
func (w *Worker) removeOnFail(j *job.Record) *job.KeepPolicy     { return j.Opts.RemoveOnFail }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
