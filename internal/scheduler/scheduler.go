// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/config"
	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scheduler owns the two background feeds into wait: the delay pump, which
// promotes due delayed jobs, and the stall monitor, which recovers jobs
// whose locks expired. Concurrent schedulers on one queue are safe, only
// wasteful; the stalled-check guard keeps the sweep to one process per
// interval.
type Scheduler struct {
	cfg      *config.Config
	q        *queue.Queue
	blocking *redis.Client
	log      *zap.Logger
	owner    string

	repeat *RepeatManager
	wg     sync.WaitGroup
}

func New(cfg *config.Config, q *queue.Queue, blocking *redis.Client, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		q:        q,
		blocking: blocking,
		log:      log,
		owner:    uuid.NewString(),
		repeat:   NewRepeatManager(q, log),
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.delayLoop(ctx) }()
	go func() { defer s.wg.Done(); s.stallLoop(ctx) }()
	go func() { defer s.wg.Done(); s.repeat.Run(ctx) }()
	s.wg.Wait()
}

// delayLoop sleeps until the next due entry and promotes everything due on
// wake. The add script pushes to the delay marker list whenever a new entry
// becomes the earliest, so the blocking pop doubles as an early wake.
func (s *Scheduler) delayLoop(ctx context.Context) {
	keys := s.q.Keys()
	for ctx.Err() == nil {
		next, err := s.q.UpdateDelaySet(ctx, time.Now().UnixMilli())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("updateDelaySet error", obs.Err(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		wait := s.cfg.Scheduler.DelayPollInterval
		if next > 0 {
			until := time.Duration(next-time.Now().UnixMilli()) * time.Millisecond
			if until < 0 {
				until = 0
			}
			if until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			continue
		}
		// BRPOP on the marker re-arms the pump when an earlier entry lands
		if _, err := s.blocking.BRPop(ctx, wait, keys.DelayMarker()).Result(); err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("delay marker pop error", obs.Err(err))
			sleepCtx(ctx, time.Second)
		}
	}
}

// stallLoop sweeps active for expired locks every stalledInterval. The
// stalled-check key (PX = interval) elects one sweeper per interval across
// processes.
func (s *Scheduler) stallLoop(ctx context.Context) {
	keys := s.q.Keys()
	ticker := time.NewTicker(s.cfg.Scheduler.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.q.Client().SetNX(ctx, keys.StalledCheck(), s.owner, s.cfg.Scheduler.StalledInterval).Result()
			if err != nil {
				s.log.Warn("stalled-check guard error", obs.Err(err))
				continue
			}
			if !ok {
				continue
			}
			recovered, failed, err := s.q.MoveStalledJobsToWait(ctx, s.cfg.Scheduler.MaxStalledCount)
			if err != nil {
				s.log.Warn("stalled sweep error", obs.Err(err))
				continue
			}
			for _, id := range recovered {
				s.log.Warn("requeued stalled job", obs.String("id", id))
			}
			for _, id := range failed {
				s.log.Error("job stalled past limit, failed", obs.String("id", id))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
