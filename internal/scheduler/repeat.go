// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RepeatManager expands repeatable templates into concrete jobs. Each due
// template produces one job whose id encodes the fire time, so two managers
// racing on the same tick add it once.
type RepeatManager struct {
	q      *queue.Queue
	log    *zap.Logger
	parser cron.Parser
}

func NewRepeatManager(q *queue.Queue, log *zap.Logger) *RepeatManager {
	return &RepeatManager{
		q:   q,
		log: log,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register validates the cron expression and schedules the first fire.
func (m *RepeatManager) Register(ctx context.Context, r queue.RepeatableJob) error {
	next, err := m.nextAfter(r.Cron, time.Now())
	if err != nil {
		return err
	}
	return m.q.UpsertRepeatable(ctx, r, next.UnixMilli())
}

func (m *RepeatManager) nextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := m.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad cron expression %q: %w", expr, err)
	}
	return sched.Next(t), nil
}

// Run fires due templates once per tick.
func (m *RepeatManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
				m.log.Warn("repeat tick error", obs.Err(err))
			}
		}
	}
}

func (m *RepeatManager) tick(ctx context.Context, now time.Time) error {
	due, err := m.q.DueRepeatables(ctx, now.UnixMilli())
	if err != nil {
		return err
	}
	for _, r := range due {
		// deterministic id: duplicate fires collapse in the add script
		id := fmt.Sprintf("repeat-%s-%d", r.Name, r.Next)
		if _, err := m.q.Add(ctx, r.Name, []byte(r.Data), &job.Options{JobID: id}); err != nil {
			m.log.Warn("repeat add failed", obs.String("name", r.Name), obs.Err(err))
			continue
		}
		next, err := m.nextAfter(r.Cron, now)
		if err != nil {
			m.log.Error("repeat entry no longer parses, removing",
				obs.String("name", r.Name), obs.Err(err))
			_ = m.q.RemoveRepeatable(ctx, r)
			continue
		}
		if err := m.q.UpsertRepeatable(ctx, r, next.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}
