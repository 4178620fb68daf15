// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RepeatableJob is a template that generates successor jobs on a schedule.
// The registry lives in the queue's repeat sorted set, scored by the next
// fire time (ms); the scheduler expands due entries into concrete jobs.
type RepeatableJob struct {
	Name string `json:"name"`
	Cron string `json:"cron"`
	Data string `json:"data,omitempty"`
	Next int64  `json:"-"`
}

func (r RepeatableJob) member() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal repeatable job: %w", err)
	}
	return string(b), nil
}

// UpsertRepeatable registers or reschedules a repeatable template.
func (q *Queue) UpsertRepeatable(ctx context.Context, r RepeatableJob, next int64) error {
	m, err := r.member()
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.keys.Repeat(), redis.Z{Score: float64(next), Member: m}).Err()
}

// GetRepeatableJobs lists every registered template with its next fire time.
func (q *Queue) GetRepeatableJobs(ctx context.Context) ([]RepeatableJob, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, q.keys.Repeat(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RepeatableJob, 0, len(entries))
	for _, e := range entries {
		s, ok := e.Member.(string)
		if !ok {
			continue
		}
		var r RepeatableJob
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("corrupt repeat entry %q: %w", s, err)
		}
		r.Next = int64(e.Score)
		out = append(out, r)
	}
	return out, nil
}

// RemoveRepeatable deregisters a template; already-generated jobs survive.
func (q *Queue) RemoveRepeatable(ctx context.Context, r RepeatableJob) error {
	m, err := r.member()
	if err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.keys.Repeat(), m).Err()
}

// DueRepeatables returns templates due at or before now, without removing
// them; the scheduler reschedules each atomically via UpsertRepeatable.
func (q *Queue) DueRepeatables(ctx context.Context, now int64) ([]RepeatableJob, error) {
	entries, err := q.rdb.ZRangeByScoreWithScores(ctx, q.keys.Repeat(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RepeatableJob, 0, len(entries))
	for _, e := range entries {
		s, ok := e.Member.(string)
		if !ok {
			continue
		}
		var r RepeatableJob
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		r.Next = int64(e.Score)
		out = append(out, r)
	}
	return out, nil
}
