// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"golang.org/x/time/rate"
)

type StatsResult struct {
	Queue  string           `json:"queue"`
	Counts map[string]int64 `json:"counts"`
	Paused bool             `json:"paused"`
}

// Stats snapshots per-state populations.
func Stats(ctx context.Context, q *queue.Queue) (StatsResult, error) {
	res := StatsResult{Queue: q.Name(), Counts: map[string]int64{}}
	counts, err := q.GetJobCounts(ctx)
	if err != nil {
		return res, err
	}
	for s, n := range counts {
		res.Counts[string(s)] = n
	}
	res.Paused, err = q.IsPaused(ctx)
	return res, err
}

// Clean removes jobs older than grace from one state set.
func Clean(ctx context.Context, q *queue.Queue, a *Audit, grace time.Duration, limit int64, state job.State) ([]string, error) {
	ids, err := q.Clean(ctx, grace, limit, state)
	if err != nil {
		return nil, err
	}
	a.Record(ctx, "clean", q.Name(), map[string]interface{}{
		"state": string(state), "grace_ms": grace.Milliseconds(), "removed": len(ids),
	})
	return ids, nil
}

// Drain clears the ready side (and optionally delayed) atomically.
func Drain(ctx context.Context, q *queue.Queue, a *Audit, includeDelayed bool) (int64, error) {
	n, err := q.Drain(ctx, includeDelayed)
	if err != nil {
		return 0, err
	}
	a.Record(ctx, "drain", q.Name(), map[string]interface{}{
		"include_delayed": includeDelayed, "removed": n,
	})
	return n, nil
}

// Obliterate destroys the whole queue namespace in chunks.
func Obliterate(ctx context.Context, q *queue.Queue, a *Audit, force bool, count int64) error {
	if err := q.Obliterate(ctx, force, count); err != nil {
		return err
	}
	a.Record(ctx, "obliterate", q.Name(), map[string]interface{}{"force": force})
	return nil
}

type PeekResult struct {
	State string   `json:"state"`
	Jobs  []string `json:"jobs"`
}

// Peek renders the next n jobs of one state as JSON lines.
func Peek(ctx context.Context, q *queue.Queue, state job.State, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	recs, err := q.GetJobs(ctx, []job.State{state}, 0, n-1, true)
	if err != nil {
		return PeekResult{}, err
	}
	out := PeekResult{State: string(state)}
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		out.Jobs = append(out.Jobs, string(b))
	}
	return out, nil
}

type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench enqueues count jobs at ratePerSec and waits until the completed set
// absorbs them (or timeout). Latency is add-time to observation.
func Bench(ctx context.Context, q *queue.Queue, count, ratePerSec, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if payloadSize <= 0 {
		payloadSize = 1024
	}
	base, err := q.GetJobCounts(ctx, job.StateCompleted)
	if err != nil {
		return res, err
	}
	payload, err := json.Marshal(map[string]string{"bench": string(make([]byte, payloadSize))})
	if err != nil {
		return res, err
	}
	lim := rate.NewLimiter(rate.Limit(ratePerSec), 1)
	start := time.Now()
	added := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		if err := lim.Wait(ctx); err != nil {
			return res, err
		}
		if _, err := q.Add(ctx, "bench", payload, nil); err != nil {
			return res, err
		}
		added = append(added, time.Now())
	}
	deadline := time.Now().Add(timeout)
	var done int64
	for time.Now().Before(deadline) {
		counts, err := q.GetJobCounts(ctx, job.StateCompleted)
		if err != nil {
			return res, err
		}
		done = counts[job.StateCompleted] - base[job.StateCompleted]
		if done >= int64(count) {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(done) / res.Duration.Seconds()
	}
	// crude per-add latencies against completion wall time
	lats := make([]time.Duration, len(added))
	end := time.Now()
	for i, t := range added {
		lats[i] = end.Sub(t)
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	if len(lats) > 0 {
		res.P50 = lats[len(lats)/2]
		res.P95 = lats[len(lats)*95/100]
	}
	if done < int64(count) {
		return res, fmt.Errorf("bench timeout: %d/%d completed", done, count)
	}
	return res, nil
}
