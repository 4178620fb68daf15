// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/keyspace"
	"github.com/flyingrobots/go-redis-job-queue/internal/limiter"
	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/flyingrobots/go-redis-job-queue/internal/scripts"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures one queue namespace.
type Options struct {
	Prefix       string
	MaxLenEvents int64
	Limiter      *limiter.Config
}

// Queue is the only writer of the state sets. Each transition is one atomic
// script; nothing here reimplements a transition as a client-side pipeline.
type Queue struct {
	name   string
	keys   keyspace.Keys
	rdb    *redis.Client
	run    *scripts.Runner
	log    *zap.Logger
	opts   Options
	events *Broadcaster
}

// New binds a queue namespace and writes its static meta (the
// opts.maxLenEvents write belongs to queue init, not to add).
func New(ctx context.Context, name string, rdb *redis.Client, run *scripts.Runner, log *zap.Logger, opts Options) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name must not be empty")
	}
	if opts.MaxLenEvents <= 0 {
		opts.MaxLenEvents = 10000
	}
	q := &Queue{
		name:   name,
		keys:   keyspace.New(opts.Prefix, name),
		rdb:    rdb,
		run:    run,
		log:    log,
		opts:   opts,
		events: NewBroadcaster(1024),
	}
	if err := rdb.HSet(ctx, q.keys.Meta(), "opts.maxLenEvents", opts.MaxLenEvents).Err(); err != nil {
		return nil, fmt.Errorf("init queue meta: %w", err)
	}
	return q, nil
}

func (q *Queue) Name() string        { return q.name }
func (q *Queue) Keys() keyspace.Keys { return q.keys }
func (q *Queue) Client() *redis.Client { return q.rdb }

// Events is the in-process broadcast channel for this queue.
func (q *Queue) Events() *Broadcaster { return q.events }

func (q *Queue) Limiter() *limiter.Config { return q.opts.Limiter }

func nowMillis() int64 { return time.Now().UnixMilli() }

func (q *Queue) publish(typ, jobID, data string) {
	q.events.Publish(Event{Type: typ, JobID: jobID, Data: data})
}

// Add enqueues one job and returns its record. The group key for limiter
// accounting is extracted from the payload here, at add time, and becomes a
// suffix of generated ids.
func (q *Queue) Add(ctx context.Context, name string, data []byte, opts *job.Options) (*job.Record, error) {
	if opts == nil {
		opts = &job.Options{}
	}
	ts := opts.Timestamp
	if ts == 0 {
		ts = nowMillis()
	}
	group := ""
	if q.opts.Limiter.Grouped() && opts.JobID == "" {
		g, err := q.opts.Limiter.GroupFromPayload(data)
		if err != nil {
			return nil, err
		}
		group = g
	}
	if opts.RateLimiterKey != "" {
		group = opts.RateLimiterKey
	}
	parentID, parentRoot := "", ""
	if opts.Parent != nil {
		parentID = opts.Parent.ID
		parentRoot = opts.Parent.Queue
		if parentRoot == "" {
			parentRoot = q.keys.Root()
		}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal job opts: %w", err)
	}
	lifo, waitChildren := "0", "0"
	if opts.LIFO {
		lifo = "1"
	}
	if opts.WaitChildren {
		waitChildren = "1"
	}
	res, err := q.run.Run(ctx, scripts.AddJob,
		[]string{q.keys.Wait(), q.keys.Paused(), q.keys.Meta(), q.keys.ID(), q.keys.Delayed(),
			q.keys.Priority(), q.keys.Events(), q.keys.WaitingChildren(), q.keys.DelayMarker(),
			q.keys.PriorityCounter()},
		q.keys.Root(), opts.JobID, name, string(data), string(optsJSON),
		ts, opts.Delay, opts.Priority, lifo, q.opts.MaxLenEvents,
		waitChildren, parentID, parentRoot, group)
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("add: unexpected reply %T", res)
	}
	obs.JobsAdded.Inc()
	rec := &job.Record{
		ID: id, Name: name, Data: data, Opts: *opts,
		Timestamp: ts, Delay: opts.Delay, Priority: opts.Priority, Parent: opts.Parent,
	}
	switch {
	case opts.Delay > 0:
		q.publish(EventDelayed, id, strconv.FormatInt(opts.Delay, 10))
	case opts.WaitChildren:
		q.publish(EventWaitingChildren, id, "")
	default:
		q.publish(EventWaiting, id, "")
	}
	return rec, nil
}

// AddBulk enqueues jobs one atomic add at a time. The batch itself is not
// transactional; a failure returns the records added so far.
func (q *Queue) AddBulk(ctx context.Context, entries []BulkEntry) ([]*job.Record, error) {
	out := make([]*job.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := q.Add(ctx, e.Name, e.Data, e.Opts)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type BulkEntry struct {
	Name string
	Data []byte
	Opts *job.Options
}

func (q *Queue) limiterArgs() (max int64, durMs int64, grouped string) {
	if !q.opts.Limiter.Enabled() {
		return 0, 0, "0"
	}
	grouped = "0"
	if q.opts.Limiter.Grouped() {
		grouped = "1"
	}
	return q.opts.Limiter.Max, q.opts.Limiter.Duration.Milliseconds(), grouped
}

// MoveToActive claims the next ready job under token. Returns the claimed
// job, or a non-zero delay when the rate limiter gated the claim, or all
// zero values when nothing is ready.
func (q *Queue) MoveToActive(ctx context.Context, token, jobID string, lockDuration time.Duration) (*job.Record, time.Duration, error) {
	limMax, limDur, grouped := q.limiterArgs()
	res, err := q.run.Run(ctx, scripts.MoveToActive,
		[]string{q.keys.Wait(), q.keys.Active(), q.keys.Priority(), q.keys.Stalled(),
			q.keys.Events(), q.keys.Meta(), q.keys.Delayed(), q.keys.DelayMarker()},
		q.keys.Root(), token, lockDuration.Milliseconds(), nowMillis(), jobID,
		limMax, limDur, grouped, q.opts.MaxLenEvents)
	if err != nil {
		return nil, 0, err
	}
	rec, delay, err := q.decodeClaim(res)
	if err != nil {
		return nil, 0, err
	}
	if delay > 0 {
		obs.RateLimitHits.Inc()
		return nil, delay, nil
	}
	if rec != nil {
		obs.JobsActive.Inc()
		q.publish(EventActive, rec.ID, "")
	}
	return rec, 0, nil
}

func (q *Queue) decodeClaim(res interface{}) (*job.Record, time.Duration, error) {
	if res == nil {
		return nil, 0, nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, 0, fmt.Errorf("claim: unexpected reply %T", res)
	}
	code, _ := arr[0].(int64)
	if code == 0 {
		delayMs, _ := arr[1].(int64)
		return nil, time.Duration(delayMs) * time.Millisecond, nil
	}
	id, _ := arr[1].(string)
	rec, err := job.FromFlat(id, arr[2:])
	if err != nil {
		return nil, 0, err
	}
	return rec, 0, nil
}

// ExtendLock refreshes the lock TTL while the token still matches. A lost
// lock must abort processing.
func (q *Queue) ExtendLock(ctx context.Context, jobID, token string, duration time.Duration) error {
	res, err := q.run.Run(ctx, scripts.ExtendLock,
		[]string{q.keys.Lock(jobID)}, token, duration.Milliseconds())
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n != 1 {
		obs.LocksLost.Inc()
		return ErrLockLost
	}
	obs.LockRenewals.Inc()
	return nil
}

// MoveToFinished finalizes a job into completed or failed. When fetchNext is
// set and no rate limit is active, the next claim is fused into the same
// script call and returned.
func (q *Queue) MoveToFinished(ctx context.Context, jobID string, value string, target job.State, keep *job.KeepPolicy, token string, lockDuration time.Duration, fetchNext bool) (*job.Record, error) {
	var targetKey, propName, event string
	switch target {
	case job.StateCompleted:
		targetKey, propName, event = q.keys.Completed(), "returnvalue", EventCompleted
	case job.StateFailed:
		targetKey, propName, event = q.keys.Failed(), "failedReason", EventFailed
	default:
		return nil, fmt.Errorf("moveToFinished: bad target %q", target)
	}
	fetch := "0"
	if fetchNext {
		fetch = "1"
	}
	limMax, limDur, grouped := q.limiterArgs()
	res, err := q.run.Run(ctx, scripts.MoveToFinished,
		[]string{q.keys.Active(), targetKey, q.keys.Events(), q.keys.Wait(), q.keys.Priority(),
			q.keys.Stalled(), q.keys.Meta(), q.keys.Delayed(), q.keys.DelayMarker()},
		q.keys.Root(), jobID, nowMillis(), propName, value, event, token,
		keep.ScriptArg(), fetch, q.opts.MaxLenEvents, lockDuration.Milliseconds(),
		limMax, limDur, grouped)
	if err != nil {
		return nil, err
	}
	if n, ok := res.(int64); ok {
		if n < 0 {
			return nil, decodeCode(n)
		}
		q.finishBookkeeping(jobID, value, event)
		return nil, nil
	}
	q.finishBookkeeping(jobID, value, event)
	next, delay, err := q.decodeClaim(res)
	if err != nil {
		return nil, err
	}
	if delay > 0 || next == nil {
		return nil, nil
	}
	obs.JobsActive.Inc()
	q.publish(EventActive, next.ID, "")
	return next, nil
}

func (q *Queue) finishBookkeeping(jobID, value, event string) {
	obs.JobsActive.Dec()
	if event == EventCompleted {
		obs.JobsCompleted.Inc()
	} else {
		obs.JobsFailed.Inc()
	}
	q.publish(event, jobID, value)
}

// MoveToDelayed parks an active job until timestamp (ms since epoch).
func (q *Queue) MoveToDelayed(ctx context.Context, jobID string, timestamp int64, token string) error {
	res, err := q.run.Run(ctx, scripts.MoveToDelayed,
		[]string{q.keys.Active(), q.keys.Delayed(), q.keys.Events(), q.keys.DelayMarker()},
		q.keys.Root(), jobID, timestamp, token, q.opts.MaxLenEvents)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n < 0 {
		return decodeCode(n)
	}
	obs.JobsActive.Dec()
	q.publish(EventDelayed, jobID, strconv.FormatInt(timestamp, 10))
	return nil
}

// MoveToWaitingChildren parks an active parent until its dependencies drain.
// Returns false (and keeps the job active) when there is nothing to wait on.
func (q *Queue) MoveToWaitingChildren(ctx context.Context, jobID, token string) (bool, error) {
	res, err := q.run.Run(ctx, scripts.MoveToWaitingChildren,
		[]string{q.keys.Active(), q.keys.WaitingChildren(), q.keys.Events()},
		q.keys.Root(), jobID, token, q.opts.MaxLenEvents)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	if n < 0 {
		return false, decodeCode(n)
	}
	if n == 1 {
		obs.JobsActive.Dec()
		q.publish(EventWaitingChildren, jobID, "")
		return true, nil
	}
	return false, nil
}

// Promote moves one delayed job to the ready side now.
func (q *Queue) Promote(ctx context.Context, jobID string) error {
	res, err := q.run.Run(ctx, scripts.Promote,
		[]string{q.keys.Delayed(), q.keys.Wait(), q.keys.Paused(), q.keys.Meta(),
			q.keys.Priority(), q.keys.Events(), q.keys.PriorityCounter()},
		q.keys.Root(), jobID, q.opts.MaxLenEvents)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n < 0 {
		return decodeCode(n)
	}
	obs.JobsPromoted.Inc()
	q.publish(EventWaiting, jobID, "")
	return nil
}

// UpdateDelaySet promotes up to 1000 delayed jobs due at or before now and
// returns the timestamp (ms) the next entry is due at, or zero when the
// delayed set is empty.
func (q *Queue) UpdateDelaySet(ctx context.Context, now int64) (int64, error) {
	res, err := q.run.Run(ctx, scripts.UpdateDelaySet,
		[]string{q.keys.Delayed(), q.keys.Wait(), q.keys.Paused(), q.keys.Meta(),
			q.keys.Priority(), q.keys.Events(), q.keys.PriorityCounter()},
		q.keys.Root(), now, q.opts.MaxLenEvents, 1000)
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return 0, nil // -1: delayed set empty
	case string:
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("updateDelaySet: bad score %q", v)
		}
		return int64(score) / 4096, nil
	default:
		return 0, fmt.Errorf("updateDelaySet: unexpected reply %T", res)
	}
}

// Pause swaps wait into paused and flags the queue; in-flight blocking pops
// keep draining the renamed-away list, new arrivals land in paused.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume swaps paused back into wait and clears the flag.
func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, paused bool) error {
	src, dst, flag, event := q.keys.Wait(), q.keys.Paused(), "1", EventPaused
	if !paused {
		src, dst, flag, event = q.keys.Paused(), q.keys.Wait(), "0", EventResumed
	}
	_, err := q.run.Run(ctx, scripts.Pause,
		[]string{src, dst, q.keys.Meta(), q.keys.Events()}, flag, q.opts.MaxLenEvents)
	if err != nil {
		return err
	}
	q.publish(event, "", "")
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.HExists(ctx, q.keys.Meta(), "paused").Result()
	if err != nil {
		return false, err
	}
	return n, nil
}

// Remove deletes a job and its children everywhere. Refuses while locked.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	res, err := q.run.Run(ctx, scripts.RemoveJob,
		[]string{q.keys.Events()}, q.keys.Root(), jobID, q.opts.MaxLenEvents)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == -1 {
		return ErrJobLocked
	}
	q.publish(EventRemoved, jobID, "")
	return nil
}

// Clean removes up to limit jobs older than grace from one container and
// returns their ids.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int64, state job.State) ([]string, error) {
	var setKey, setName string
	switch state {
	case job.StateCompleted:
		setKey, setName = q.keys.Completed(), "completed"
	case job.StateFailed:
		setKey, setName = q.keys.Failed(), "failed"
	case job.StateDelayed:
		setKey, setName = q.keys.Delayed(), "delayed"
	case job.StateWaiting:
		setKey, setName = q.keys.Wait(), "wait"
	case job.StatePaused:
		setKey, setName = q.keys.Paused(), "paused"
	case job.StateActive:
		setKey, setName = q.keys.Active(), "active"
	default:
		return nil, fmt.Errorf("clean: bad state %q", state)
	}
	cutoff := nowMillis() - grace.Milliseconds()
	res, err := q.run.Run(ctx, scripts.CleanJobsInSet,
		[]string{setKey, q.keys.Events(), q.keys.Priority()},
		q.keys.Root(), setName, cutoff, limit, q.opts.MaxLenEvents)
	if err != nil {
		return nil, err
	}
	arr, _ := res.([]interface{})
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Drain atomically clears the ready side, and the delayed set when asked.
func (q *Queue) Drain(ctx context.Context, includeDelayed bool) (int64, error) {
	flag := "0"
	if includeDelayed {
		flag = "1"
	}
	res, err := q.run.Run(ctx, scripts.Drain,
		[]string{q.keys.Wait(), q.keys.Paused(), q.keys.Priority(), q.keys.Delayed(), q.keys.Events()},
		q.keys.Root(), flag, q.opts.MaxLenEvents)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	q.publish(EventDrained, "", strconv.FormatInt(n, 10))
	return n, nil
}

// Obliterate destroys the queue in chunks of count keys per call, looping
// until the namespace is empty. The queue must be paused; force overrides
// the active-jobs refusal.
func (q *Queue) Obliterate(ctx context.Context, force bool, count int64) error {
	f := "0"
	if force {
		f = "1"
	}
	for {
		res, err := q.run.Run(ctx, scripts.Obliterate,
			[]string{q.keys.Meta(), q.keys.Active()}, q.keys.Root(), count, f)
		if err != nil {
			return err
		}
		n, _ := res.(int64)
		switch {
		case n == -1:
			return ErrQueueNotPaused
		case n == -2:
			return ErrHasActiveJobs
		case n == 0:
			return nil
		}
	}
}

// Reprocess moves a completed or failed job back to the ready side.
func (q *Queue) Reprocess(ctx context.Context, jobID string, from job.State, lifo bool) error {
	var srcKey, prop string
	switch from {
	case job.StateCompleted:
		srcKey, prop = q.keys.Completed(), "returnvalue"
	case job.StateFailed:
		srcKey, prop = q.keys.Failed(), "failedReason"
	default:
		return fmt.Errorf("reprocess: bad source state %q", from)
	}
	l := "0"
	if lifo {
		l = "1"
	}
	res, err := q.run.Run(ctx, scripts.ReprocessJob,
		[]string{srcKey, q.keys.Wait(), q.keys.Paused(), q.keys.Meta(), q.keys.Events()},
		q.keys.Root(), jobID, l, prop, q.opts.MaxLenEvents)
	if err != nil {
		return err
	}
	switch n, _ := res.(int64); n {
	case 1:
		q.publish(EventWaiting, jobID, "")
		return nil
	case 0:
		return ErrMissingJob
	case -1:
		return ErrJobLocked
	default:
		return ErrWrongState
	}
}

// MoveStalledJobsToWait sweeps active for expired locks; recovered ids go
// back to the ready side, over-budget ids fail terminally.
func (q *Queue) MoveStalledJobsToWait(ctx context.Context, maxStalledCount int) (recovered, failed []string, err error) {
	res, err := q.run.Run(ctx, scripts.MoveStalledJobs,
		[]string{q.keys.Active(), q.keys.Stalled(), q.keys.Wait(), q.keys.Paused(),
			q.keys.Meta(), q.keys.Failed(), q.keys.Events(), q.keys.Priority(),
			q.keys.PriorityCounter()},
		q.keys.Root(), maxStalledCount, nowMillis(), q.opts.MaxLenEvents)
	if err != nil {
		return nil, nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, nil, fmt.Errorf("stalled sweep: unexpected reply %T", res)
	}
	recovered = toStrings(arr[0])
	failed = toStrings(arr[1])
	for _, id := range recovered {
		obs.JobsStalled.Inc()
		q.publish(EventStalled, id, "")
	}
	for _, id := range failed {
		obs.JobsFailed.Inc()
		q.publish(EventFailed, id, "job stalled more than allowable limit")
	}
	return recovered, failed, nil
}

func toStrings(v interface{}) []string {
	arr, _ := v.([]interface{})
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetJob loads one job hash.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.Job(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrMissingJob
	}
	return job.FromHash(jobID, fields)
}

// GetState reports which container currently holds the id.
func (q *Queue) GetState(ctx context.Context, jobID string) (job.State, error) {
	res, err := q.run.Run(ctx, scripts.GetState,
		[]string{q.keys.Completed(), q.keys.Failed(), q.keys.Delayed(), q.keys.Active(),
			q.keys.Wait(), q.keys.Paused(), q.keys.WaitingChildren()}, jobID)
	if err != nil {
		return job.StateUnknown, err
	}
	s, _ := res.(string)
	if s == "" {
		s = string(job.StateUnknown)
	}
	return job.State(s), nil
}

// GetJobs pages job records out of the named states. Delayed, completed and
// failed are ordered by score, lowest first when asc; wait, paused and
// active are read from the list head and waiting-children in set order,
// ignoring asc (waiting-children also ignores start and end).
func (q *Queue) GetJobs(ctx context.Context, states []job.State, start, end int64, asc bool) ([]*job.Record, error) {
	var ids []string
	for _, s := range states {
		part, err := q.idsInState(ctx, s, start, end, asc)
		if err != nil {
			return nil, err
		}
		ids = append(ids, part...)
	}
	out := make([]*job.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := q.GetJob(ctx, id)
		if err == ErrMissingJob {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Queue) idsInState(ctx context.Context, s job.State, start, end int64, asc bool) ([]string, error) {
	switch s {
	case job.StateWaiting:
		return q.rdb.LRange(ctx, q.keys.Wait(), start, end).Result()
	case job.StatePaused:
		return q.rdb.LRange(ctx, q.keys.Paused(), start, end).Result()
	case job.StateActive:
		return q.rdb.LRange(ctx, q.keys.Active(), start, end).Result()
	case job.StateWaitingChildren:
		return q.rdb.SMembers(ctx, q.keys.WaitingChildren()).Result()
	case job.StateDelayed:
		return q.zrange(ctx, q.keys.Delayed(), start, end, asc)
	case job.StateCompleted:
		return q.zrange(ctx, q.keys.Completed(), start, end, asc)
	case job.StateFailed:
		return q.zrange(ctx, q.keys.Failed(), start, end, asc)
	default:
		return nil, fmt.Errorf("getJobs: bad state %q", s)
	}
}

func (q *Queue) zrange(ctx context.Context, key string, start, end int64, asc bool) ([]string, error) {
	if asc {
		return q.rdb.ZRange(ctx, key, start, end).Result()
	}
	return q.rdb.ZRevRange(ctx, key, start, end).Result()
}

// GetJobCounts returns the population of each requested state. With no
// states given, every state is counted.
func (q *Queue) GetJobCounts(ctx context.Context, states ...job.State) (map[job.State]int64, error) {
	if len(states) == 0 {
		states = []job.State{job.StateWaiting, job.StatePaused, job.StateActive,
			job.StateDelayed, job.StateCompleted, job.StateFailed, job.StateWaitingChildren}
	}
	pipe := q.rdb.Pipeline()
	cmds := make(map[job.State]*redis.IntCmd, len(states))
	for _, s := range states {
		switch s {
		case job.StateWaiting:
			cmds[s] = pipe.LLen(ctx, q.keys.Wait())
		case job.StatePaused:
			cmds[s] = pipe.LLen(ctx, q.keys.Paused())
		case job.StateActive:
			cmds[s] = pipe.LLen(ctx, q.keys.Active())
		case job.StateDelayed:
			cmds[s] = pipe.ZCard(ctx, q.keys.Delayed())
		case job.StateCompleted:
			cmds[s] = pipe.ZCard(ctx, q.keys.Completed())
		case job.StateFailed:
			cmds[s] = pipe.ZCard(ctx, q.keys.Failed())
		case job.StateWaitingChildren:
			cmds[s] = pipe.SCard(ctx, q.keys.WaitingChildren())
		default:
			return nil, fmt.Errorf("getJobCounts: bad state %q", s)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[job.State]int64, len(cmds))
	for s, c := range cmds {
		out[s] = c.Val()
		obs.StateDepth.WithLabelValues(string(s)).Set(float64(c.Val()))
	}
	return out, nil
}

// TrimEvents caps the events stream to approximately max entries.
func (q *Queue) TrimEvents(ctx context.Context, max int64) (int64, error) {
	return q.rdb.XTrimMaxLenApprox(ctx, q.keys.Events(), max, 0).Result()
}

// UpdateProgress writes opaque progress onto the job hash and publishes it.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress []byte) error {
	if err := q.rdb.HSet(ctx, q.keys.Job(jobID), "progress", string(progress)).Err(); err != nil {
		return err
	}
	q.publish(EventProgress, jobID, string(progress))
	return nil
}
