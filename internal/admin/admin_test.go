// Copyright 2025 James Ross
package admin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"github.com/flyingrobots/go-redis-job-queue/internal/scripts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAdminTest(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	run := scripts.NewRunner(rdb, "7.2.0", zap.NewNop())
	q, err := queue.New(context.Background(), "test", rdb, run, zap.NewNop(), queue.Options{})
	require.NoError(t, err)
	return q
}

func TestStats(t *testing.T) {
	q := setupAdminTest(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "a", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", []byte(`{}`), &job.Options{Delay: 60_000})
	require.NoError(t, err)

	res, err := Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "test", res.Queue)
	assert.Equal(t, int64(1), res.Counts["waiting"])
	assert.Equal(t, int64(1), res.Counts["delayed"])
	assert.False(t, res.Paused)
}

func TestPeek(t *testing.T) {
	q := setupAdminTest(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "a", []byte(`{"k":1}`), nil)
	require.NoError(t, err)

	res, err := Peek(ctx, q, job.StateWaiting, 5)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Contains(t, res.Jobs[0], `"name":"a"`)
}

func TestCleanAndDrainAudit(t *testing.T) {
	q := setupAdminTest(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	a := NewAudit(path, 1, 1)
	defer a.Close()

	_, err := q.Add(ctx, "a", []byte(`{}`), nil)
	require.NoError(t, err)
	n, err := Drain(ctx, q, a, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"op":"drain"`)
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
}

func TestNilAuditIsSafe(t *testing.T) {
	var a *Audit
	a.Record(context.Background(), "drain", "q", nil)
	assert.NoError(t, a.Close())
}

func TestObliterateRequiresPause(t *testing.T) {
	q := setupAdminTest(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "a", []byte(`{}`), nil)
	require.NoError(t, err)
	err = Obliterate(ctx, q, nil, false, 10)
	assert.ErrorIs(t, err, queue.ErrQueueNotPaused)

	require.NoError(t, q.Pause(ctx))
	require.NoError(t, Obliterate(ctx, q, nil, false, 10))
}

func TestBenchTimesOutWithoutWorkers(t *testing.T) {
	q := setupAdminTest(t)
	_, err := Bench(context.Background(), q, 3, 1000, 16, 200*time.Millisecond)
	assert.Error(t, err)
}
