// Copyright 2025 James Ross
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors decoded from script return codes. Transition errors
// surface to the caller verbatim; they are never retried internally.
var (
	// ErrMissingJob: the job key does not exist (-1).
	ErrMissingJob = errors.New("job key missing")
	// ErrMissingLock: the lock is gone or held under another token (-2).
	ErrMissingLock = errors.New("job lock missing or held by another token")
	// ErrWrongState: the id is not in the container the transition expects (-3).
	ErrWrongState = errors.New("job is not in the expected state")
	// ErrPendingDependencies: completion attempted with unfinished children (-4).
	ErrPendingDependencies = errors.New("job has pending dependencies")
	// ErrLockLost: extendLock found a stale token; processing must abort.
	ErrLockLost = errors.New("job lock lost")
	// ErrJobLocked: remove/reprocess refused while a worker holds the job.
	ErrJobLocked = errors.New("job is locked by a worker")
	// ErrQueueNotPaused: obliterate requires a paused queue.
	ErrQueueNotPaused = errors.New("queue is not paused")
	// ErrHasActiveJobs: obliterate without force while jobs are active.
	ErrHasActiveJobs = errors.New("queue has active jobs")
)

// RateLimitedError describes flow control, not failure: the wait until the
// next limiter token. Queue.MoveToActive does not return it; a gated claim
// comes back as a non-zero delay with a nil error.
type RateLimitedError struct {
	Delay time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s", e.Delay)
}

// decodeCode maps the shared script error codes.
func decodeCode(n int64) error {
	switch n {
	case -1:
		return ErrMissingJob
	case -2:
		return ErrMissingLock
	case -3:
		return ErrWrongState
	case -4:
		return ErrPendingDependencies
	default:
		return fmt.Errorf("unexpected script reply %d", n)
	}
}
