// Copyright 2025 James Ross
package scripts

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Script names used by the queue layer.
const (
	AddJob                = "addJob"
	MoveToActive          = "moveToActive"
	ExtendLock            = "extendLock"
	MoveToFinished        = "moveToFinished"
	MoveToDelayed         = "moveToDelayed"
	MoveToWaitingChildren = "moveToWaitingChildren"
	Promote               = "promote"
	UpdateDelaySet        = "updateDelaySet"
	Pause                 = "pause"
	RemoveJob             = "removeJob"
	CleanJobsInSet        = "cleanJobsInSet"
	Obliterate            = "obliterate"
	ReprocessJob          = "reprocessJob"
	Drain                 = "drain"
	GetState              = "getState"
	MoveStalledJobs       = "moveStalledJobsToWait"
)

// lposMinVersion is the first server version shipping LPOS.
const lposMinVersion = "6.0.6"

// Runner loads the named atomic scripts once, selecting legacy variants for
// servers predating LPOS, and invokes them via EVALSHA with EVAL fallback.
type Runner struct {
	rdb     redis.UniversalClient
	log     *zap.Logger
	scripts map[string]*redis.Script
}

// NewRunner builds the registry for the given server version. The version
// gate is applied here, at load time, never per call.
func NewRunner(rdb redis.UniversalClient, serverVersion string, log *zap.Logger) *Runner {
	inList := isJobInListLegacy
	if CompareVersions(serverVersion, lposMinVersion) >= 0 {
		inList = isJobInListLPOS
	}
	reg := map[string]*redis.Script{
		AddJob:                redis.NewScript(helpers + addJobSrc),
		MoveToActive:          redis.NewScript(helpers + inList + claimChunk + moveToActiveSrc),
		ExtendLock:            redis.NewScript(extendLockSrc),
		MoveToFinished:        redis.NewScript(helpers + claimChunk + moveToFinishedSrc),
		MoveToDelayed:         redis.NewScript(helpers + moveToDelayedSrc),
		MoveToWaitingChildren: redis.NewScript(helpers + moveToWaitingChildrenSrc),
		Promote:               redis.NewScript(helpers + promoteSrc),
		UpdateDelaySet:        redis.NewScript(helpers + updateDelaySetSrc),
		Pause:                 redis.NewScript(helpers + pauseSrc),
		RemoveJob:             redis.NewScript(helpers + removeJobSrc),
		CleanJobsInSet:        redis.NewScript(cleanJobsInSetSrc),
		Obliterate:            redis.NewScript(obliterateSrc),
		ReprocessJob:          redis.NewScript(helpers + inList + reprocessJobSrc),
		Drain:                 redis.NewScript(drainSrc),
		GetState:              redis.NewScript(inList + getStateSrc),
		MoveStalledJobs:       redis.NewScript(helpers + moveStalledJobsToWaitSrc),
	}
	return &Runner{rdb: rdb, log: log, scripts: reg}
}

// Run invokes a named script. redis.Nil is normalized to (nil, nil): for
// these scripts a nil reply means "nothing to do", not an error. Negative
// integer replies are returned untouched for the queue layer to decode.
func (r *Runner) Run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	script, ok := r.scripts[name]
	if !ok {
		panic("scripts: unknown script " + name)
	}
	start := time.Now()
	res, err := script.Run(ctx, r.rdb, keys, args...).Result()
	obs.ScriptDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		r.log.Debug("script error", obs.String("script", name), obs.Err(err))
		return nil, err
	}
	return res, nil
}

// CompareVersions orders dotted numeric versions: -1, 0, 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimSpace(a), ".")
	bs := strings.Split(strings.TrimSpace(b), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimFunc(as[i], func(r rune) bool { return r < '0' || r > '9' }))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimFunc(bs[i], func(r rune) bool { return r < '0' || r > '9' }))
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
