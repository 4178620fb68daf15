// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/admin"
	"github.com/flyingrobots/go-redis-job-queue/internal/config"
	"github.com/flyingrobots/go-redis-job-queue/internal/job"
	"github.com/flyingrobots/go-redis-job-queue/internal/limiter"
	"github.com/flyingrobots/go-redis-job-queue/internal/obs"
	"github.com/flyingrobots/go-redis-job-queue/internal/queue"
	"github.com/flyingrobots/go-redis-job-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-job-queue/internal/scheduler"
	"github.com/flyingrobots/go-redis-job-queue/internal/scripts"
	"github.com/flyingrobots/go-redis-job-queue/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminState string
	var adminN int
	var adminForce bool
	var adminGrace time.Duration
	var includeDelayed bool
	var benchCount int
	var benchRate int
	var benchTimeout time.Duration
	var benchPayloadSize int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|clean|drain|obliterate|pause|resume|bench")
	fs.StringVar(&adminState, "state", "completed", "State set for admin peek/clean")
	fs.IntVar(&adminN, "n", 10, "Item count for admin peek, clean limit")
	fs.BoolVar(&adminForce, "force", false, "Force obliterate past active jobs")
	fs.DurationVar(&adminGrace, "grace", time.Hour, "Admin clean: age cutoff")
	fs.BoolVar(&includeDelayed, "include-delayed", false, "Admin drain: also clear delayed")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: completion timeout")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 1024, "Admin bench: payload size in bytes")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ver, err := redisclient.ServerVersion(ctx, rdb)
	if err != nil {
		logger.Fatal("server version probe failed", obs.Err(err))
	}
	runner := scripts.NewRunner(rdb, ver, logger)

	var lim *limiter.Config
	if cfg.Limiter.Enabled() {
		lim = &limiter.Config{
			Max:          cfg.Limiter.Max,
			Duration:     cfg.Limiter.Duration,
			GroupKeyPath: cfg.Limiter.GroupKeyPath,
		}
	}
	q, err := queue.New(ctx, cfg.Queue.Name, rdb, runner, logger, queue.Options{
		Prefix:       cfg.Queue.Prefix,
		MaxLenEvents: cfg.Queue.MaxLenEvents,
		Limiter:      lim,
	})
	if err != nil {
		logger.Fatal("queue init failed", obs.Err(err))
	}

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			return rdb.Ping(c).Err()
		}
		httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "worker":
		blocking := redisclient.NewBlocking(cfg)
		defer blocking.Close()
		w := worker.New(cfg, q, blocking, logger, defaultProcessor(logger))
		if err := w.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "scheduler":
		blocking := redisclient.NewBlocking(cfg)
		defer blocking.Close()
		s := scheduler.New(cfg, q, blocking, logger)
		s.Run(ctx)
	case "all":
		wBlocking := redisclient.NewBlocking(cfg)
		defer wBlocking.Close()
		sBlocking := redisclient.NewBlocking(cfg)
		defer sBlocking.Close()
		s := scheduler.New(cfg, q, sBlocking, logger)
		go s.Run(ctx)
		w := worker.New(cfg, q, wBlocking, logger, defaultProcessor(logger))
		if err := w.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "admin":
		if err := runAdmin(ctx, cfg, q, adminCmd, adminState, adminN, adminForce, adminGrace,
			includeDelayed, benchCount, benchRate, benchPayloadSize, benchTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "admin error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(2)
	}
}

// defaultProcessor acknowledges every job; real deployments supply their
// own handler via the worker API.
func defaultProcessor(logger *zap.Logger) worker.Processor {
	return func(ctx context.Context, j *job.Record) ([]byte, error) {
		logger.Debug("processing job", obs.String("id", j.ID), obs.String("name", j.Name))
		return []byte(`"ok"`), nil
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, q *queue.Queue, cmd, state string, n int, force bool,
	grace time.Duration, includeDelayed bool, benchCount, benchRate, benchPayloadSize int, benchTimeout time.Duration) error {
	audit := admin.NewAudit(cfg.Admin.AuditLogPath, cfg.Admin.AuditMaxSizeMB, cfg.Admin.AuditMaxFiles)
	defer audit.Close()
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, q)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "peek":
		res, err := admin.Peek(ctx, q, job.State(state), int64(n))
		if err != nil {
			return err
		}
		return printJSON(res)
	case "clean":
		ids, err := admin.Clean(ctx, q, audit, grace, int64(n), job.State(state))
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"removed": ids})
	case "drain":
		removed, err := admin.Drain(ctx, q, audit, includeDelayed)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"removed": removed})
	case "obliterate":
		return admin.Obliterate(ctx, q, audit, force, 1000)
	case "pause":
		return q.Pause(ctx)
	case "resume":
		return q.Resume(ctx)
	case "bench":
		res, err := admin.Bench(ctx, q, benchCount, benchRate, benchPayloadSize, benchTimeout)
		if err != nil {
			return err
		}
		return printJSON(res)
	default:
		return fmt.Errorf("unknown admin command %q", cmd)
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
