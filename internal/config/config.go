// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Queue struct {
	Prefix       string `mapstructure:"prefix"`
	Name         string `mapstructure:"name"`
	MaxLenEvents int64  `mapstructure:"max_len_events"`
}

type Limiter struct {
	Max      int64         `mapstructure:"max"`
	Duration time.Duration `mapstructure:"duration"`
	// GroupKeyPath is a JSONPath into the job payload; when set, limiter
	// accounting is per extracted group instead of per queue.
	GroupKeyPath string `mapstructure:"group_key_path"`
}

func (l Limiter) Enabled() bool { return l.Max > 0 && l.Duration > 0 }

type Backoff struct {
	Type  string        `mapstructure:"type"`
	Delay time.Duration `mapstructure:"delay"`
}

type Worker struct {
	Concurrency   int           `mapstructure:"concurrency"`
	LockDuration  time.Duration `mapstructure:"lock_duration"`
	LockRenewTime time.Duration `mapstructure:"lock_renew_time"`
	DrainDelay    time.Duration `mapstructure:"drain_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       Backoff       `mapstructure:"backoff"`
}

type Scheduler struct {
	StalledInterval   time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount   int           `mapstructure:"max_stalled_count"`
	DelayPollInterval time.Duration `mapstructure:"delay_poll_interval"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type Admin struct {
	AuditLogPath   string `mapstructure:"audit_log_path"`
	AuditMaxSizeMB int    `mapstructure:"audit_max_size_mb"`
	AuditMaxFiles  int    `mapstructure:"audit_max_files"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Queue         Queue         `mapstructure:"queue"`
	Worker        Worker        `mapstructure:"worker"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Limiter       Limiter       `mapstructure:"limiter"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Admin         Admin         `mapstructure:"admin"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Prefix:       "bull",
			Name:         "default",
			MaxLenEvents: 10000,
		},
		Worker: Worker{
			Concurrency:   16,
			LockDuration:  30 * time.Second,
			LockRenewTime: 15 * time.Second,
			DrainDelay:    5 * time.Second,
			MaxAttempts:   3,
			Backoff:       Backoff{Type: "exponential", Delay: 500 * time.Millisecond},
		},
		Scheduler: Scheduler{
			StalledInterval:   15 * time.Second,
			MaxStalledCount:   1,
			DelayPollInterval: 5 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Admin: Admin{
			AuditLogPath:   "",
			AuditMaxSizeMB: 10,
			AuditMaxFiles:  5,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from YAML file and env overrides. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.prefix", def.Queue.Prefix)
	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.max_len_events", def.Queue.MaxLenEvents)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.lock_duration", def.Worker.LockDuration)
	v.SetDefault("worker.lock_renew_time", def.Worker.LockRenewTime)
	v.SetDefault("worker.drain_delay", def.Worker.DrainDelay)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.backoff.type", def.Worker.Backoff.Type)
	v.SetDefault("worker.backoff.delay", def.Worker.Backoff.Delay)

	v.SetDefault("scheduler.stalled_interval", def.Scheduler.StalledInterval)
	v.SetDefault("scheduler.max_stalled_count", def.Scheduler.MaxStalledCount)
	v.SetDefault("scheduler.delay_poll_interval", def.Scheduler.DelayPollInterval)

	v.SetDefault("limiter.max", 0)
	v.SetDefault("limiter.duration", time.Duration(0))
	v.SetDefault("limiter.group_key_path", "")

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)

	v.SetDefault("admin.audit_log_path", def.Admin.AuditLogPath)
	v.SetDefault("admin.audit_max_size_mb", def.Admin.AuditMaxSizeMB)
	v.SetDefault("admin.audit_max_files", def.Admin.AuditMaxFiles)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name must not be empty")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.LockDuration <= 0 {
		return fmt.Errorf("worker.lock_duration must be > 0")
	}
	if c.Worker.LockRenewTime >= c.Worker.LockDuration {
		return fmt.Errorf("worker.lock_renew_time must be < worker.lock_duration")
	}
	if c.Scheduler.StalledInterval > c.Worker.LockDuration/2 {
		return fmt.Errorf("scheduler.stalled_interval should be <= half of worker.lock_duration")
	}
	if c.Limiter.Max < 0 {
		return fmt.Errorf("limiter.max must be >= 0")
	}
	return nil
}
