// Package config resolves runtime settings from flags, environment
// variables and the optional .fetchq.yaml config file.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/fetchq/fetchq/internal/cache"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/internal/task"
)

// Config is the full runtime configuration of the service.
type Config struct {
	ListenAddr string
	DataDir    string
	ObjectDir  string
	RedisAddr  string

	Queue Queue
	Cache Cache
	Task  Task
	Quota Quota

	Blocklist []string
}

type Queue struct {
	Workers         int
	PerUser         int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DefaultEstimate int64
}

type Cache struct {
	L1Size           int
	BaseTTL          time.Duration
	PopularFactor    int
	PopularThreshold int64
	SweepInterval    time.Duration
}

type Task struct {
	MaxDuration      time.Duration
	WatchdogInterval time.Duration
}

type Quota struct {
	FreeLimitBytes    int64
	PremiumLimitBytes int64
	Period            time.Duration

	// TiersFile optionally overrides the limits above with a YAML file
	// defining arbitrary tiers.
	TiersFile string
}

// SetDefaults registers every setting's default with viper. Call before
// viper reads the config file so file values override them.
func SetDefaults() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("object_dir", "./data/objects")
	viper.SetDefault("redis_addr", "")

	viper.SetDefault("queue.workers", 8)
	viper.SetDefault("queue.per_user", 2)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.base_backoff", 2*time.Second)
	viper.SetDefault("queue.max_backoff", 30*time.Second)
	viper.SetDefault("queue.default_estimate", int64(50<<20))

	viper.SetDefault("cache.l1_size", 1024)
	viper.SetDefault("cache.base_ttl", 24*time.Hour)
	viper.SetDefault("cache.popular_factor", 7)
	viper.SetDefault("cache.popular_threshold", int64(10))
	viper.SetDefault("cache.sweep_interval", time.Hour)

	viper.SetDefault("task.max_duration", 10*time.Minute)
	viper.SetDefault("task.watchdog_interval", 15*time.Second)

	viper.SetDefault("quota.free_limit_bytes", int64(1<<30))
	viper.SetDefault("quota.premium_limit_bytes", int64(10<<30))
	viper.SetDefault("quota.period", 24*time.Hour)
	viper.SetDefault("quota.tiers_file", "")

	viper.SetDefault("blocklist", []string{})
}

// Load builds a Config from the current viper state.
func Load() Config {
	return Config{
		ListenAddr: viper.GetString("listen_addr"),
		DataDir:    viper.GetString("data_dir"),
		ObjectDir:  viper.GetString("object_dir"),
		RedisAddr:  viper.GetString("redis_addr"),
		Queue: Queue{
			Workers:         viper.GetInt("queue.workers"),
			PerUser:         viper.GetInt("queue.per_user"),
			MaxAttempts:     viper.GetInt("queue.max_attempts"),
			BaseBackoff:     viper.GetDuration("queue.base_backoff"),
			MaxBackoff:      viper.GetDuration("queue.max_backoff"),
			DefaultEstimate: viper.GetInt64("queue.default_estimate"),
		},
		Cache: Cache{
			L1Size:           viper.GetInt("cache.l1_size"),
			BaseTTL:          viper.GetDuration("cache.base_ttl"),
			PopularFactor:    viper.GetInt("cache.popular_factor"),
			PopularThreshold: viper.GetInt64("cache.popular_threshold"),
			SweepInterval:    viper.GetDuration("cache.sweep_interval"),
		},
		Task: Task{
			MaxDuration:      viper.GetDuration("task.max_duration"),
			WatchdogInterval: viper.GetDuration("task.watchdog_interval"),
		},
		Quota: Quota{
			FreeLimitBytes:    viper.GetInt64("quota.free_limit_bytes"),
			PremiumLimitBytes: viper.GetInt64("quota.premium_limit_bytes"),
			Period:            viper.GetDuration("quota.period"),
			TiersFile:         viper.GetString("quota.tiers_file"),
		},
		Blocklist: viper.GetStringSlice("blocklist"),
	}
}

// QueueConfig converts the queue section to its package config.
func (c Config) QueueConfig() queue.Config {
	return queue.Config{
		Workers:         c.Queue.Workers,
		PerUser:         c.Queue.PerUser,
		MaxAttempts:     c.Queue.MaxAttempts,
		BaseBackoff:     c.Queue.BaseBackoff,
		MaxBackoff:      c.Queue.MaxBackoff,
		DefaultEstimate: c.Queue.DefaultEstimate,
	}
}

// CacheConfig converts the cache section to its package config.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		L1Size:           c.Cache.L1Size,
		BaseTTL:          c.Cache.BaseTTL,
		PopularFactor:    c.Cache.PopularFactor,
		PopularThreshold: c.Cache.PopularThreshold,
		SweepInterval:    c.Cache.SweepInterval,
	}
}

// TaskConfig converts the task section to its package config.
func (c Config) TaskConfig() task.Config {
	return task.Config{
		MaxTaskDuration:  c.Task.MaxDuration,
		WatchdogInterval: c.Task.WatchdogInterval,
	}
}

// QuotaTiers converts the quota section to ledger tiers, loading the tiers
// file when one is configured.
func (c Config) QuotaTiers() (quota.Tiers, error) {
	if c.Quota.TiersFile != "" {
		return quota.LoadTiers(c.Quota.TiersFile)
	}
	return quota.Tiers{
		request.TierFree:    {LimitBytes: c.Quota.FreeLimitBytes, Period: c.Quota.Period},
		request.TierPremium: {LimitBytes: c.Quota.PremiumLimitBytes, Period: c.Quota.Period},
	}, nil
}
