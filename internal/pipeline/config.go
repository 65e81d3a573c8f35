package pipeline

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-render/internal/cache"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/dispatch"
	"github.com/loqalabs/loqa-render/internal/policy"
)

// Config is the per-job configuration. Zero durations disable the
// corresponding timeout.
type Config struct {
	MaxUnitSize   int
	Concurrency   int
	CacheTTL      time.Duration
	MaxCacheItems int
	UnitTimeout   time.Duration
	JobTimeout    time.Duration
	FailureMode   policy.Mode
	FailFast      bool
	Retries       int
	RetryBackoff  time.Duration
	Drain         bool
}

// ConfigFrom converts the pipeline section of the runtime config.
func ConfigFrom(c config.PipelineConfig) (Config, error) {
	mode, err := policy.ParseMode(c.FailureMode)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		MaxUnitSize:   c.MaxUnitSize,
		Concurrency:   c.Concurrency,
		CacheTTL:      time.Duration(c.CacheTTLSeconds) * time.Second,
		MaxCacheItems: c.MaxCacheItems,
		UnitTimeout:   time.Duration(c.UnitTimeoutMS) * time.Millisecond,
		JobTimeout:    time.Duration(c.JobTimeoutMS) * time.Millisecond,
		FailureMode:   mode,
		FailFast:      c.FailFast,
		Retries:       c.Retries,
		RetryBackoff:  time.Duration(c.RetryBackoffMS) * time.Millisecond,
		Drain:         c.Drain,
	}
	if !c.CacheEnabled {
		cfg.MaxCacheItems = 0
	}
	return cfg, nil
}

// NewCache builds the process-wide cache described by cfg. A disabled cache
// misses on every lookup.
func NewCache(cfg Config) *cache.Cache {
	return cache.New(cache.Config{TTL: cfg.CacheTTL, MaxItems: cfg.MaxCacheItems})
}

func (c Config) dispatchOptions(limiter *rate.Limiter) dispatch.Options {
	return dispatch.Options{
		Concurrency:  c.Concurrency,
		UnitTimeout:  c.UnitTimeout,
		JobTimeout:   c.JobTimeout,
		FailFast:     c.FailFast,
		Retries:      c.Retries,
		RetryBackoff: c.RetryBackoff,
		Drain:        c.Drain,
		CacheTTL:     c.CacheTTL,
		Limiter:      limiter,
	}
}
