package v3dv

import (
	"bytes"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/v3dv/internal/bo"
	"github.com/gogpu/v3dv/internal/query"
)

// Default configuration values.
const (
	// DefaultPollInterval is how often a wait goroutine rechecks its events
	// when no state change woke it.
	DefaultPollInterval = time.Millisecond

	// DefaultMaxWaitThreads caps the wait goroutines of one Submit call.
	DefaultMaxWaitThreads = 16
)

// Config holds device configuration.
type Config struct {
	// AlwaysFlush ends the render job after every draw call. Debug only.
	AlwaysFlush bool

	// PollInterval is the event poll fallback of wait goroutines.
	// Defaults to DefaultPollInterval if <= 0.
	PollInterval time.Duration

	// QueryTimeout bounds the wait for a query to become available.
	// Defaults to query.DefaultTimeout if <= 0.
	QueryTimeout time.Duration

	// MaxWaitThreads caps the wait goroutines one Submit call may start.
	// Zero means unlimited; negative values select DefaultMaxWaitThreads.
	MaxWaitThreads int

	// BOCache configures the block reuse cache.
	BOCache bo.CacheConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   DefaultPollInterval,
		QueryTimeout:   query.DefaultTimeout,
		MaxWaitThreads: DefaultMaxWaitThreads,
		BOCache: bo.CacheConfig{
			MaxMB:     bo.DefaultCacheMaxMB,
			CacheTime: bo.DefaultCacheTime,
		},
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = query.DefaultTimeout
	}
	if c.MaxWaitThreads < 0 {
		c.MaxWaitThreads = DefaultMaxWaitThreads
	}
	return c
}

// fileConfig is the TOML layout. Pointers tell absent keys from zero.
type fileConfig struct {
	AlwaysFlush    *bool  `toml:"always_flush"`
	PollIntervalUS *int64 `toml:"poll_interval_us"`
	QueryTimeoutMS *int64 `toml:"query_timeout_ms"`
	MaxWaitThreads *int   `toml:"max_wait_threads"`

	BOCache struct {
		MaxMB       *int   `toml:"max_mb"`
		CacheTimeMS *int64 `toml:"cache_time_ms"`
		Disabled    *bool  `toml:"disabled"`
	} `toml:"bo_cache"`
}

// ParseConfig parses a TOML configuration. Keys not present keep their
// DefaultConfig value; unknown keys are an error.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return Config{}, errors.Wrap(err, "v3dv: parse config")
	}

	c := DefaultConfig()
	if fc.AlwaysFlush != nil {
		c.AlwaysFlush = *fc.AlwaysFlush
	}
	if fc.PollIntervalUS != nil {
		c.PollInterval = time.Duration(*fc.PollIntervalUS) * time.Microsecond
	}
	if fc.QueryTimeoutMS != nil {
		c.QueryTimeout = time.Duration(*fc.QueryTimeoutMS) * time.Millisecond
	}
	if fc.MaxWaitThreads != nil {
		if *fc.MaxWaitThreads < 0 {
			return Config{}, errors.Newf("v3dv: max_wait_threads must not be negative, got %d", *fc.MaxWaitThreads)
		}
		c.MaxWaitThreads = *fc.MaxWaitThreads
	}
	if fc.BOCache.MaxMB != nil {
		c.BOCache.MaxMB = *fc.BOCache.MaxMB
	}
	if fc.BOCache.CacheTimeMS != nil {
		c.BOCache.CacheTime = time.Duration(*fc.BOCache.CacheTimeMS) * time.Millisecond
	}
	if fc.BOCache.Disabled != nil {
		c.BOCache.Disabled = *fc.BOCache.Disabled
	}
	return c, nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "v3dv: read config %s", path)
	}
	return ParseConfig(data)
}
