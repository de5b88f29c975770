package v3dv

import (
	"log/slog"
	"time"

	"github.com/gogpu/v3dv/internal/bo"
)

// Option configures a Device during Open.
// Use functional options to customize device behavior.
//
// Example:
//
//	// Default configuration on the simulated kernel
//	dev, err := v3dv.Open(sim.New())
//
//	// Configuration from a file, with debug flushing on top
//	cfg, _ := v3dv.LoadConfig("v3dv.toml")
//	dev, err := v3dv.Open(kernel, v3dv.WithConfig(cfg), v3dv.WithAlwaysFlush(true))
type Option func(*deviceOptions)

// deviceOptions holds optional configuration for Open.
type deviceOptions struct {
	config Config
	logger *slog.Logger
}

// defaultOptions returns the default device options.
func defaultOptions() deviceOptions {
	return deviceOptions{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration. Options after it adjust
// individual fields.
func WithConfig(c Config) Option {
	return func(o *deviceOptions) {
		o.config = c
	}
}

// WithLogger sets the package logger when the device opens, like calling
// SetLogger first.
func WithLogger(l *slog.Logger) Option {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithAlwaysFlush makes every draw call end its render job.
func WithAlwaysFlush(enabled bool) Option {
	return func(o *deviceOptions) {
		o.config.AlwaysFlush = enabled
	}
}

// WithPollInterval sets the event poll fallback of wait goroutines.
func WithPollInterval(d time.Duration) Option {
	return func(o *deviceOptions) {
		o.config.PollInterval = d
	}
}

// WithQueryTimeout bounds the wait for query availability.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *deviceOptions) {
		o.config.QueryTimeout = d
	}
}

// WithMaxWaitThreads caps the wait goroutines per Submit call. Zero means
// unlimited.
func WithMaxWaitThreads(n int) Option {
	return func(o *deviceOptions) {
		o.config.MaxWaitThreads = n
	}
}

// WithBOCache configures the block reuse cache.
func WithBOCache(c bo.CacheConfig) Option {
	return func(o *deviceOptions) {
		o.config.BOCache = c
	}
}
