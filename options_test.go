package v3dv

import (
	"testing"
	"time"

	"github.com/gogpu/v3dv/drm/sim"
	"github.com/gogpu/v3dv/internal/bo"
)

// TestOpenDefault tests that Open uses the default configuration.
func TestOpenDefault(t *testing.T) {
	k := sim.New()
	t.Cleanup(func() { _ = k.Close() })

	dev, err := Open(k)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	cfg := dev.Config()
	if cfg.AlwaysFlush {
		t.Error("AlwaysFlush is set by default")
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.MaxWaitThreads != DefaultMaxWaitThreads {
		t.Errorf("MaxWaitThreads = %d, want %d", cfg.MaxWaitThreads, DefaultMaxWaitThreads)
	}
	if dev.Kernel() != k {
		t.Error("Kernel() does not return the kernel passed to Open")
	}
	if dev.Queue() == nil {
		t.Error("Queue() returned nil")
	}
}

func TestOpenNilKernel(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Error("Open(nil) should fail")
	}
}

// TestOptionsApplyInOrder tests that options after WithConfig adjust
// single fields of it.
func TestOptionsApplyInOrder(t *testing.T) {
	k := sim.New()
	t.Cleanup(func() { _ = k.Close() })

	base := DefaultConfig()
	base.MaxWaitThreads = 3
	dev, err := Open(k,
		WithAlwaysFlush(true),
		WithConfig(base),
		WithPollInterval(5*time.Millisecond),
		WithQueryTimeout(time.Second),
		WithBOCache(bo.CacheConfig{Disabled: true}),
	)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	cfg := dev.Config()
	if cfg.AlwaysFlush {
		t.Error("WithConfig should replace an earlier WithAlwaysFlush")
	}
	if cfg.MaxWaitThreads != 3 {
		t.Errorf("MaxWaitThreads = %d, want 3", cfg.MaxWaitThreads)
	}
	if cfg.PollInterval != 5*time.Millisecond {
		t.Errorf("PollInterval = %v, want 5ms", cfg.PollInterval)
	}
	if cfg.QueryTimeout != time.Second {
		t.Errorf("QueryTimeout = %v, want 1s", cfg.QueryTimeout)
	}
	if !cfg.BOCache.Disabled {
		t.Error("WithBOCache was not applied")
	}
}

// TestOptionsZeroValuesGetDefaults tests that unset durations fall back to
// the defaults and a negative thread cap selects the default cap.
func TestOptionsZeroValuesGetDefaults(t *testing.T) {
	k := sim.New()
	t.Cleanup(func() { _ = k.Close() })

	dev, err := Open(k, WithConfig(Config{MaxWaitThreads: -1}))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	cfg := dev.Config()
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.QueryTimeout <= 0 {
		t.Errorf("QueryTimeout = %v, want the default", cfg.QueryTimeout)
	}
	if cfg.MaxWaitThreads != DefaultMaxWaitThreads {
		t.Errorf("MaxWaitThreads = %d, want %d", cfg.MaxWaitThreads, DefaultMaxWaitThreads)
	}
}

func TestWithMaxWaitThreadsZeroIsUnlimited(t *testing.T) {
	k := sim.New()
	t.Cleanup(func() { _ = k.Close() })

	dev, err := Open(k, WithMaxWaitThreads(0))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	if got := dev.Config().MaxWaitThreads; got != 0 {
		t.Errorf("MaxWaitThreads = %d, want 0", got)
	}
}
