package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Settings are the engine knobs that may change while the daemon runs.
// Everything here is read through a Runtime snapshot so in-flight
// operations keep the values they started with.
type Settings struct {
	GlobalLimit    int `split_words:"true" default:"5"`
	VideoLimit     int `split_words:"true" default:"3"`
	ThumbnailLimit int `split_words:"true" default:"3"`

	InitialWindowBytes int64 `split_words:"true" default:"262144"`
	SeekMarginBytes    int64 `split_words:"true" default:"1048576"`
	MaxWindowBytes     int64 `split_words:"true" default:"52428800"`

	ReadinessPollInterval time.Duration `split_words:"true" default:"100ms"`
	EnsureTimeout         time.Duration `split_words:"true" default:"15s"`

	PrefetchBatchSize     int           `split_words:"true" default:"4"`
	PrefetchItemTimeout   time.Duration `split_words:"true" default:"10s"`
	PrefetchPauseOnBuffer bool          `split_words:"true" default:"true"`
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if s.GlobalLimit < 1 || s.VideoLimit < 1 || s.ThumbnailLimit < 1 {
		return fmt.Errorf("concurrency limits must be at least 1, got global=%d video=%d thumbnail=%d",
			s.GlobalLimit, s.VideoLimit, s.ThumbnailLimit)
	}

	if s.InitialWindowBytes < 1 {
		return fmt.Errorf("initial window must be positive, got %d", s.InitialWindowBytes)
	}

	if s.SeekMarginBytes < 0 {
		return fmt.Errorf("seek margin must not be negative, got %d", s.SeekMarginBytes)
	}

	if s.MaxWindowBytes < s.InitialWindowBytes {
		return fmt.Errorf("max window %d is smaller than initial window %d", s.MaxWindowBytes, s.InitialWindowBytes)
	}

	if s.ReadinessPollInterval <= 0 {
		return fmt.Errorf("readiness poll interval must be positive, got %s", s.ReadinessPollInterval)
	}

	if s.EnsureTimeout <= 0 {
		return fmt.Errorf("ensure timeout must be positive, got %s", s.EnsureTimeout)
	}

	if s.PrefetchBatchSize < 1 {
		return fmt.Errorf("prefetch batch size must be at least 1, got %d", s.PrefetchBatchSize)
	}

	if s.PrefetchItemTimeout <= 0 {
		return fmt.Errorf("prefetch item timeout must be positive, got %s", s.PrefetchItemTimeout)
	}

	return nil
}

// Runtime publishes the live Settings snapshot. Readers call Load on
// every decision point; writers swap the whole snapshot atomically so a
// reader never sees a half-applied update.
type Runtime struct {
	current atomic.Pointer[Settings]

	mu          sync.Mutex
	subscribers []func(Settings)
}

// NewRuntime creates a Runtime seeded with the given settings.
func NewRuntime(initial Settings) *Runtime {
	r := &Runtime{}
	r.current.Store(&initial)

	return r
}

// Load returns the current settings snapshot.
func (r *Runtime) Load() Settings {
	return *r.current.Load()
}

// Apply validates and installs a new snapshot, then notifies
// subscribers in registration order.
func (r *Runtime) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.current.Store(&s)
	subs := make([]func(Settings), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}

	return nil
}

// Subscribe registers a callback invoked after every successful Apply.
// Callbacks run on the applier's goroutine and must not block.
func (r *Runtime) Subscribe(fn func(Settings)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers = append(r.subscribers, fn)
}
