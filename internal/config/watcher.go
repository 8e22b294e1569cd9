package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/italolelis/streambox/internal/logctx"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 500 * time.Millisecond

// Overrides is the YAML shape of the runtime settings file. Absent
// fields keep the value from the environment-derived baseline.
type Overrides struct {
	GlobalLimit    *int `yaml:"global_limit"`
	VideoLimit     *int `yaml:"video_limit"`
	ThumbnailLimit *int `yaml:"thumbnail_limit"`

	InitialWindowBytes *int64 `yaml:"initial_window_bytes"`
	SeekMarginBytes    *int64 `yaml:"seek_margin_bytes"`
	MaxWindowBytes     *int64 `yaml:"max_window_bytes"`

	ReadinessPollInterval *time.Duration `yaml:"readiness_poll_interval"`
	EnsureTimeout         *time.Duration `yaml:"ensure_timeout"`

	PrefetchBatchSize     *int           `yaml:"prefetch_batch_size"`
	PrefetchItemTimeout   *time.Duration `yaml:"prefetch_item_timeout"`
	PrefetchPauseOnBuffer *bool          `yaml:"prefetch_pause_on_buffer"`
}

func (o Overrides) merge(base Settings) Settings {
	if o.GlobalLimit != nil {
		base.GlobalLimit = *o.GlobalLimit
	}

	if o.VideoLimit != nil {
		base.VideoLimit = *o.VideoLimit
	}

	if o.ThumbnailLimit != nil {
		base.ThumbnailLimit = *o.ThumbnailLimit
	}

	if o.InitialWindowBytes != nil {
		base.InitialWindowBytes = *o.InitialWindowBytes
	}

	if o.SeekMarginBytes != nil {
		base.SeekMarginBytes = *o.SeekMarginBytes
	}

	if o.MaxWindowBytes != nil {
		base.MaxWindowBytes = *o.MaxWindowBytes
	}

	if o.ReadinessPollInterval != nil {
		base.ReadinessPollInterval = *o.ReadinessPollInterval
	}

	if o.EnsureTimeout != nil {
		base.EnsureTimeout = *o.EnsureTimeout
	}

	if o.PrefetchBatchSize != nil {
		base.PrefetchBatchSize = *o.PrefetchBatchSize
	}

	if o.PrefetchItemTimeout != nil {
		base.PrefetchItemTimeout = *o.PrefetchItemTimeout
	}

	if o.PrefetchPauseOnBuffer != nil {
		base.PrefetchPauseOnBuffer = *o.PrefetchPauseOnBuffer
	}

	return base
}

// LoadOverrides reads the YAML overrides file and merges it on top of
// base. A missing file is not an error and returns base unchanged.
func LoadOverrides(path string, base Settings) (Settings, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}

	if err != nil {
		return base, fmt.Errorf("reading overrides: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return base, fmt.Errorf("parsing overrides: %w", err)
	}

	return o.merge(base), nil
}

// WatchOverrides applies the overrides file immediately and then on
// every change until the context ends. Overrides always merge on top of
// the baseline captured here, so deleting a line from the file reverts
// that knob. A rejected merge keeps the previous settings.
func WatchOverrides(ctx context.Context, path string, runtime *Runtime) error {
	logger := logctx.LoggerFromContext(ctx)
	baseline := runtime.Load()

	apply := func() {
		merged, err := LoadOverrides(path, baseline)
		if err != nil {
			logger.Error("failed to load settings overrides", "path", path, "err", err)

			return
		}

		if err := runtime.Apply(merged); err != nil {
			logger.Error("rejected settings overrides", "path", path, "err", err)

			return
		}

		logger.Info("applied settings overrides", "path", path)
	}

	apply()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()

		return fmt.Errorf("watch overrides file: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Editors fire bursts of events on save; coalesce them.
		var debounce *time.Timer

		for {
			select {
			case <-ctx.Done():
				logger.Info("settings watcher shutting down")

				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				if debounce != nil {
					debounce.Stop()
				}

				debounce = time.AfterFunc(reloadDebounce, apply)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Error("settings watcher error", "err", err)
			}
		}
	}()

	return nil
}
