package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/streambox/internal/logctx"
)

// SweepCache deletes cache files untouched for longer than retention.
// Files named in keep and files with a transfer in flight survive
// regardless of age. A swept file takes its session binding with it, so
// the next use of that local id reports unknown instead of reading a
// hole.
func (t *Transport) SweepCache(ctx context.Context, retention time.Duration, keep []string) error {
	if retention <= 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	protected := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		protected[p] = struct{}{}
	}

	for _, p := range t.ActivePaths() {
		protected[p] = struct{}{}
	}

	entries, err := os.ReadDir(t.cacheDir)
	if err != nil {
		return fmt.Errorf("telegram: reading cache dir: %w", err)
	}

	now := time.Now()
	swept := make(map[string]struct{})

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !entry.Type().IsRegular() {
			continue
		}

		path := filepath.Join(t.cacheDir, entry.Name())
		if _, ok := protected[path]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return fmt.Errorf("telegram: inspecting cache file %s: %w", path, err)
		}

		age := now.Sub(info.ModTime())
		if age <= retention {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("telegram: deleting expired cache file: %w", err)
		}

		swept[path] = struct{}{}

		logger.Info("deleted expired cache file", "file", path, "age", age.String())
	}

	if len(swept) > 0 {
		t.forgetPaths(swept)
	}

	return nil
}

// forgetPaths drops the local file records whose cache files are gone.
func (t *Transport) forgetPaths(paths map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, f := range t.files {
		if _, gone := paths[f.path]; gone {
			delete(t.files, id)
		}
	}
}
