package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/logctx"
)

// RuntimeSettings is the wire form of the engine's hot settings.
// Durations ride as Go duration strings. Every field is a pointer so a
// PUT is a merge: absent fields keep their current value.
type RuntimeSettings struct {
	GlobalLimit    *int `json:"global_limit,omitempty"`
	VideoLimit     *int `json:"video_limit,omitempty"`
	ThumbnailLimit *int `json:"thumbnail_limit,omitempty"`

	InitialWindowBytes *int64 `json:"initial_window_bytes,omitempty"`
	SeekMarginBytes    *int64 `json:"seek_margin_bytes,omitempty"`
	MaxWindowBytes     *int64 `json:"max_window_bytes,omitempty"`

	ReadinessPollInterval *string `json:"readiness_poll_interval,omitempty"`
	EnsureTimeout         *string `json:"ensure_timeout,omitempty"`

	PrefetchBatchSize     *int    `json:"prefetch_batch_size,omitempty"`
	PrefetchItemTimeout   *string `json:"prefetch_item_timeout,omitempty"`
	PrefetchPauseOnBuffer *bool   `json:"prefetch_pause_on_buffer,omitempty"`
}

func settingsView(s config.Settings) RuntimeSettings {
	poll := s.ReadinessPollInterval.String()
	ensure := s.EnsureTimeout.String()
	item := s.PrefetchItemTimeout.String()

	return RuntimeSettings{
		GlobalLimit:           &s.GlobalLimit,
		VideoLimit:            &s.VideoLimit,
		ThumbnailLimit:        &s.ThumbnailLimit,
		InitialWindowBytes:    &s.InitialWindowBytes,
		SeekMarginBytes:       &s.SeekMarginBytes,
		MaxWindowBytes:        &s.MaxWindowBytes,
		ReadinessPollInterval: &poll,
		EnsureTimeout:         &ensure,
		PrefetchBatchSize:     &s.PrefetchBatchSize,
		PrefetchItemTimeout:   &item,
		PrefetchPauseOnBuffer: &s.PrefetchPauseOnBuffer,
	}
}

// overlay merges the present fields onto base.
func (rs RuntimeSettings) overlay(base config.Settings) (config.Settings, error) {
	if rs.GlobalLimit != nil {
		base.GlobalLimit = *rs.GlobalLimit
	}

	if rs.VideoLimit != nil {
		base.VideoLimit = *rs.VideoLimit
	}

	if rs.ThumbnailLimit != nil {
		base.ThumbnailLimit = *rs.ThumbnailLimit
	}

	if rs.InitialWindowBytes != nil {
		base.InitialWindowBytes = *rs.InitialWindowBytes
	}

	if rs.SeekMarginBytes != nil {
		base.SeekMarginBytes = *rs.SeekMarginBytes
	}

	if rs.MaxWindowBytes != nil {
		base.MaxWindowBytes = *rs.MaxWindowBytes
	}

	if rs.ReadinessPollInterval != nil {
		d, err := time.ParseDuration(*rs.ReadinessPollInterval)
		if err != nil {
			return base, fmt.Errorf("readiness_poll_interval: %w", err)
		}

		base.ReadinessPollInterval = d
	}

	if rs.EnsureTimeout != nil {
		d, err := time.ParseDuration(*rs.EnsureTimeout)
		if err != nil {
			return base, fmt.Errorf("ensure_timeout: %w", err)
		}

		base.EnsureTimeout = d
	}

	if rs.PrefetchBatchSize != nil {
		base.PrefetchBatchSize = *rs.PrefetchBatchSize
	}

	if rs.PrefetchItemTimeout != nil {
		d, err := time.ParseDuration(*rs.PrefetchItemTimeout)
		if err != nil {
			return base, fmt.Errorf("prefetch_item_timeout: %w", err)
		}

		base.PrefetchItemTimeout = d
	}

	if rs.PrefetchPauseOnBuffer != nil {
		base.PrefetchPauseOnBuffer = *rs.PrefetchPauseOnBuffer
	}

	return base, nil
}

func (h *StreamHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, settingsView(h.settings.Load()))
}

// handlePutConfig applies a settings change. The new snapshot takes
// effect for operations that start after it; waiting downloads are
// never preempted.
func (h *StreamHandler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	next, err := req.overlay(h.settings.Load())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.settings.Apply(next); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	logger.Info("runtime settings updated")

	h.respondJSON(w, r, http.StatusOK, settingsView(h.settings.Load()))
}
