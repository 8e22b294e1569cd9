// Package rest exposes the streaming engine over HTTP: a JSON control
// surface under /api/v1 and a ranged data plane under /streams that
// media players can point at directly.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/engine"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/scheduler"
	"github.com/italolelis/streambox/internal/stream"
)

// serveChunkBytes is how far one data-plane iteration runs ahead of the
// client. Readiness waits and reads both happen in steps of this size.
const serveChunkBytes = 256 << 10

// Enqueuer accepts thumbnail candidates for background prefetching.
// Implemented by prefetch.Prefetcher; nil disables the endpoint.
type Enqueuer interface {
	Enqueue(ids ...stream.Identity)
}

type StreamHandler struct {
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	settings *config.Runtime
	prefetch Enqueuer
}

// NewStreamHandler creates the HTTP surface over an engine.
func NewStreamHandler(eng *engine.Engine, sched *scheduler.Scheduler, settings *config.Runtime, pre Enqueuer) *StreamHandler {
	return &StreamHandler{
		engine:   eng,
		sched:    sched,
		settings: settings,
		prefetch: pre,
	}
}

func (h *StreamHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Get("/streams/{handle}", h.HandleStreamData)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/config", h.handleGetConfig)
		r.Put("/config", h.handlePutConfig)
		r.Post("/prefetch", h.handlePrefetch)

		r.Route("/streams", func(r chi.Router) {
			r.Get("/", h.handleListStreams)
			r.Post("/", h.handleOpenStream)
			r.Delete("/{handle}", h.handleCloseStream)
		})
	})

	return r
}

type OpenStreamRequest struct {
	RemoteID string `json:"remote_id"`
	Kind     string `json:"kind"`
	SizeHint int64  `json:"size_hint,omitempty"`
}

// StreamResource is what the control surface returns for a stream: the
// session handle plus the data-plane URL players should be handed.
type StreamResource struct {
	Handle   string `json:"handle"`
	RemoteID string `json:"remote_id"`
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

func streamResource(s *engine.Stream) StreamResource {
	return StreamResource{
		Handle:   s.ID(),
		RemoteID: s.RemoteID(),
		Kind:     s.Kind().String(),
		MimeType: s.MimeType(),
		Size:     s.Size(),
		URL:      "/streams/" + s.ID(),
	}
}

func (h *StreamHandler) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req OpenStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.RemoteID == "" {
		http.Error(w, "remote_id is required", http.StatusBadRequest)

		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s, err := h.engine.OpenStream(r.Context(), stream.Identity{RemoteID: req.RemoteID, SizeHint: req.SizeHint}, kind)
	if err != nil {
		logger.Error("failed to open stream", "remote_id", req.RemoteID, "err", err)
		http.Error(w, "failed to open stream: "+err.Error(), statusFor(err))

		return
	}

	h.respondJSON(w, r, http.StatusCreated, streamResource(s))
}

func (h *StreamHandler) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.engine.Lookup(chi.URLParam(r, "handle"))
	if !ok {
		http.Error(w, "unknown stream handle", http.StatusNotFound)

		return
	}

	if err := h.engine.CloseStream(r.Context(), s); err != nil {
		http.Error(w, "failed to close stream: "+err.Error(), http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamHandler) handleListStreams(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]any{
		"streams": h.engine.Streams(),
	})
}

type PrefetchRequest struct {
	RemoteIDs []string `json:"remote_ids"`
}

// handlePrefetch feeds thumbnail candidates to the background
// prefetcher, e.g. the items a client is about to scroll into view.
// Accepted means queued for consideration, not fetched.
func (h *StreamHandler) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if h.prefetch == nil {
		http.Error(w, "prefetching is not enabled", http.StatusNotImplemented)

		return
	}

	var req PrefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	ids := make([]stream.Identity, 0, len(req.RemoteIDs))

	for _, remoteID := range req.RemoteIDs {
		if remoteID == "" {
			continue
		}

		ids = append(ids, stream.Identity{RemoteID: remoteID})
	}

	h.prefetch.Enqueue(ids...)

	h.respondJSON(w, r, http.StatusAccepted, map[string]int{"accepted": len(ids)})
}

type StatusResponse struct {
	Streams   []engine.StreamStatus `json:"streams"`
	Scheduler scheduler.Snapshot    `json:"scheduler"`
	Settings  RuntimeSettings       `json:"settings"`
}

func (h *StreamHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, StatusResponse{
		Streams:   h.engine.Streams(),
		Scheduler: h.sched.Snapshot(),
		Settings:  settingsView(h.settings.Load()),
	})
}

func (h *StreamHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// HandleStreamData is the data plane: it serves the stream's bytes with
// range support, waiting for the engine to confirm each chunk before it
// goes out. Seeks arrive as Range requests; the window follows them.
func (h *StreamHandler) HandleStreamData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	s, ok := h.engine.Lookup(chi.URLParam(r, "handle"))
	if !ok {
		http.Error(w, "unknown stream handle", http.StatusNotFound)

		return
	}

	size := s.Size()
	if size <= 0 {
		http.Error(w, "stream size unknown", http.StatusInternalServerError)

		return
	}

	start, end, partial, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)

		return
	}

	// Byte zero is playback start; anything else is a seek.
	mode := stream.ModeSeek
	if start == 0 {
		mode = stream.ModeInitialStart
	}

	if _, err := h.engine.EnsureBytesAvailable(ctx, s, min(start+serveChunkBytes, end+1), mode, 0); err != nil {
		logger.Error("stream not ready", "stream_id", s.ID(), "offset", start, "err", err)
		http.Error(w, "stream not ready: "+err.Error(), statusFor(err))

		return
	}

	mime := s.MimeType()
	if mime == "" {
		mime = "application/octet-stream"
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))

	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}

	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, serveChunkBytes)

	for pos := start; pos <= end; {
		upto := min(pos+serveChunkBytes, end+1)

		if _, err := h.engine.EnsureBytesAvailable(ctx, s, upto, stream.ModeSeek, 0); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("client went away", "stream_id", s.ID(), "offset", pos)
			} else {
				logger.Warn("stream stalled mid-response", "stream_id", s.ID(), "offset", pos, "err", err)
			}

			return
		}

		n, err := h.engine.ReadAt(s, buf[:upto-pos], pos)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("client went away", "stream_id", s.ID(), "offset", pos)

				return
			}

			if flusher != nil {
				flusher.Flush()
			}

			pos += int64(n)
		}

		if err != nil && n == 0 {
			logger.Warn("stream read failed mid-response", "stream_id", s.ID(), "offset", pos, "err", err)

			return
		}
	}
}

func (h *StreamHandler) respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func parseKind(s string) (stream.Kind, error) {
	switch s {
	case "", stream.KindVideo.String():
		return stream.KindVideo, nil
	case stream.KindThumbnail.String():
		return stream.KindThumbnail, nil
	default:
		return stream.KindVideo, fmt.Errorf("unknown stream kind %q", s)
	}
}

// parseRange interprets a single-range Range header against size. An
// empty header covers the whole file, and so does a malformed one:
// RFC 7233 says an unparseable Range header is ignored, not rejected.
// Only a well-formed range that selects no bytes is an error, which
// the caller answers with 416. Multi-range requests collapse to their
// first range.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, size - 1, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		// Unknown range unit.
		return 0, size - 1, false, nil
	}

	spec, _, _ = strings.Cut(spec, ",")
	spec = strings.TrimSpace(spec)

	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, size - 1, false, nil
	}

	if from == "" {
		// Suffix range: the last N bytes.
		n, perr := strconv.ParseInt(to, 10, 64)
		if perr != nil || n < 0 {
			return 0, size - 1, false, nil
		}

		if n == 0 {
			return 0, 0, false, fmt.Errorf("suffix range %q selects no bytes", header)
		}

		return max(size-n, 0), size - 1, true, nil
	}

	start, err = strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 {
		return 0, size - 1, false, nil
	}

	if start >= size {
		return 0, 0, false, fmt.Errorf("range start %d is past the end of a %d byte file", start, size)
	}

	end = size - 1

	if to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil || end < start {
			return 0, size - 1, false, nil
		}

		if end > size-1 {
			end = size - 1
		}
	}

	return start, end, true, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case stream.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrReaderBusy):
		return http.StatusConflict
	case errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrRangeUnavailable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.As(err, new(*stream.TimeoutError)):
		return http.StatusGatewayTimeout
	case errors.As(err, new(*stream.InvalidContainerError)):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*stream.ResolutionError)), errors.As(err, new(*stream.TransferError)):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
