// Package engine is the surface the rest of the daemon talks to: open
// a stream by its remote identity, wait for bytes, read them, seek,
// close. It owns per-stream serialization, raises the buffering signal
// while playback waits, and hides exactly one stale-identity recovery
// behind every operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/streambox/internal/cachefile"
	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/identity"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
	"github.com/italolelis/streambox/internal/window"
)

// Engine turns the remote blob store into seekable local byte sources.
type Engine struct {
	resolver *identity.Resolver
	windows  *window.Manager
	readers  *cachefile.Registry
	settings *config.Runtime
	tel      *telemetry.Telemetry

	buffering  *stream.Signal
	bufMu      sync.Mutex
	bufWaiters int

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// New wires the engine. The buffering signal is shared with the
// thumbnail prefetcher.
func New(resolver *identity.Resolver, windows *window.Manager, readers *cachefile.Registry, settings *config.Runtime, buffering *stream.Signal, tel *telemetry.Telemetry) *Engine {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Engine{
		resolver:  resolver,
		windows:   windows,
		readers:   readers,
		settings:  settings,
		tel:       tel,
		buffering: buffering,
		streams:   make(map[string]*Stream),
	}
}

// Stream is an open playback session over one remote file.
type Stream struct {
	id  string
	rid stream.Identity

	kind  stream.Kind
	state *window.State

	mu          sync.Mutex
	size        int64
	mime        string
	windowStart int64
	available   int64
	complete    bool
	path        string
	reader      *cachefile.Reader
	closed      bool
}

// ID is the session handle callers pass back in.
func (s *Stream) ID() string { return s.id }

// RemoteID names the remote file the stream plays.
func (s *Stream) RemoteID() string { return s.rid.RemoteID }

// Kind reports what the stream downloads as.
func (s *Stream) Kind() stream.Kind { return s.kind }

// Size reports the total file size, zero when unknown.
func (s *Stream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// MimeType reports the content type the transport announced, empty when
// it announced none.
func (s *Stream) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mime
}

// OpenStream resolves the identity and opens the initial download
// window at the file start. The returned stream is live immediately;
// readiness is a separate, explicit wait.
func (e *Engine) OpenStream(ctx context.Context, id stream.Identity, kind stream.Kind) (*Stream, error) {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil, fmt.Errorf("engine: %w", stream.ErrClosed)
	}

	e.mu.Unlock()

	res, err := e.resolver.Resolve(ctx, id.RemoteID)
	if err != nil {
		return nil, err
	}

	size := res.Size
	if size == 0 {
		size = id.SizeHint
	}

	s := &Stream{
		id:   uuid.NewString(),
		rid:  id,
		kind: kind,
		size: size,
		mime: res.MimeType,
	}
	s.state = e.windows.Track(s.id, kind, res.LocalID)

	if err := e.windows.Open(ctx, s.state, 0, stream.ModeInitialStart); err != nil {
		return nil, err
	}

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		e.windows.Close(ctx, s.state)

		return nil, fmt.Errorf("engine: %w", stream.ErrClosed)
	}

	e.streams[s.id] = s
	e.mu.Unlock()

	e.tel.RecordStreamOpened(kind.String())
	e.tel.IncrementActiveStreams(kind.String())

	logger.Info("stream opened",
		"stream_id", s.id,
		"remote_id", id.RemoteID,
		"kind", kind.String(),
		"size", humanize.IBytes(uint64(max(size, 0))),
	)

	return s, nil
}

// Lookup finds an open stream by its handle.
func (e *Engine) Lookup(handle string) (*Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[handle]

	return s, ok
}

// EnsureBytesAvailable blocks until the bytes through upto are
// readable, repositioning the window first when the mode is a seek. A
// stale local identity is recovered transparently exactly once:
// invalidate, re-resolve, rebind, retry.
func (e *Engine) EnsureBytesAvailable(ctx context.Context, s *Stream, upto int64, mode stream.Mode, timeout time.Duration) (stream.Readiness, error) {
	if timeout <= 0 {
		timeout = e.settings.Load().EnsureTimeout
	}

	container := s.kind == stream.KindVideo && mode == stream.ModeInitialStart

	if s.kind == stream.KindVideo {
		e.setBuffering(true)
		defer e.setBuffering(false)
	}

	var ready stream.Readiness

	err := e.tel.InstrumentEnsure(ctx, mode.String(), func(ctx context.Context) error {
		var err error

		ready, err = e.ensureOnce(ctx, s, upto, mode, container, timeout)
		if !stream.IsNotFound(err) {
			return err
		}

		if rerr := e.recoverStale(ctx, s, err); rerr != nil {
			return rerr
		}

		ready, err = e.ensureOnce(ctx, s, upto, mode, container, timeout)

		return err
	}, ensureOutcome)
	if err != nil {
		return stream.Readiness{}, err
	}

	return ready, nil
}

// ensureOnce positions the window for the requirement and runs one
// readiness wait against the stream's current local identity.
func (e *Engine) ensureOnce(ctx context.Context, s *Stream, upto int64, mode stream.Mode, container bool, timeout time.Duration) (stream.Readiness, error) {
	target := upto
	if mode == stream.ModeInitialStart {
		target = 0
	}

	if err := e.windows.Open(ctx, s.state, target, mode); err != nil {
		return stream.Readiness{}, err
	}

	e.noteWindow(s)

	ready, err := e.windows.EnsureReady(ctx, s.state, upto, container, timeout)
	if err != nil {
		return stream.Readiness{}, err
	}

	win := s.state.Window()

	s.mu.Lock()
	s.path = ready.Path
	s.windowStart = win.Start
	s.available = ready.Available
	s.complete = win.Complete
	s.mu.Unlock()

	return ready, nil
}

// recoverStale runs the one transparent recovery: drop the cached
// resolution, resolve again, and bind the stream to the fresh local
// file. The old reader is released; stale cache bytes are left for the
// janitor.
func (e *Engine) recoverStale(ctx context.Context, s *Stream, cause error) error {
	logger := logctx.LoggerFromContext(ctx)

	staleErr := &stream.StaleIdentityError{RemoteID: s.rid.RemoteID, LocalID: s.state.LocalID()}
	logger.Warn("local identity went stale, re-resolving",
		"stream_id", s.id,
		"remote_id", s.rid.RemoteID,
		"local_id", staleErr.LocalID,
		"err", cause,
	)

	e.resolver.Invalidate(s.rid.RemoteID)

	res, err := e.resolver.Resolve(ctx, s.rid.RemoteID)
	if err != nil {
		return fmt.Errorf("%s: %w", staleErr, err)
	}

	e.windows.Rebind(s.state, res.LocalID)

	s.mu.Lock()

	if res.Size > 0 {
		s.size = res.Size
	}

	if res.MimeType != "" {
		s.mime = res.MimeType
	}

	s.windowStart = 0
	s.available = 0
	s.complete = false
	s.path = ""
	reader := s.reader
	s.reader = nil
	s.mu.Unlock()

	if reader != nil {
		reader.Close()
	}

	return nil
}

// ReadAt copies confirmed bytes at off into p. It never blocks on the
// network: offsets beyond the confirmed range fail with
// ErrRangeUnavailable, and a request that straddles the confirmed end
// returns the confirmed part alongside it.
func (e *Engine) ReadAt(s *Stream, p []byte, off int64) (int, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return 0, fmt.Errorf("engine: stream %s: %w", s.id, stream.ErrClosed)
	}

	if s.path == "" {
		s.mu.Unlock()
		e.tel.RecordRead("range_unavailable", 0)

		return 0, fmt.Errorf("engine: stream %s has no ready bytes: %w", s.id, stream.ErrRangeUnavailable)
	}

	limit := int64(len(p))

	if !s.complete {
		if off < s.windowStart || off >= s.available {
			available := s.available
			s.mu.Unlock()
			e.tel.RecordRead("range_unavailable", 0)

			return 0, fmt.Errorf("engine: stream %s: offset %d outside confirmed range [%d, %d): %w",
				s.id, off, s.windowStart, available, stream.ErrRangeUnavailable)
		}

		if off+limit > s.available {
			limit = s.available - off
		}
	}

	if s.reader == nil {
		r, err := e.readers.Open(s.id, s.path)
		if err != nil {
			s.mu.Unlock()

			return 0, err
		}

		s.reader = r
	}

	reader := s.reader
	s.mu.Unlock()

	n, err := reader.ReadAt(p[:limit], off)
	if err != nil && !errors.Is(err, io.EOF) {
		e.tel.RecordRead("error", n)

		return n, fmt.Errorf("engine: reading stream %s: %w", s.id, err)
	}

	e.tel.RecordRead("ok", n)

	if err == nil && limit < int64(len(p)) {
		return n, fmt.Errorf("engine: stream %s: confirmed bytes end at offset %d: %w", s.id, off+limit, stream.ErrRangeUnavailable)
	}

	return n, err
}

// Seek repositions the download window for the target offset without
// waiting for bytes. Whether the window was reused, extended, or
// re-anchored is the window manager's call.
func (e *Engine) Seek(ctx context.Context, s *Stream, off int64) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return fmt.Errorf("engine: stream %s: %w", s.id, stream.ErrClosed)
	}

	s.mu.Unlock()

	if err := e.windows.Open(ctx, s.state, off, stream.ModeSeek); err != nil {
		return err
	}

	e.noteWindow(s)

	return nil
}

// CloseStream releases the stream: its window, its transfer, and its
// reader. Cache contents stay on disk.
func (e *Engine) CloseStream(ctx context.Context, s *Stream) error {
	e.mu.Lock()
	delete(e.streams, s.id)
	e.mu.Unlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	reader := s.reader
	s.reader = nil
	s.mu.Unlock()

	e.windows.Close(ctx, s.state)

	if reader != nil {
		if err := reader.Close(); err != nil {
			logctx.LoggerFromContext(ctx).Warn("closing stream reader", "stream_id", s.id, "err", err)
		}
	}

	e.tel.DecrementActiveStreams(s.kind.String())
	logctx.LoggerFromContext(ctx).Info("stream closed", "stream_id", s.id, "remote_id", s.rid.RemoteID)

	return nil
}

// Shutdown closes every open stream and rejects new ones.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	open := make([]*Stream, 0, len(e.streams))

	for _, s := range e.streams {
		open = append(open, s)
	}

	e.mu.Unlock()

	for _, s := range open {
		if err := e.CloseStream(ctx, s); err != nil {
			logctx.LoggerFromContext(ctx).Warn("closing stream on shutdown", "stream_id", s.id, "err", err)
		}
	}
}

// StreamStatus is one stream's row in the status report.
type StreamStatus struct {
	ID          string `json:"id"`
	RemoteID    string `json:"remote_id"`
	Kind        string `json:"kind"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size"`
	WindowStart int64  `json:"window_start"`
	WindowSize  int64  `json:"window_size"`
	Available   int64  `json:"available_bytes"`
	Complete    bool   `json:"complete"`
}

// Streams reports every open stream, ordered by handle.
func (e *Engine) Streams() []StreamStatus {
	e.mu.Lock()
	open := make([]*Stream, 0, len(e.streams))

	for _, s := range e.streams {
		open = append(open, s)
	}

	e.mu.Unlock()

	out := make([]StreamStatus, 0, len(open))

	for _, s := range open {
		win := s.state.Window()

		s.mu.Lock()
		out = append(out, StreamStatus{
			ID:          s.id,
			RemoteID:    s.rid.RemoteID,
			Kind:        s.kind.String(),
			MimeType:    s.mime,
			Size:        s.size,
			WindowStart: win.Start,
			WindowSize:  win.RequestedSize,
			Available:   s.available,
			Complete:    s.complete,
		})
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// OpenPaths lists the cache files backing open streams. The janitor
// must never touch these.
func (e *Engine) OpenPaths() []string {
	e.mu.Lock()
	open := make([]*Stream, 0, len(e.streams))

	for _, s := range e.streams {
		open = append(open, s)
	}

	e.mu.Unlock()

	var paths []string

	for _, s := range open {
		s.mu.Lock()

		if s.path != "" {
			paths = append(paths, s.path)
		}

		s.mu.Unlock()
	}

	return paths
}

// noteWindow refreshes the stream's confirmed-range bookkeeping after
// a window transition. A re-anchored window throws the old confirmed
// range away; a reused or extended one keeps it.
func (e *Engine) noteWindow(s *Stream) {
	win := s.state.Window()

	s.mu.Lock()

	if win.Start != s.windowStart {
		s.windowStart = win.Start
		s.available = win.Start + win.PrefixBytes
		s.complete = win.Complete
	}

	s.mu.Unlock()
}

// setBuffering raises the shared signal while at least one video wait
// is in flight.
func (e *Engine) setBuffering(on bool) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()

	if on {
		e.bufWaiters++

		if e.bufWaiters == 1 {
			e.buffering.Set(true)
		}

		return
	}

	e.bufWaiters--

	if e.bufWaiters == 0 {
		e.buffering.Set(false)
	}
}

func ensureOutcome(err error) string {
	switch {
	case err == nil:
		return "ready"
	case errors.As(err, new(*stream.TimeoutError)):
		return "timeout"
	case errors.As(err, new(*stream.TransferError)):
		return "transfer_failed"
	case errors.As(err, new(*stream.InvalidContainerError)):
		return "invalid_container"
	case stream.IsNotFound(err):
		return "stale"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
