// Package window tracks the byte range being fetched for each stream
// and answers the question playback keeps asking: are the bytes
// through this offset on disk yet. Windows open small for a fast first
// frame, grow when the container header demands it, and are retired
// when a seek lands outside them.
package window

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/mp4"
	"github.com/italolelis/streambox/internal/scheduler"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
)

// Seek anchors snap down to this boundary so transport offsets stay
// aligned with its part size rules.
const windowAlign = 4096

// Manager opens, extends, and retires download windows. All transfers
// go through the scheduler; the manager never talks to the network
// while holding a stream's lock beyond the transport's quick cancel
// and start calls.
type Manager struct {
	transport stream.Transport
	sched     *scheduler.Scheduler
	settings  *config.Runtime
	tel       *telemetry.Telemetry
}

// NewManager wires the window manager to its collaborators.
func NewManager(transport stream.Transport, sched *scheduler.Scheduler, settings *config.Runtime, tel *telemetry.Telemetry) *Manager {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Manager{
		transport: transport,
		sched:     sched,
		settings:  settings,
		tel:       tel,
	}
}

// State is one stream's tracked window. All transitions for a stream
// are serialized on its lock.
type State struct {
	streamID string
	kind     stream.Kind

	mu      sync.Mutex
	localID int64
	win     stream.Window
	ticket  *scheduler.Ticket
	retired chan struct{}
	closed  bool
}

// Track registers a stream with no window open yet.
func (m *Manager) Track(streamID string, kind stream.Kind, localID int64) *State {
	return &State{
		streamID: streamID,
		kind:     kind,
		localID:  localID,
		retired:  make(chan struct{}),
	}
}

// Kind reports what the stream downloads for.
func (st *State) Kind() stream.Kind { return st.kind }

// LocalID reports the local file the stream is currently bound to.
func (st *State) LocalID() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.localID
}

// Window reports the stream's current window for status reporting.
func (st *State) Window() stream.Window {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.win
}

// Open positions the stream's window for the target offset. A window
// whose requested range already covers the target is reused and no new
// transfer starts. Otherwise the old transfer is retired, at the
// scheduler and at the transport, and a fresh one is submitted.
func (m *Manager) Open(ctx context.Context, st *State, target int64, mode stream.Mode) error {
	logger := logctx.LoggerFromContext(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return fmt.Errorf("window: stream %s: %w", st.streamID, stream.ErrClosed)
	}

	if st.ticket != nil && st.win.Covers(target) {
		logger.Debug("window reused", "stream_id", st.streamID, "target", target, "window_start", st.win.Start)

		return nil
	}

	s := m.settings.Load()
	superseded := st.ticket != nil
	prev := st.win

	if superseded {
		m.retireLocked(ctx, st)
	}

	start, size := planWindow(prev, target, mode, s, superseded)

	if err := m.submitLocked(ctx, st, start, size); err != nil {
		return err
	}

	st.win = stream.Window{StreamID: st.streamID, Start: start, RequestedSize: size}

	m.tel.RecordWindowOpened(mode.String(), size)

	if superseded {
		m.tel.RecordWindowSuperseded()
	}

	logger.Info("window opened",
		"stream_id", st.streamID,
		"mode", mode.String(),
		"start", start,
		"size", humanize.IBytes(uint64(size)),
		"superseded", superseded,
	)

	return nil
}

// EnsureReady blocks until the bytes through upto are confirmed on
// disk, the deadline passes, or the transfer fails. The wait wakes on
// transfer progress as well as on its poll tick, and a requirement that
// is already satisfied returns without waiting at all.
//
// With validateContainer set, readiness additionally requires the
// movie header to parse as complete from the file start; when the
// header declares more bytes than the window requested, the window is
// grown in place and the wait continues.
func (m *Manager) EnsureReady(ctx context.Context, st *State, upto int64, validateContainer bool, timeout time.Duration) (stream.Readiness, error) {
	logger := logctx.LoggerFromContext(ctx)
	s := m.settings.Load()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(s.ReadinessPollInterval)
	defer ticker.Stop()

	lastProbed := int64(-1)

	for {
		st.mu.Lock()

		if st.closed {
			st.mu.Unlock()

			return stream.Readiness{}, fmt.Errorf("window: stream %s: %w", st.streamID, stream.ErrClosed)
		}

		localID := st.localID
		win := st.win
		ticket := st.ticket
		retired := st.retired
		st.mu.Unlock()

		state, err := m.transport.QueryLocalFileState(ctx, localID)

		switch {
		case stream.IsNotFound(err):
			// Stale local identity. Surfaced untouched so the engine
			// can invalidate and retry with a fresh resolution.
			return stream.Readiness{}, err
		case err != nil:
			logger.Warn("querying local file state", "stream_id", st.streamID, "err", err)
		default:
			available := state.WindowStart + state.PrefixBytes
			if state.Complete {
				available = state.TotalSize
			}

			m.publishProgress(st, win, state, available)

			validate := validateContainer && (state.WindowStart == 0 || state.Complete)

			if validate {
				if available != lastProbed {
					lastProbed = available

					res, perr := probeFile(state.Path, available, state.TotalSize)
					if perr != nil {
						logger.Warn("probing container", "stream_id", st.streamID, "err", perr)
					} else {
						m.tel.RecordContainerProbe(res.Verdict.String())

						switch res.Verdict {
						case mp4.VerdictComplete:
							if upto <= available {
								return stream.Readiness{Path: state.Path, Available: available}, nil
							}
						case mp4.VerdictInvalid:
							return stream.Readiness{}, &stream.InvalidContainerError{StreamID: st.streamID, Reason: res.Reason}
						case mp4.VerdictIncomplete:
							if res.BytesNeeded > win.End() {
								m.grow(ctx, st, res.BytesNeeded, s)
							}
						case mp4.VerdictNotFound:
							if available >= win.End() && !state.Complete {
								m.grow(ctx, st, win.End()+s.SeekMarginBytes, s)
							}
						}
					}
				}
			} else if upto <= available && (state.Complete || upto >= state.WindowStart) {
				return stream.Readiness{Path: state.Path, Available: available}, nil
			}
		}

		var notify <-chan struct{}

		if ticket != nil {
			select {
			case <-ticket.Done():
				if terr := ticket.Err(); terr != nil && !errors.Is(terr, context.Canceled) {
					return stream.Readiness{}, &stream.TransferError{StreamID: st.streamID, LocalID: localID, Err: terr}
				}
			default:
				notify = ticket.Notify()
			}
		}

		select {
		case <-ctx.Done():
			return stream.Readiness{}, fmt.Errorf("window: waiting for stream %s: %w", st.streamID, ctx.Err())
		case <-retired:
			return stream.Readiness{}, fmt.Errorf("window: wait for stream %s superseded: %w", st.streamID, context.Canceled)
		case <-deadline.C:
			return stream.Readiness{}, &stream.TimeoutError{StreamID: st.streamID, Offset: upto, Waited: timeout}
		case <-notify:
		case <-ticker.C:
		}
	}
}

// Rebind points the stream at a freshly resolved local file after the
// old one went stale. The stale transfer is abandoned at the scheduler
// only; the transport has already forgotten the old ID. The caller
// reopens the window afterwards.
func (m *Manager) Rebind(st *State, localID int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	if st.ticket != nil {
		st.ticket.Cancel()
		st.ticket = nil
	}

	close(st.retired)
	st.retired = make(chan struct{})
	st.localID = localID
	st.win = stream.Window{StreamID: st.streamID}
}

// Close retires the stream's window and stops its transfer. Cache
// contents stay on disk for the janitor to age out.
func (m *Manager) Close(ctx context.Context, st *State) {
	st.mu.Lock()

	if st.closed {
		st.mu.Unlock()

		return
	}

	st.closed = true
	ticket := st.ticket
	st.ticket = nil
	localID := st.localID
	close(st.retired)
	st.mu.Unlock()

	if ticket != nil {
		ticket.Cancel()

		if err := m.transport.CancelDownload(ctx, localID); err != nil {
			logctx.LoggerFromContext(ctx).Warn("cancelling transfer on close", "stream_id", st.streamID, "err", err)
		}
	}
}

// retireLocked cancels the active transfer at both layers and wakes
// every wait parked on the old window.
func (m *Manager) retireLocked(ctx context.Context, st *State) {
	st.ticket.Cancel()
	st.ticket = nil
	close(st.retired)
	st.retired = make(chan struct{})

	if err := m.transport.CancelDownload(ctx, st.localID); err != nil {
		logctx.LoggerFromContext(ctx).Warn("cancelling retired transfer", "stream_id", st.streamID, "err", err)
	}
}

// submitLocked hands the transfer for [start, start+size) to the
// scheduler. The start func captures plain values only; it runs on the
// job's context without touching the stream's lock.
func (m *Manager) submitLocked(ctx context.Context, st *State, start, size int64) error {
	localID := st.localID
	priority := priorityFor(st.kind)

	ticket, err := m.sched.Submit(ctx, st.streamID, st.kind, func(jobCtx context.Context) (*stream.DownloadHandle, error) {
		return m.transport.StartPartialDownload(jobCtx, localID, start, size, priority)
	})
	if err != nil {
		return fmt.Errorf("window: submitting transfer for stream %s: %w", st.streamID, err)
	}

	st.ticket = ticket

	return nil
}

// grow enlarges the active window in place. The anchor is kept so the
// fetched prefix stays contiguous for the validator; the old transfer
// is retired at both layers and a larger one takes its place without
// disturbing parked waits.
func (m *Manager) grow(ctx context.Context, st *State, upto int64, s config.Settings) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed || st.ticket == nil {
		return
	}

	size := (upto - st.win.Start) + s.SeekMarginBytes
	if size > s.MaxWindowBytes {
		size = s.MaxWindowBytes
	}

	if size <= st.win.RequestedSize {
		return
	}

	st.ticket.Cancel()
	st.ticket = nil

	if err := m.transport.CancelDownload(ctx, st.localID); err != nil {
		logctx.LoggerFromContext(ctx).Warn("cancelling transfer before extension", "stream_id", st.streamID, "err", err)
	}

	if err := m.submitLocked(ctx, st, st.win.Start, size); err != nil {
		logctx.LoggerFromContext(ctx).Error("extending window", "stream_id", st.streamID, "err", err)

		return
	}

	st.win.RequestedSize = size

	m.tel.RecordWindowOpened("extend", size)

	logctx.LoggerFromContext(ctx).Info("window extended",
		"stream_id", st.streamID,
		"start", st.win.Start,
		"size", humanize.IBytes(uint64(size)),
	)
}

// publishProgress mirrors the transport's view into the tracked window
// so status reporting stays truthful.
func (m *Manager) publishProgress(st *State, win stream.Window, state stream.LocalFileState, available int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.win.Start != win.Start {
		return
	}

	prefix := available - st.win.Start
	if prefix < 0 {
		prefix = 0
	}

	st.win.PrefixBytes = prefix
	st.win.Complete = state.Complete
}

func planWindow(prev stream.Window, target int64, mode stream.Mode, s config.Settings, hadWindow bool) (start, size int64) {
	if mode == stream.ModeInitialStart {
		return 0, s.InitialWindowBytes
	}

	start = alignDown(target, windowAlign)

	// Keeping the previous anchor preserves the contiguous prefix; only
	// re-anchor when covering the target from there would blow the
	// window cap.
	if hadWindow && target >= prev.Start && (target-prev.Start)+s.SeekMarginBytes <= s.MaxWindowBytes {
		start = prev.Start
	}

	size = (target - start) + s.SeekMarginBytes
	if size > s.MaxWindowBytes {
		size = s.MaxWindowBytes
	}

	return start, size
}

func alignDown(v, boundary int64) int64 {
	return v - v%boundary
}

func priorityFor(kind stream.Kind) uint8 {
	if kind == stream.KindVideo {
		return stream.PriorityVideo
	}

	return stream.PriorityThumbnail
}

func probeFile(path string, prefixLen, totalSize int64) (mp4.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return mp4.Result{}, fmt.Errorf("window: opening cache file: %w", err)
	}
	defer f.Close()

	return mp4.Probe(f, prefixLen, totalSize)
}
