// Package stream holds the domain model shared across the engine: stream
// identities, download windows and jobs, the transport boundary, and the
// error taxonomy surfaced to callers.
package stream

import (
	"context"
	"sync"
)

// Kind classifies a download by its consumer: active playback or
// background thumbnail prefetch. The scheduler budgets each kind
// separately.
type Kind uint8

const (
	KindVideo Kind = iota
	KindThumbnail
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindThumbnail:
		return "thumbnail"
	default:
		return "unknown"
	}
}

// Mode distinguishes a cold start at offset zero from a repositioning
// seek; the window manager sizes the requested range differently for
// each.
type Mode uint8

const (
	ModeInitialStart Mode = iota
	ModeSeek
)

func (m Mode) String() string {
	switch m {
	case ModeInitialStart:
		return "initial_start"
	case ModeSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Download priorities passed through to the transport. Higher wins.
const (
	PriorityVideo     uint8 = 32
	PriorityThumbnail uint8 = 8
)

// Identity names a remote file. RemoteID is the only key that survives
// across sessions; a size hint, when known, lets the engine bound
// windows before the transport has been asked.
type Identity struct {
	RemoteID string
	SizeHint int64
}

// Resolution is the session-scoped outcome of mapping a RemoteID
// through the transport. LocalID must never be persisted: it is valid
// only until the transport reports it unknown. MimeType is advisory
// and may be empty.
type Resolution struct {
	LocalID  int64
	Size     int64
	MimeType string
}

// LocalFileState is a snapshot of the transport's on-disk cache for one
// local file. PrefixBytes counts the contiguous bytes available
// starting at WindowStart, the offset the active download is anchored
// at (zero when no ranged download ever ran).
type LocalFileState struct {
	Path        string
	WindowStart int64
	PrefixBytes int64
	TotalSize   int64
	Complete    bool
}

// Window describes the byte range currently being fetched for a
// stream. At most one non-retired window exists per stream; opening a
// replacement retires the previous one.
type Window struct {
	StreamID      string
	Start         int64
	RequestedSize int64
	PrefixBytes   int64
	Complete      bool
}

// Covers reports whether the absolute offset lies inside the window's
// requested range.
func (w Window) Covers(offset int64) bool {
	return offset >= w.Start && offset < w.Start+w.RequestedSize
}

// End returns the first absolute offset past the window's requested
// range.
func (w Window) End() int64 {
	return w.Start + w.RequestedSize
}

// Readiness is the successful outcome of an availability wait: the
// local path backing the stream and the absolute offset up to which
// bytes are confirmed readable.
type Readiness struct {
	Path      string
	Available int64
}

// JobState tracks a download job through the scheduler.
type JobState uint8

const (
	JobQueued JobState = iota
	JobActive
	JobDone
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobActive:
		return "active"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Transport is the boundary to the remote file store. Implementations
// resolve stable identities to session handles, run ranged downloads
// into an on-disk cache they own, and report cache state. The engine
// never retries through this interface; retry policy belongs to the
// caller.
type Transport interface {
	// ResolveRemoteFile maps a stable remote identity to a
	// session-local handle. Returns an error satisfying
	// errors.Is(err, ErrNotFound) when the identity is unknown.
	ResolveRemoteFile(ctx context.Context, remoteID string) (Resolution, error)

	// StartPartialDownload begins fetching limit bytes from offset
	// (limit <= 0 means through end of file) into the local cache.
	// The returned handle reports progress and completion; the
	// transfer itself is stopped with CancelDownload.
	StartPartialDownload(ctx context.Context, localID int64, offset, limit int64, priority uint8) (*DownloadHandle, error)

	// QueryLocalFileState reports what is on disk for the local file.
	QueryLocalFileState(ctx context.Context, localID int64) (LocalFileState, error)

	// CancelDownload stops the active transfer for the local file, if
	// any. Cancelling twice, or with no transfer running, is a no-op.
	CancelDownload(ctx context.Context, localID int64) error
}

// DownloadHandle is the live end of a partial download. Transports
// publish through MarkProgress and Finish; consumers select on
// Progress and Done.
type DownloadHandle struct {
	localID int64

	once   sync.Once
	done   chan struct{}
	notify chan struct{}
	err    error
}

// NewDownloadHandle creates a handle for the given local file.
func NewDownloadHandle(localID int64) *DownloadHandle {
	return &DownloadHandle{
		localID: localID,
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// LocalID identifies the file this transfer feeds.
func (h *DownloadHandle) LocalID() int64 { return h.localID }

// MarkProgress wakes any waiter without blocking. Coalesces bursts.
func (h *DownloadHandle) MarkProgress() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Finish completes the transfer exactly once. A nil err means the
// requested range was fully written; context.Canceled marks a
// cooperative cancellation.
func (h *DownloadHandle) Finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Progress pulses when new bytes have landed.
func (h *DownloadHandle) Progress() <-chan struct{} { return h.notify }

// Done is closed when the transfer has stopped for any reason.
func (h *DownloadHandle) Done() <-chan struct{} { return h.done }

// Err reports the completion error. Only valid after Done is closed.
func (h *DownloadHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
