package stream

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages. Transports wrap ErrNotFound
// when the remote store rejects an identity, which is how the engine
// tells a stale local handle from an ordinary failure.
var (
	ErrNotFound         = errors.New("not found")
	ErrClosed           = errors.New("stream closed")
	ErrReaderBusy       = errors.New("reader already open for stream")
	ErrRangeUnavailable = errors.New("requested range not yet downloaded")
)

// IsNotFound reports whether err, anywhere in its chain, marks an
// identity the remote store does not know.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ResolutionError is returned when a remote identity could not be
// mapped to a session-local handle.
type ResolutionError struct {
	RemoteID string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving remote file %q: %s", e.RemoteID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// StaleIdentityError is returned when the remote store rejected a
// session-local handle and a fresh resolution did not recover the
// operation.
type StaleIdentityError struct {
	RemoteID string
	LocalID  int64
}

func (e *StaleIdentityError) Error() string {
	return fmt.Sprintf("local file %d for remote %q is stale", e.LocalID, e.RemoteID)
}

// TimeoutError is returned when an availability wait ran out of time
// before the requested bytes landed.
type TimeoutError struct {
	StreamID string
	Offset   int64
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream %s: bytes through offset %d not available after %s", e.StreamID, e.Offset, e.Waited)
}

// TransferError is returned when the transport gave up on a download
// for a reason other than cancellation.
type TransferError struct {
	StreamID string
	LocalID  int64
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("stream %s: download of local file %d failed: %s", e.StreamID, e.LocalID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// InvalidContainerError is returned when the media container is
// structurally broken and no amount of further download will make the
// stream playable.
type InvalidContainerError struct {
	StreamID string
	Reason   string
}

func (e *InvalidContainerError) Error() string {
	return fmt.Sprintf("stream %s: invalid media container: %s", e.StreamID, e.Reason)
}
