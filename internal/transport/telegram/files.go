package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/italolelis/streambox/internal/stream"
)

// localFile is the session-scoped record behind one local id: where the
// bytes live on disk, how to fetch more of them, and how much of the
// current window is contiguous. The id, path, location and size never
// change after resolution; everything else is guarded by mu.
type localFile struct {
	id   int64
	path string
	loc  tg.InputFileLocationClass
	size int64

	mu       sync.Mutex
	anchor   int64
	prefix   int64
	complete bool
	cancel   context.CancelFunc
	active   *stream.DownloadHandle
}

func (f *localFile) snapshot() stream.LocalFileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return stream.LocalFileState{
		Path:        f.path,
		WindowStart: f.anchor,
		PrefixBytes: f.prefix,
		TotalSize:   f.size,
		Complete:    f.complete,
	}
}

// advanceTo raises the contiguous prefix to the absolute offset abs.
// Only the transfer owning the slot may advance it: a part fetched by
// a superseded transfer can land after the window was re-anchored, and
// it says nothing about the prefix of the new window.
func (f *localFile) advanceTo(h *stream.DownloadHandle, abs int64) {
	f.mu.Lock()

	if f.active == h {
		if n := abs - f.anchor; n > f.prefix {
			f.prefix = n
		}
	}

	f.mu.Unlock()
}

// markComplete records that the fetch cursor reached abs; the file is
// complete once a zero-anchored fetch has covered all of it. Like
// advanceTo it ignores transfers that no longer own the slot.
func (f *localFile) markComplete(h *stream.DownloadHandle, abs int64) {
	f.mu.Lock()

	if f.active == h && f.anchor == 0 && abs >= f.size {
		f.complete = true
	}

	f.mu.Unlock()
}

// release clears the transfer slot if h still owns it.
func (f *localFile) release(h *stream.DownloadHandle) {
	f.mu.Lock()

	if f.active == h {
		f.active = nil
		f.cancel = nil
	}

	f.mu.Unlock()
}
