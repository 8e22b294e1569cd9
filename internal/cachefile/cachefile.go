// Package cachefile hands out positioned readers over the cache files
// backing streams. Readers carry no cursor and no buffering; every
// read goes straight to the file at the caller's offset.
package cachefile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/italolelis/streambox/internal/stream"
)

// Registry enforces one open reader per stream.
type Registry struct {
	mu   sync.Mutex
	open map[string]*Reader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{open: make(map[string]*Reader)}
}

// Open binds a reader for the stream to the given cache file. It fails
// with ErrReaderBusy while a previous reader for the same stream is
// still open. Different streams may read the same file.
func (g *Registry) Open(streamID, path string) (*Reader, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.open[streamID]; ok {
		return nil, fmt.Errorf("cachefile: stream %s: %w", streamID, stream.ErrReaderBusy)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cachefile: opening %s: %w", path, err)
	}

	r := &Reader{registry: g, streamID: streamID, f: f}
	g.open[streamID] = r

	return r, nil
}

func (g *Registry) release(streamID string, r *Reader) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open[streamID] == r {
		delete(g.open, streamID)
	}
}

// Reader reads a stream's cache file at explicit offsets.
type Reader struct {
	registry *Registry
	streamID string
	f        *os.File
	closed   atomic.Bool
}

// Path reports the file the reader is bound to.
func (r *Reader) Path() string { return r.f.Name() }

// ReadAt reads len(p) bytes starting at off. Offsets inside holes of a
// sparsely written file read as zeros; callers gate on availability
// before reading.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("cachefile: stream %s: %w", r.streamID, stream.ErrClosed)
	}

	return r.f.ReadAt(p, off)
}

// Close releases the stream's reader slot. The cache file itself stays
// on disk; eviction is the janitor's job, never the reader's.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.registry.release(r.streamID, r)

	if err := r.f.Close(); err != nil {
		return fmt.Errorf("cachefile: closing %s: %w", r.f.Name(), err)
	}

	return nil
}
