// Package identity maps stable remote file IDs to the volatile local
// IDs the transport layer works with. Mappings live until they are
// invalidated; they are never persisted and never expire on a timer.
package identity

import (
	"context"
	"sync"

	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// Resolver caches remote-to-local identity resolutions. Concurrent
// resolves of the same remote ID share a single transport call.
type Resolver struct {
	transport stream.Transport
	tel       *telemetry.Telemetry

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]stream.Resolution
}

// NewResolver creates a resolver backed by the given transport.
func NewResolver(transport stream.Transport, tel *telemetry.Telemetry) *Resolver {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Resolver{
		transport: transport,
		tel:       tel,
		cache:     make(map[string]stream.Resolution),
	}
}

// Resolve returns the local identity for a remote ID, asking the
// transport only when no cached mapping exists. Failed resolutions are
// not cached; the next call asks the transport again.
func (r *Resolver) Resolve(ctx context.Context, remoteID string) (stream.Resolution, error) {
	r.mu.RLock()
	res, ok := r.cache[remoteID]
	r.mu.RUnlock()

	if ok {
		r.tel.RecordResolution("hit")

		return res, nil
	}

	// One caller's cancellation must not fail the flight for everyone
	// sharing it.
	flightCtx := context.WithoutCancel(ctx)

	v, err, _ := r.group.Do(remoteID, func() (any, error) {
		r.mu.RLock()
		res, ok := r.cache[remoteID]
		r.mu.RUnlock()

		if ok {
			return res, nil
		}

		res, err := r.transport.ResolveRemoteFile(flightCtx, remoteID)
		if err != nil {
			return stream.Resolution{}, err
		}

		r.mu.Lock()
		r.cache[remoteID] = res
		r.mu.Unlock()

		return res, nil
	})
	if err != nil {
		r.tel.RecordResolution("error")

		return stream.Resolution{}, &stream.ResolutionError{RemoteID: remoteID, Err: err}
	}

	r.tel.RecordResolution("miss")

	return v.(stream.Resolution), nil
}

// Invalidate drops the cached mapping for a remote ID. An in-flight
// resolve is forgotten too, so the next Resolve always reaches the
// transport.
func (r *Resolver) Invalidate(remoteID string) {
	r.mu.Lock()
	_, ok := r.cache[remoteID]
	delete(r.cache, remoteID)
	r.mu.Unlock()

	r.group.Forget(remoteID)

	if ok {
		r.tel.RecordInvalidation()
	}
}
