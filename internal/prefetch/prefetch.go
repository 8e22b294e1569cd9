// Package prefetch warms the thumbnail cache in the background.
// Candidates flow in from the UI layer, get deduplicated for the
// session, and are fetched in bounded batches that yield to active
// playback whenever it is buffering.
package prefetch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/streambox/internal/config"
	"github.com/italolelis/streambox/internal/identity"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/scheduler"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const queueDepth = 256

// Prefetcher drives thumbnail downloads through the scheduler without
// ever competing with playback: batches are small, settle before the
// next one starts, and hold off entirely while a video stream buffers.
type Prefetcher struct {
	resolver  *identity.Resolver
	transport stream.Transport
	sched     *scheduler.Scheduler
	settings  *config.Runtime
	buffering *stream.Signal
	tel       *telemetry.Telemetry

	mu   sync.Mutex
	seen map[string]bool

	queue chan stream.Identity
}

// New wires the prefetcher to its collaborators. The buffering signal
// is shared with the engine, which asserts it while playback waits for
// bytes.
func New(resolver *identity.Resolver, transport stream.Transport, sched *scheduler.Scheduler, settings *config.Runtime, buffering *stream.Signal, tel *telemetry.Telemetry) *Prefetcher {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Prefetcher{
		resolver:  resolver,
		transport: transport,
		sched:     sched,
		settings:  settings,
		buffering: buffering,
		tel:       tel,
		seen:      make(map[string]bool),
		queue:     make(chan stream.Identity, queueDepth),
	}
}

// Enqueue offers candidate identities for prefetching. Identities
// already fetched or already in flight this session are skipped. A
// full queue drops the candidate; it may be offered again later.
func (p *Prefetcher) Enqueue(ids ...stream.Identity) {
	for _, id := range ids {
		p.mu.Lock()

		if p.seen[id.RemoteID] {
			p.mu.Unlock()
			p.tel.RecordPrefetchItem("duplicate")

			continue
		}

		p.seen[id.RemoteID] = true
		p.mu.Unlock()

		select {
		case p.queue <- id:
		default:
			p.forget(id.RemoteID)
			p.tel.RecordPrefetchItem("dropped")
		}
	}
}

// Start launches the prefetch loop. It returns immediately; the loop
// runs until the context is cancelled.
func (p *Prefetcher) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.tel.RecordSystemError("prefetch", "panic")
				logger.Error("thumbnail prefetcher panic",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting thumbnail prefetcher after panic")
					time.Sleep(time.Second)
					p.Start(ctx)
				}
			}
		}()

		p.loop(ctx)
	}()
}

func (p *Prefetcher) loop(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("thumbnail prefetcher started")

	for {
		batch := p.nextBatch(ctx)
		if len(batch) == 0 {
			logger.Info("shutting down thumbnail prefetcher")

			return
		}

		s := p.settings.Load()

		if s.PrefetchPauseOnBuffer && p.buffering.Get() {
			p.tel.SetPrefetchPaused(true)
			logger.Info("prefetch paused while playback buffers")

			if err := p.buffering.AwaitClear(ctx); err != nil {
				p.tel.SetPrefetchPaused(false)
				logger.Info("shutting down thumbnail prefetcher")

				return
			}

			p.tel.SetPrefetchPaused(false)
			logger.Info("prefetch resumed")
		}

		p.runBatch(ctx, batch, s.PrefetchItemTimeout)
	}
}

// nextBatch blocks for the first candidate, then greedily takes
// whatever else is waiting up to the configured batch size.
func (p *Prefetcher) nextBatch(ctx context.Context) []stream.Identity {
	size := p.settings.Load().PrefetchBatchSize

	var batch []stream.Identity

	select {
	case <-ctx.Done():
		return nil
	case id := <-p.queue:
		batch = append(batch, id)
	}

	for len(batch) < size {
		select {
		case id := <-p.queue:
			batch = append(batch, id)
		default:
			return batch
		}
	}

	return batch
}

// runBatch fetches every identity in the batch and waits for all of
// them to settle. Item failures stay inside their item; only shutdown
// interrupts the batch.
func (p *Prefetcher) runBatch(ctx context.Context, batch []stream.Identity, itemTimeout time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Debug("prefetching thumbnail batch", "size", len(batch))
	p.tel.RecordPrefetchBatch(len(batch))

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range batch {
		g.Go(func() error {
			return p.fetchOne(gctx, id, itemTimeout)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Info("prefetch batch interrupted", "err", err)
	}
}

// fetchOne resolves and downloads a single thumbnail. It returns an
// error only when shutdown interrupted it; everything else is recorded
// and swallowed so the rest of the batch keeps going.
func (p *Prefetcher) fetchOne(ctx context.Context, id stream.Identity, timeout time.Duration) error {
	logger := logctx.LoggerFromContext(ctx).With("remote_id", id.RemoteID)

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.resolver.Resolve(itemCtx, id.RemoteID)
	if err != nil {
		p.forget(id.RemoteID)
		p.tel.RecordPrefetchItem("resolve_failed")
		logger.Warn("resolving prefetch candidate", "err", err)

		return ctx.Err()
	}

	localID := res.LocalID

	ticket, err := p.sched.Submit(itemCtx, "prefetch:"+id.RemoteID, stream.KindThumbnail, func(jobCtx context.Context) (*stream.DownloadHandle, error) {
		return p.transport.StartPartialDownload(jobCtx, localID, 0, 0, stream.PriorityThumbnail)
	})
	if err != nil {
		p.forget(id.RemoteID)
		p.tel.RecordPrefetchItem("submit_failed")
		logger.Warn("submitting prefetch transfer", "err", err)

		return ctx.Err()
	}

	select {
	case <-ticket.Done():
		if terr := ticket.Err(); terr != nil {
			p.forget(id.RemoteID)
			p.tel.RecordPrefetchItem("failed")
			logger.Warn("prefetching thumbnail", "err", terr)

			return nil
		}

		p.tel.RecordPrefetchItem("done")
		logger.Debug("thumbnail prefetched")

		return nil
	case <-itemCtx.Done():
		ticket.Cancel()
		p.forget(id.RemoteID)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.tel.RecordPrefetchItem("timeout")
		logger.Warn("prefetch timed out", "timeout", timeout)

		return nil
	}
}

// forget makes an identity eligible for resubmission after a failure,
// a timeout, or a dropped enqueue.
func (p *Prefetcher) forget(remoteID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.seen, remoteID)
}
