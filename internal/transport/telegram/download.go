package telegram

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/stream"
)

// staleTypes are the RPC errors that mean the resolved location no
// longer works and the remote id must be resolved again.
var staleTypes = []string{"FILE_REFERENCE_EXPIRED", "FILE_ID_INVALID", "LOCATION_INVALID"}

// maxFloodWait bounds how long one transfer sleeps off a FLOOD_WAIT
// before failing instead. Longer waits belong to the caller's retry
// policy, not to a transfer holding a scheduler slot.
const maxFloodWait = 30 * time.Second

// run fetches [from, end) into the cache file in aligned parts. It is
// the only writer for its file while it lives.
func (t *Transport) run(ctx context.Context, cancel context.CancelFunc, f *localFile, from, end int64, h *stream.DownloadHandle) {
	logger := logctx.LoggerFromContext(ctx)

	defer cancel()
	defer f.release(h)

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		h.Finish(fmt.Errorf("telegram: opening cache file: %w", err))

		return
	}
	defer out.Close()

	cursor := alignDown(from)

	for cursor < end {
		if ctx.Err() != nil {
			h.Finish(ctx.Err())

			return
		}

		limit := partLimit(cursor, f.size)
		if limit == 0 {
			break
		}

		data, err := t.fetchPart(ctx, f.loc, cursor, limit)
		if err != nil {
			if ctx.Err() != nil {
				h.Finish(ctx.Err())

				return
			}

			if tgerr.Is(err, staleTypes...) {
				h.Finish(fmt.Errorf("telegram: local file %d: %w", f.id, stream.ErrNotFound))

				return
			}

			h.Finish(fmt.Errorf("telegram: fetching part at offset %d: %w", cursor, err))

			return
		}

		if len(data) == 0 {
			// Server-side end of file.
			break
		}

		if _, err := out.WriteAt(data, cursor); err != nil {
			h.Finish(fmt.Errorf("telegram: writing cache file: %w", err))

			return
		}

		cursor += int64(len(data))
		f.advanceTo(h, cursor)
		h.MarkProgress()
		t.tel.RecordTransportBytes("telegram", int64(len(data)))
	}

	f.markComplete(h, cursor)
	h.Finish(nil)

	logger.Debug("partial download finished", "local_id", f.id, "from", from, "end", end)
}

// fetchPart downloads one aligned part, sleeping out short flood waits
// and retrying timeouts. CDN-redirected files are not supported.
func (t *Transport) fetchPart(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		res, err := t.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
			Location: loc,
			Offset:   offset,
			Limit:    limit,
		})
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				t.tel.RecordFloodWait("telegram")

				if wait > maxFloodWait {
					return nil, fmt.Errorf("telegram: flood wait of %s exceeds budget: %w", wait, err)
				}

				logger.Warn("flood wait", "wait", wait.String(), "offset", offset)
			}

			retry, herr := tgerr.FloodWait(ctx, err)
			if retry || tgerr.Is(herr, tg.ErrTimeout) {
				continue
			}

			return nil, herr
		}

		file, ok := res.(*tg.UploadFile)
		if !ok {
			return nil, fmt.Errorf("telegram: unexpected %T response, cdn files are not supported", res)
		}

		return file.Bytes, nil
	}
}
