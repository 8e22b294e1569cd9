// Package telegram backs the engine's transport boundary with MTProto
// file downloads over gotd. It owns the on-disk cache: every resolved
// document gets a session-local id and a cache file that ranged
// transfers write into at their absolute offsets.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gotd/td/tg"
	"github.com/italolelis/streambox/internal/logctx"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/italolelis/streambox/internal/telemetry"
)

// api is the slice of the Telegram RPC surface the transport needs.
// *tg.Client satisfies it; tests inject a fake.
type api interface {
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	UploadGetFile(ctx context.Context, request *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

// Transport implements stream.Transport on top of a connected Telegram
// client. Local ids are valid for this process only; a remote id
// resolved twice yields two distinct local files.
type Transport struct {
	api      api
	cacheDir string
	tel      *telemetry.Telemetry

	nextID atomic.Int64

	mu     sync.Mutex
	files  map[int64]*localFile
	hashes map[int64]int64
}

// NewTransport creates the transport and its cache directory.
func NewTransport(client api, cacheDir string, tel *telemetry.Telemetry) (*Transport, error) {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("telegram: creating cache dir: %w", err)
	}

	return &Transport{
		api:      client,
		cacheDir: cacheDir,
		tel:      tel,
		files:    make(map[int64]*localFile),
		hashes:   make(map[int64]int64),
	}, nil
}

// SeedChannelHash primes the access hash cache, typically from
// configuration, so the library channel needs no lookup RPC.
func (t *Transport) SeedChannelHash(channelID, accessHash int64) {
	t.mu.Lock()
	t.hashes[channelID] = accessHash
	t.mu.Unlock()
}

// ResolveRemoteFile fetches the message behind the remote id and binds
// its document, or its thumbnail, to a fresh local file.
func (t *Transport) ResolveRemoteFile(ctx context.Context, remoteID string) (stream.Resolution, error) {
	logger := logctx.LoggerFromContext(ctx)

	ref, err := parseRemoteID(remoteID)
	if err != nil {
		return stream.Resolution{}, err
	}

	loc, size, mime, err := t.locate(ctx, ref)
	if err != nil {
		return stream.Resolution{}, err
	}

	id := t.nextID.Add(1)
	f := &localFile{
		id:   id,
		path: filepath.Join(t.cacheDir, fmt.Sprintf("%d.bin", id)),
		loc:  loc,
		size: size,
	}

	t.mu.Lock()
	t.files[id] = f
	t.mu.Unlock()

	logger.Debug("remote file resolved",
		"remote_id", remoteID,
		"local_id", id,
		"size", humanize.IBytes(uint64(size)),
	)

	return stream.Resolution{LocalID: id, Size: size, MimeType: mime}, nil
}

// StartPartialDownload begins fetching limit bytes from offset into the
// local cache file (limit <= 0 means through the file end). A fetch
// anchored where the previous one was resumes behind the existing
// prefix instead of refetching it.
func (t *Transport) StartPartialDownload(ctx context.Context, localID int64, offset, limit int64, priority uint8) (*stream.DownloadHandle, error) {
	logger := logctx.LoggerFromContext(ctx)

	f, err := t.file(localID)
	if err != nil {
		return nil, err
	}

	h := stream.NewDownloadHandle(localID)

	f.mu.Lock()

	if f.cancel != nil {
		// A transfer the caller never cancelled. The new one supersedes it.
		f.cancel()
		f.cancel = nil
		f.active = nil
	}

	if !f.complete && f.anchor != offset {
		f.anchor = offset
		f.prefix = 0
	}

	end := f.size
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	from := f.anchor + f.prefix

	if f.complete || from >= end {
		f.mu.Unlock()
		h.Finish(nil)

		return h, nil
	}

	tctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.active = h
	f.mu.Unlock()

	logger.Debug("partial download started",
		"local_id", localID,
		"offset", offset,
		"resume_at", from,
		"limit", limit,
		"priority", priority,
	)

	go t.run(tctx, cancel, f, from, end, h)

	return h, nil
}

// QueryLocalFileState reports what is on disk for the local file.
func (t *Transport) QueryLocalFileState(_ context.Context, localID int64) (stream.LocalFileState, error) {
	f, err := t.file(localID)
	if err != nil {
		return stream.LocalFileState{}, err
	}

	return f.snapshot(), nil
}

// CancelDownload stops the active transfer for the local file, if any.
func (t *Transport) CancelDownload(_ context.Context, localID int64) error {
	t.mu.Lock()
	f, ok := t.files[localID]
	t.mu.Unlock()

	if !ok {
		return nil
	}

	f.mu.Lock()

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}

	f.mu.Unlock()

	return nil
}

// ActivePaths lists cache files with a transfer in flight. The janitor
// leaves these alone no matter how old they look.
func (t *Transport) ActivePaths() []string {
	t.mu.Lock()
	files := make([]*localFile, 0, len(t.files))

	for _, f := range t.files {
		files = append(files, f)
	}

	t.mu.Unlock()

	var paths []string

	for _, f := range files {
		f.mu.Lock()

		if f.active != nil {
			paths = append(paths, f.path)
		}

		f.mu.Unlock()
	}

	return paths
}

func (t *Transport) file(localID int64) (*localFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[localID]
	if !ok {
		return nil, fmt.Errorf("telegram: local file %d: %w", localID, stream.ErrNotFound)
	}

	return f, nil
}
