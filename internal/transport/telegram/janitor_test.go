package telegram

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("cache bytes"), 0o644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestSweepCache(t *testing.T) {
	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(1<<20, "video/mp4")), nil
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)

	cold := state.Path
	writeAged(t, cold, 72*time.Hour)

	young := filepath.Join(tp.cacheDir, "young.bin")
	writeAged(t, young, time.Hour)

	kept := filepath.Join(tp.cacheDir, "kept.bin")
	writeAged(t, kept, 72*time.Hour)

	require.NoError(t, tp.SweepCache(ctx, 48*time.Hour, []string{kept}))

	assert.NoFileExists(t, cold, "cold unprotected files are deleted")
	assert.FileExists(t, young, "files inside retention stay")
	assert.FileExists(t, kept, "files backing open streams stay")

	_, err = tp.QueryLocalFileState(ctx, res.LocalID)
	assert.True(t, stream.IsNotFound(err), "a swept file takes its binding with it, got %v", err)
}

func TestSweepCache_SparesActiveTransfers(t *testing.T) {
	started := make(chan struct{}, 1)

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(1<<20, "video/mp4")), nil
		},
		getFile: func(ctx context.Context, _ *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
			select {
			case started <- struct{}{}:
			default:
			}

			<-ctx.Done()

			return nil, ctx.Err()
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 0, stream.PriorityVideo)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("transfer never started")
	}

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)

	stamp := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(state.Path, stamp, stamp))

	require.NoError(t, tp.SweepCache(ctx, 48*time.Hour, nil))
	assert.FileExists(t, state.Path, "files with a transfer in flight stay")

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))
	awaitDone(t, h)
}

func TestSweepCache_ZeroRetentionSweepsNothing(t *testing.T) {
	tp := newTestTransport(t, &fakeAPI{})

	ancient := filepath.Join(tp.cacheDir, "ancient.bin")
	writeAged(t, ancient, 240*time.Hour)

	require.NoError(t, tp.SweepCache(context.Background(), 0, nil))
	assert.FileExists(t, ancient)
}
