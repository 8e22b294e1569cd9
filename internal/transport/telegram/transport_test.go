package telegram

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/italolelis/streambox/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAPI answers the three RPCs the transport uses. Calls without a
// handler fail loudly.
type fakeAPI struct {
	mu           sync.Mutex
	channelCalls int

	getChannels func(id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	getMessages func(req *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	getFile     func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

func (a *fakeAPI) ChannelsGetChannels(_ context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error) {
	a.mu.Lock()
	a.channelCalls++
	fn := a.getChannels
	a.mu.Unlock()

	if fn == nil {
		return nil, errors.New("unexpected ChannelsGetChannels call")
	}

	return fn(id)
}

func (a *fakeAPI) ChannelsGetMessages(_ context.Context, req *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
	a.mu.Lock()
	fn := a.getMessages
	a.mu.Unlock()

	if fn == nil {
		return nil, errors.New("unexpected ChannelsGetMessages call")
	}

	return fn(req)
}

func (a *fakeAPI) UploadGetFile(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	a.mu.Lock()
	fn := a.getFile
	a.mu.Unlock()

	if fn == nil {
		return nil, errors.New("unexpected UploadGetFile call")
	}

	return fn(ctx, req)
}

func (a *fakeAPI) channelLookups() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.channelCalls
}

func newTestTransport(t *testing.T, api *fakeAPI) *Transport {
	t.Helper()

	tp, err := NewTransport(api, t.TempDir(), nil)
	require.NoError(t, err)

	return tp
}

func testDocument(size int64, mime string) *tg.Document {
	return &tg.Document{
		ID:            111,
		AccessHash:    222,
		FileReference: []byte{0xca, 0xfe},
		MimeType:      mime,
		Size:          size,
	}
}

func documentMessage(msgID int, doc *tg.Document) tg.MessagesMessagesClass {
	media := &tg.MessageMediaDocument{}
	media.SetDocument(doc)

	return &tg.MessagesChannelMessages{
		Messages: []tg.MessageClass{
			&tg.Message{ID: msgID, Media: media},
		},
	}
}

// testContent returns size deterministic bytes.
func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}

	return content
}

// serveContent answers UploadGetFile from an in-memory byte slice,
// enforcing the offset and size constraints the data centers enforce.
// Runs on the transfer goroutine, so failures are asserts, not requires.
func serveContent(t *testing.T, content []byte) func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
	return func(_ context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
		assert.Zero(t, req.Offset%kb4, "offset %d is off the 4KiB grid", req.Offset)
		assert.LessOrEqual(t, req.Limit, 524288)

		end := req.Offset + int64(req.Limit)
		if end > int64(len(content)) {
			end = int64(len(content))
		}

		return &tg.UploadFile{Bytes: content[req.Offset:end]}, nil
	}
}

func awaitDone(t *testing.T, h *stream.DownloadHandle) {
	t.Helper()

	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("transfer did not finish")
	}
}

func TestResolveRemoteFile_BindsFreshLocalID(t *testing.T) {
	api := &fakeAPI{
		getMessages: func(req *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			ch, ok := req.Channel.(*tg.InputChannel)
			require.True(t, ok)
			assert.Equal(t, int64(100), ch.ChannelID)
			assert.Equal(t, int64(999), ch.AccessHash, "seeded hash should be used")

			return documentMessage(42, testDocument(4<<20, "video/mp4")), nil
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)
	assert.NotZero(t, res.LocalID)
	assert.Equal(t, int64(4<<20), res.Size)
	assert.Equal(t, "video/mp4", res.MimeType)

	again, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)
	assert.NotEqual(t, res.LocalID, again.LocalID, "every resolution binds a fresh local id")

	assert.Zero(t, api.channelLookups(), "seeded hash needs no lookup RPC")
}

func TestResolveRemoteFile_FetchesChannelHashOnce(t *testing.T) {
	api := &fakeAPI{
		getChannels: func(id []tg.InputChannelClass) (tg.MessagesChatsClass, error) {
			require.Len(t, id, 1)

			return &tg.MessagesChats{
				Chats: []tg.ChatClass{&tg.Channel{ID: 100, AccessHash: 555}},
			}, nil
		},
		getMessages: func(req *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			ch, ok := req.Channel.(*tg.InputChannel)
			require.True(t, ok)
			assert.Equal(t, int64(555), ch.AccessHash, "looked-up hash should be used")

			return documentMessage(42, testDocument(1<<20, "video/mp4")), nil
		},
	}

	tp := newTestTransport(t, api)
	ctx := context.Background()

	_, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	_, err = tp.ResolveRemoteFile(ctx, "100:43")
	require.NoError(t, err)

	assert.Equal(t, 1, api.channelLookups(), "hash should be cached after the first lookup")
}

func TestResolveRemoteFile_Thumbnail(t *testing.T) {
	doc := testDocument(4<<20, "video/mp4")
	doc.SetThumbs([]tg.PhotoSizeClass{
		&tg.PhotoSize{Type: "m", W: 320, H: 180, Size: 1234},
		&tg.PhotoSize{Type: "x", W: 800, H: 450, Size: 5678},
	})

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, doc), nil
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	res, err := tp.ResolveRemoteFile(context.Background(), "100:42#thumb")
	require.NoError(t, err)
	assert.Equal(t, int64(5678), res.Size, "largest thumbnail wins")
	assert.Equal(t, "image/jpeg", res.MimeType)

	f, err := tp.file(res.LocalID)
	require.NoError(t, err)

	loc, ok := f.loc.(*tg.InputDocumentFileLocation)
	require.True(t, ok)
	assert.Equal(t, "x", loc.ThumbSize)
}

func TestResolveRemoteFile_NotFound(t *testing.T) {
	tests := []struct {
		name     string
		response tg.MessagesMessagesClass
	}{
		{
			name: "message deleted",
			response: &tg.MessagesChannelMessages{
				Messages: []tg.MessageClass{&tg.MessageEmpty{ID: 42}},
			},
		},
		{
			name: "message has no media",
			response: &tg.MessagesChannelMessages{
				Messages: []tg.MessageClass{&tg.Message{ID: 42, Message: "plain text"}},
			},
		},
		{
			name: "document without thumbnail",
			response: func() tg.MessagesMessagesClass {
				return documentMessage(42, testDocument(1<<20, "video/mp4"))
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
					return tt.response, nil
				},
			}

			tp := newTestTransport(t, api)
			tp.SeedChannelHash(100, 999)

			_, err := tp.ResolveRemoteFile(context.Background(), "100:42#thumb")
			assert.True(t, stream.IsNotFound(err), "want not-found, got %v", err)
		})
	}
}

func TestStartPartialDownload_FetchesWindow(t *testing.T) {
	content := testContent(3 << 20)

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(int64(len(content)), "video/mp4")), nil
		},
		getFile: serveContent(t, content),
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 1<<20, stream.PriorityVideo)
	require.NoError(t, err)

	awaitDone(t, h)
	require.NoError(t, h.Err())

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.WindowStart)
	assert.GreaterOrEqual(t, state.PrefixBytes, int64(1<<20))
	assert.Equal(t, int64(len(content)), state.TotalSize)
	assert.False(t, state.Complete)

	got, err := os.ReadFile(state.Path)
	require.NoError(t, err)
	assert.Equal(t, content[:state.PrefixBytes], got)
}

func TestStartPartialDownload_CompletesWholeFile(t *testing.T) {
	content := testContent(12288)

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(int64(len(content)), "video/mp4")), nil
		},
		getFile: serveContent(t, content),
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 0, stream.PriorityThumbnail)
	require.NoError(t, err)

	awaitDone(t, h)
	require.NoError(t, h.Err())

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.True(t, state.Complete)
	assert.Equal(t, int64(len(content)), state.PrefixBytes)

	got, err := os.ReadFile(state.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStartPartialDownload_ResumesBehindPrefix(t *testing.T) {
	content := testContent(3 << 20)

	var (
		mu      sync.Mutex
		offsets []int64
	)

	serve := serveContent(t, content)

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(int64(len(content)), "video/mp4")), nil
		},
		getFile: func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
			mu.Lock()
			offsets = append(offsets, req.Offset)
			mu.Unlock()

			return serve(ctx, req)
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 524288, stream.PriorityVideo)
	require.NoError(t, err)
	awaitDone(t, h)
	require.NoError(t, h.Err())

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)

	mu.Lock()
	firstRound := len(offsets)
	mu.Unlock()

	h, err = tp.StartPartialDownload(ctx, res.LocalID, 0, 2<<20, stream.PriorityVideo)
	require.NoError(t, err)
	awaitDone(t, h)
	require.NoError(t, h.Err())

	mu.Lock()
	defer mu.Unlock()

	require.Greater(t, len(offsets), firstRound, "the wider window needs more parts")
	assert.GreaterOrEqual(t, offsets[firstRound], state.PrefixBytes,
		"the second fetch must resume behind the prefix, not refetch it")
}

func TestStartPartialDownload_StaleReference(t *testing.T) {
	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(1<<20, "video/mp4")), nil
		},
		getFile: func(context.Context, *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
			return nil, tgerr.New(400, "FILE_REFERENCE_EXPIRED")
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 262144, stream.PriorityVideo)
	require.NoError(t, err)

	awaitDone(t, h)
	assert.True(t, stream.IsNotFound(h.Err()),
		"an expired file reference must surface as not-found, got %v", h.Err())
}

func TestCancelDownload_StopsTransfer(t *testing.T) {
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

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))

	awaitDone(t, h)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestStartPartialDownload_SupersedesActiveTransfer(t *testing.T) {
	started := make(chan struct{}, 2)

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(16<<20, "video/mp4")), nil
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

	first, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 1<<20, stream.PriorityVideo)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("first transfer never started")
	}

	second, err := tp.StartPartialDownload(ctx, res.LocalID, 2<<20, 1<<20, stream.PriorityVideo)
	require.NoError(t, err)

	awaitDone(t, first)
	assert.ErrorIs(t, first.Err(), context.Canceled, "a new transfer supersedes the active one")

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), state.WindowStart)
	assert.Zero(t, state.PrefixBytes, "re-anchoring resets the prefix")

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))
	awaitDone(t, second)
}

func TestStartPartialDownload_LatePartFromSupersededTransfer(t *testing.T) {
	content := testContent(4 << 20)
	serve := serveContent(t, content)

	started := make(chan struct{}, 1)
	stall := make(chan struct{})

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(int64(len(content)), "video/mp4")), nil
		},
		getFile: func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
			if req.Offset < 2<<20 {
				<-ctx.Done()

				return nil, ctx.Err()
			}

			select {
			case started <- struct{}{}:
			default:
			}

			// The response is already on the wire when the transfer
			// gets superseded; it lands regardless of cancellation.
			<-stall

			return serve(ctx, req)
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	first, err := tp.StartPartialDownload(ctx, res.LocalID, 2<<20, 1<<20, stream.PriorityVideo)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("first transfer never started")
	}

	second, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 262144, stream.PriorityVideo)
	require.NoError(t, err)

	close(stall)

	awaitDone(t, first)
	assert.ErrorIs(t, first.Err(), context.Canceled)

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.WindowStart)
	assert.Zero(t, state.PrefixBytes,
		"a part fetched for the old window must not advance the new one")
	assert.False(t, state.Complete)

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))
	awaitDone(t, second)
}

func TestStartPartialDownload_SupersededTailDoesNotCompleteFile(t *testing.T) {
	content := testContent(12288)
	serve := serveContent(t, content)

	started := make(chan struct{}, 1)
	stall := make(chan struct{})

	api := &fakeAPI{
		getMessages: func(*tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error) {
			return documentMessage(42, testDocument(int64(len(content)), "video/mp4")), nil
		},
		getFile: func(ctx context.Context, req *tg.UploadGetFileRequest) (tg.UploadFileClass, error) {
			if req.Offset < 8192 {
				<-ctx.Done()

				return nil, ctx.Err()
			}

			select {
			case started <- struct{}{}:
			default:
			}

			<-stall

			return serve(ctx, req)
		},
	}

	tp := newTestTransport(t, api)
	tp.SeedChannelHash(100, 999)

	ctx := context.Background()

	res, err := tp.ResolveRemoteFile(ctx, "100:42")
	require.NoError(t, err)

	// A tail window: one part away from the end of the file.
	first, err := tp.StartPartialDownload(ctx, res.LocalID, 8192, 0, stream.PriorityVideo)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("first transfer never started")
	}

	second, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 4096, stream.PriorityVideo)
	require.NoError(t, err)

	close(stall)
	awaitDone(t, first)

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.False(t, state.Complete,
		"a superseded tail fetch reaching end of file must not mark it complete")
	assert.Zero(t, state.PrefixBytes)
	assert.Equal(t, int64(0), state.WindowStart)

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))
	awaitDone(t, second)
}

func TestActivePaths(t *testing.T) {
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

	assert.Empty(t, tp.ActivePaths())

	h, err := tp.StartPartialDownload(ctx, res.LocalID, 0, 0, stream.PriorityVideo)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("transfer never started")
	}

	state, err := tp.QueryLocalFileState(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, []string{state.Path}, tp.ActivePaths())

	require.NoError(t, tp.CancelDownload(ctx, res.LocalID))
	awaitDone(t, h)

	assert.Eventually(t, func() bool { return len(tp.ActivePaths()) == 0 },
		waitTimeout, 10*time.Millisecond, "finished transfer should release its slot")
}
