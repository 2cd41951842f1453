package uploadmgr

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/retention"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// fakeMetadataStore is an in-memory stand-in for *storage.DB sufficient
// to exercise the manager's state machine without a real database.
type fakeSession struct {
	storage.UploadSession
	seenChunks map[int]bool
}

type fakeMetadataStore struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	clips    map[string]bool
	created  []storage.Clip
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{
		sessions: make(map[string]*fakeSession),
		clips:    make(map[string]bool),
	}
}

func (f *fakeMetadataStore) CreateSession(ctx context.Context, s storage.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Status = storage.StatusUploading
	f.sessions[s.UploadID] = &fakeSession{UploadSession: s}
	return nil
}

func (f *fakeMetadataStore) GetSession(ctx context.Context, uploadID string) (storage.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return storage.UploadSession{}, notFound()
	}
	return s.UploadSession, nil
}

func (f *fakeMetadataStore) RecordChunk(ctx context.Context, uploadID string, chunkNumber int, storagePath string, size int64) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return 0, 0, notFound()
	}
	if s.seenChunks == nil {
		s.seenChunks = make(map[int]bool)
	}
	if !s.seenChunks[chunkNumber] {
		s.seenChunks[chunkNumber] = true
		s.UploadedChunks++
	}
	return s.UploadedChunks, s.TotalChunks, nil
}

func (f *fakeMetadataStore) MarkFailed(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return notFound()
	}
	s.Status = storage.StatusFailed
	return nil
}

func (f *fakeMetadataStore) DeleteSession(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeMetadataStore) TryReserveClipID(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clips[id] {
		return false, nil
	}
	f.clips[id] = true
	return true, nil
}

func (f *fakeMetadataStore) CreateClipAndDeleteSession(ctx context.Context, clip storage.Clip, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, clip)
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeMetadataStore) RecordDailyUpload(ctx context.Context, day time.Time) error {
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "NOT_FOUND" }
func notFound() error             { return notFoundErr{} }

func newTestManager(t *testing.T) (*Manager, *fakeMetadataStore) {
	t.Helper()
	meta := newFakeMetadataStore()
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	mgr := New(meta, chunks, blobs, retention.Default(), NewMemorySlotCounter(4), 100*1024*1024, 5*1024*1024, time.Hour)
	return mgr, meta
}

func TestInitiate_ComputesTotalChunks(t *testing.T) {
	mgr, _ := newTestManager(t)
	info, err := mgr.Initiate(context.Background(), InitiateRequest{
		Filename: "a.txt", Filesize: 12 * 1024 * 1024, MimeType: "text/plain",
		ChunkSize: 5 * 1024 * 1024, RetentionToken: "1hr",
	})
	require.NoError(t, err)
	defer mgr.ReleaseOrphanedSlot(info.UploadID)
	assert.Equal(t, 3, info.TotalChunks)
}

func TestInitiate_RejectsZeroSize(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Initiate(context.Background(), InitiateRequest{Filesize: 0, RetentionToken: "1hr"})
	require.Error(t, err)
}

func TestInitiate_RejectsBadRetention(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Initiate(context.Background(), InitiateRequest{Filesize: 10, RetentionToken: "nonsense"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_RETENTION")
}

func TestCompleteTextClip_SmallSingleChunk(t *testing.T) {
	mgr, meta := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.Initiate(ctx, InitiateRequest{
		Filename: "note.txt", Filesize: 5, MimeType: "text/plain",
		RetentionToken: "5min", IsTextContent: true,
	})
	require.NoError(t, err)

	_, err = mgr.ReceiveChunk(ctx, info.UploadID, 0, 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	result, err := mgr.Complete(ctx, info.UploadID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ClipID)
	require.Len(t, meta.created, 1)
	assert.Equal(t, "hello", string(meta.created[0].TextContent))
}

func TestCompleteFileClip_MultiChunkOutOfOrder(t *testing.T) {
	mgr, meta := newTestManager(t)
	ctx := context.Background()

	chunkSize := int64(4)
	info, err := mgr.Initiate(ctx, InitiateRequest{
		Filename: "blob.bin", Filesize: 10, MimeType: "application/octet-stream",
		ChunkSize: chunkSize, RetentionToken: "5min",
	})
	require.NoError(t, err)
	require.Equal(t, 3, info.TotalChunks)

	parts := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CC")}
	order := []int{2, 0, 1}
	for _, n := range order {
		_, err := mgr.ReceiveChunk(ctx, info.UploadID, n, int64(len(parts[n])), bytes.NewReader(parts[n]))
		require.NoError(t, err)
	}

	result, err := mgr.Complete(ctx, info.UploadID)
	require.NoError(t, err)
	require.Len(t, meta.created, 1)
	assert.Equal(t, result.ClipID, meta.created[0].ClipID)
	assert.Equal(t, int64(10), *meta.created[0].Filesize)
}

func TestReceiveChunk_WrongSizeRejectedExceptLast(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.Initiate(ctx, InitiateRequest{
		Filename: "x", Filesize: 10, ChunkSize: 5, RetentionToken: "5min",
	})
	require.NoError(t, err)
	require.Equal(t, 2, info.TotalChunks)

	_, err = mgr.ReceiveChunk(ctx, info.UploadID, 0, 3, bytes.NewReader([]byte("abc")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_CHUNK_SIZE")
}

func TestReceiveChunk_IdempotentRetryDoesNotDoubleCount(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.Initiate(ctx, InitiateRequest{
		Filename: "x", Filesize: 5, ChunkSize: 5, RetentionToken: "5min",
	})
	require.NoError(t, err)

	r1, err := mgr.ReceiveChunk(ctx, info.UploadID, 0, 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, 1, r1.UploadedChunks)

	r2, err := mgr.ReceiveChunk(ctx, info.UploadID, 0, 5, bytes.NewReader([]byte("world")))
	require.NoError(t, err)
	assert.Equal(t, 1, r2.UploadedChunks)
}

func TestAbort_TransitionsToFailedAndCleansUp(t *testing.T) {
	mgr, meta := newTestManager(t)
	ctx := context.Background()

	info, err := mgr.Initiate(ctx, InitiateRequest{
		Filename: "x", Filesize: 5, RetentionToken: "5min",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Abort(ctx, info.UploadID))
	_, err = meta.GetSession(ctx, info.UploadID)
	require.Error(t, err)
}
