package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/ratelimit"
	"github.com/Dropicx/qopy-sub004/internal/retention"
	"github.com/Dropicx/qopy-sub004/internal/storage"
	"github.com/Dropicx/qopy-sub004/internal/uploadmgr"
)

// withChiParams returns a request carrying chi URL params, for exercising
// handlers directly without going through a mounted router.
func withChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type fakeUploadStore struct {
	mu       sync.Mutex
	sessions map[string]*storage.UploadSession
	clips    map[string]bool
	created  []storage.Clip
}

func newFakeUploadStore() *fakeUploadStore {
	return &fakeUploadStore{sessions: make(map[string]*storage.UploadSession), clips: make(map[string]bool)}
}

type uploadNotFoundErr struct{}

func (uploadNotFoundErr) Error() string { return "NOT_FOUND" }

func (f *fakeUploadStore) CreateSession(ctx context.Context, s storage.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Status = storage.StatusUploading
	f.sessions[s.UploadID] = &s
	return nil
}

func (f *fakeUploadStore) GetSession(ctx context.Context, uploadID string) (storage.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return storage.UploadSession{}, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
	}
	return *s, nil
}

func (f *fakeUploadStore) RecordChunk(ctx context.Context, uploadID string, chunkNumber int, storagePath string, size int64) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return 0, 0, uploadNotFoundErr{}
	}
	s.UploadedChunks++
	return s.UploadedChunks, s.TotalChunks, nil
}

func (f *fakeUploadStore) MarkFailed(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[uploadID]
	if !ok {
		return uploadNotFoundErr{}
	}
	s.Status = storage.StatusFailed
	return nil
}

func (f *fakeUploadStore) DeleteSession(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeUploadStore) TryReserveClipID(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clips[id] {
		return false, nil
	}
	f.clips[id] = true
	return true, nil
}

func (f *fakeUploadStore) CreateClipAndDeleteSession(ctx context.Context, clip storage.Clip, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, clip)
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeUploadStore) RecordDailyUpload(ctx context.Context, day time.Time) error { return nil }

func newGuardForTest(t *testing.T) *accessguard.Guard {
	t.Helper()
	guard := accessguard.New(
		ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 1000, WindowPeriod: time.Minute}, "dl-test"),
		ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 1000, WindowPeriod: time.Minute}, "cr-test"),
		ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 1000, WindowPeriod: time.Minute}, "ad-test"),
		accessguard.DefaultShortIDBlockerConfig(),
	)
	t.Cleanup(guard.Stop)
	return guard
}

func newTestUploadHandler(t *testing.T) *UploadHandler {
	t.Helper()
	meta := newFakeUploadStore()
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	mgr := uploadmgr.New(meta, chunks, blobs, retention.Default(), uploadmgr.NewMemorySlotCounter(4), 100*1024*1024, 5*1024*1024, time.Hour)

	return NewUploadHandler(mgr, newGuardForTest(t), "https://qopy.example", false)
}

func TestUploadHandler_Initiate_ReturnsSessionInfo(t *testing.T) {
	h := newTestUploadHandler(t)
	body, _ := json.Marshal(initiateBody{Filename: "a.txt", Filesize: 5, MimeType: "text/plain", Retention: "5min", IsTextContent: true})
	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Initiate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp initiateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.UploadID)
	assert.Equal(t, 1, resp.TotalChunks)
}

func TestUploadHandler_Initiate_RejectsInvalidBody(t *testing.T) {
	h := newTestUploadHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	h.Initiate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_Initiate_RejectsBadRetention(t *testing.T) {
	h := newTestUploadHandler(t)
	body, _ := json.Marshal(initiateBody{Filename: "a.txt", Filesize: 5, MimeType: "text/plain", Retention: "nope"})
	req := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Initiate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_FullLifecycle_ChunkThenComplete(t *testing.T) {
	h := newTestUploadHandler(t)
	body, _ := json.Marshal(initiateBody{Filename: "a.txt", Filesize: 5, MimeType: "text/plain", Retention: "5min", IsTextContent: true})
	initReq := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(body))
	initRec := httptest.NewRecorder()
	h.Initiate(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)
	var initResp initiateResponse
	require.NoError(t, json.Unmarshal(initRec.Body.Bytes(), &initResp))

	chunkReq := httptest.NewRequest(http.MethodPost, "/api/upload/"+initResp.UploadID+"/chunk/0", bytes.NewReader([]byte("hello")))
	chunkReq.ContentLength = 5
	chunkReq = withChiParams(chunkReq, map[string]string{"uploadId": initResp.UploadID, "n": "0"})
	chunkRec := httptest.NewRecorder()
	h.ReceiveChunk(chunkRec, chunkReq)
	require.Equal(t, http.StatusOK, chunkRec.Code)

	completeReq := httptest.NewRequest(http.MethodPost, "/api/upload/"+initResp.UploadID+"/complete", nil)
	completeReq = withChiParams(completeReq, map[string]string{"uploadId": initResp.UploadID})
	completeRec := httptest.NewRecorder()
	h.Complete(completeRec, completeReq)

	require.Equal(t, http.StatusOK, completeRec.Code)
	var completeResp completeResponse
	require.NoError(t, json.Unmarshal(completeRec.Body.Bytes(), &completeResp))
	assert.NotEmpty(t, completeResp.ClipID)
	assert.Equal(t, "https://qopy.example/clip/"+completeResp.ClipID, completeResp.URL)
}

// A completed file (non-text) upload must resolve to /file/{clipId}, not
// /clip/{clipId} — the endpoints enforce content type and a file clip
// behind the wrong URL is unreachable.
func TestUploadHandler_FullLifecycle_FileUploadCompletesWithFileURL(t *testing.T) {
	h := newTestUploadHandler(t)
	body, _ := json.Marshal(initiateBody{Filename: "a.bin", Filesize: 5, MimeType: "application/octet-stream", Retention: "5min", IsTextContent: false})
	initReq := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(body))
	initRec := httptest.NewRecorder()
	h.Initiate(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)
	var initResp initiateResponse
	require.NoError(t, json.Unmarshal(initRec.Body.Bytes(), &initResp))

	chunkReq := httptest.NewRequest(http.MethodPost, "/api/upload/"+initResp.UploadID+"/chunk/0", bytes.NewReader([]byte("hello")))
	chunkReq.ContentLength = 5
	chunkReq = withChiParams(chunkReq, map[string]string{"uploadId": initResp.UploadID, "n": "0"})
	chunkRec := httptest.NewRecorder()
	h.ReceiveChunk(chunkRec, chunkReq)
	require.Equal(t, http.StatusOK, chunkRec.Code)

	completeReq := httptest.NewRequest(http.MethodPost, "/api/upload/"+initResp.UploadID+"/complete", nil)
	completeReq = withChiParams(completeReq, map[string]string{"uploadId": initResp.UploadID})
	completeRec := httptest.NewRecorder()
	h.Complete(completeRec, completeReq)

	require.Equal(t, http.StatusOK, completeRec.Code)
	var completeResp completeResponse
	require.NoError(t, json.Unmarshal(completeRec.Body.Bytes(), &completeResp))
	assert.NotEmpty(t, completeResp.ClipID)
	assert.Equal(t, "https://qopy.example/file/"+completeResp.ClipID, completeResp.URL)
}

func TestUploadHandler_Abort_ReturnsNoContent(t *testing.T) {
	h := newTestUploadHandler(t)
	body, _ := json.Marshal(initiateBody{Filename: "a.txt", Filesize: 5, MimeType: "text/plain", Retention: "5min", IsTextContent: true})
	initReq := httptest.NewRequest(http.MethodPost, "/api/upload/init", bytes.NewReader(body))
	initRec := httptest.NewRecorder()
	h.Initiate(initRec, initReq)
	var initResp initiateResponse
	require.NoError(t, json.Unmarshal(initRec.Body.Bytes(), &initResp))

	abortReq := httptest.NewRequest(http.MethodDelete, "/api/upload/"+initResp.UploadID, nil)
	abortReq = withChiParams(abortReq, map[string]string{"uploadId": initResp.UploadID})
	abortRec := httptest.NewRecorder()
	h.Abort(abortRec, abortReq)

	assert.Equal(t, http.StatusNoContent, abortRec.Code)
}

func TestUploadHandler_ReceiveChunk_UnknownUploadID404s(t *testing.T) {
	h := newTestUploadHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/upload/missing/chunk/0", bytes.NewReader([]byte("x")))
	req.ContentLength = 1
	req = withChiParams(req, map[string]string{"uploadId": "missing", "n": "0"})
	rec := httptest.NewRecorder()

	h.ReceiveChunk(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
