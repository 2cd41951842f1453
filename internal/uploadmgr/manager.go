// Package uploadmgr implements the per-upload state machine: initiate,
// receive chunk, complete, abort. It is the sole coordinator of
// ChunkStore, MetadataStore, and BlobStore during an upload's lifetime.
package uploadmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/idalloc"
	"github.com/Dropicx/qopy-sub004/internal/metrics"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/retention"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// MetadataStore is the subset of *storage.DB the manager depends on,
// narrowed to ease testing with a fake.
type MetadataStore interface {
	CreateSession(ctx context.Context, s storage.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (storage.UploadSession, error)
	RecordChunk(ctx context.Context, uploadID string, chunkNumber int, storagePath string, size int64) (uploaded, total int, err error)
	MarkFailed(ctx context.Context, uploadID string) error
	DeleteSession(ctx context.Context, uploadID string) error
	TryReserveClipID(ctx context.Context, id string) (bool, error)
	CreateClipAndDeleteSession(ctx context.Context, clip storage.Clip, uploadID string) error
	RecordDailyUpload(ctx context.Context, day time.Time) error
}

// InitiateRequest carries the fields a client supplies at upload/init.
type InitiateRequest struct {
	Filename           string
	Filesize           int64
	MimeType           string
	ChunkSize          int64 // 0 means use the configured default
	OneTime            bool
	QuickShare         bool
	HasPassword        bool
	IsTextContent      bool
	AccessCodeHash     string // empty means no access code required
	RetentionToken     string
}

// SessionInfo is returned to the client after a successful initiate.
type SessionInfo struct {
	UploadID    string
	TotalChunks int
	ChunkSize   int64
}

// ChunkResult is returned after a successful chunk upload.
type ChunkResult struct {
	UploadedChunks int
	TotalChunks    int
}

// Manager coordinates the upload state machine.
type Manager struct {
	meta             MetadataStore
	chunks           *chunkstore.Store
	blobs            *blobstore.Store
	ladder           retention.Ladder
	slots            SlotCounter
	maxFileSize      int64
	defaultChunkSize int64
	uploadTTL        time.Duration

	// releasesMu guards releases, which tracks the concurrent-upload
	// slot held by each in-flight session so Complete/Abort can give it
	// back without the HTTP layer having to manage the closure itself.
	releasesMu sync.Mutex
	releases   map[string]func()
}

// New constructs a Manager.
func New(meta MetadataStore, chunks *chunkstore.Store, blobs *blobstore.Store, ladder retention.Ladder, slots SlotCounter, maxFileSize, defaultChunkSize int64, uploadTTL time.Duration) *Manager {
	return &Manager{
		meta:             meta,
		chunks:           chunks,
		blobs:            blobs,
		ladder:           ladder,
		slots:            slots,
		maxFileSize:      maxFileSize,
		defaultChunkSize: defaultChunkSize,
		uploadTTL:        uploadTTL,
		releases:         make(map[string]func()),
	}
}

func (m *Manager) trackRelease(uploadID string, release func()) {
	m.releasesMu.Lock()
	m.releases[uploadID] = release
	m.releasesMu.Unlock()
}

// releaseSlot returns the session's concurrent-upload slot, if any is
// still tracked. Safe to call more than once for the same uploadID.
func (m *Manager) releaseSlot(uploadID string) {
	m.releasesMu.Lock()
	release, ok := m.releases[uploadID]
	delete(m.releases, uploadID)
	m.releasesMu.Unlock()
	if ok {
		release()
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[\x00-\x1f]`)

// sanitizeFilename strips path separators, NULs/control characters, and
// ".." segments, then caps length. It is used only for display — no
// on-disk path is ever derived from it.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}

func newUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Initiate validates req, opens a concurrent-upload slot, and persists a
// new session in status 'uploading'. The slot is held for the lifetime
// of the session and released internally by Complete or Abort.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (SessionInfo, error) {
	if req.Filesize <= 0 {
		return SessionInfo{}, qopyerr.New(qopyerr.KindValidation, "INVALID_SIZE").WithHint("filesize must be positive")
	}
	if req.Filesize > m.maxFileSize {
		return SessionInfo{}, qopyerr.New(qopyerr.KindPayload, "PAYLOAD_TOO_LARGE")
	}

	if _, err := m.ladder.Resolve(req.RetentionToken); err != nil {
		return SessionInfo{}, err
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.defaultChunkSize
	}

	release, ok, err := m.slots.Acquire(ctx)
	if err != nil {
		return SessionInfo{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if !ok {
		return SessionInfo{}, qopyerr.New(qopyerr.KindRate, "TOO_MANY_CONCURRENT_UPLOADS")
	}

	totalChunks := int((req.Filesize + chunkSize - 1) / chunkSize)

	uploadID, err := newUploadID()
	if err != nil {
		release()
		return SessionInfo{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	now := time.Now()
	session := storage.UploadSession{
		UploadID:         uploadID,
		OriginalFilename: sanitizeFilename(req.Filename),
		MimeType:         req.MimeType,
		Filesize:         req.Filesize,
		ChunkSize:        chunkSize,
		TotalChunks:      totalChunks,
		HasPassword:      req.HasPassword,
		OneTime:          req.OneTime,
		QuickShare:       req.QuickShare,
		IsTextContent:    req.IsTextContent,
		RetentionToken:   req.RetentionToken,
		ExpirationTime:   now.Add(m.uploadTTL).UnixMilli(),
	}
	if req.AccessCodeHash != "" {
		session.AccessCodeHash = &req.AccessCodeHash
		session.RequiresAccessCode = true
	}

	if err := m.meta.CreateSession(ctx, session); err != nil {
		release()
		return SessionInfo{}, err
	}
	m.trackRelease(uploadID, release)

	if err := m.meta.RecordDailyUpload(ctx, now); err != nil {
		log.Warn().Err(err).Msg("failed to record daily upload counter")
	}

	log.Info().Str("upload_id", uploadID).Int64("filesize", req.Filesize).Int("total_chunks", totalChunks).Msg("upload initiated")
	metrics.UploadsInitiated.Inc()

	return SessionInfo{UploadID: uploadID, TotalChunks: totalChunks, ChunkSize: chunkSize}, nil
}

// ReceiveChunk validates and persists chunk k of uploadID. The write is
// idempotent: re-uploading the same (uploadID, k) overwrites the stored
// bytes without double-counting uploaded_chunks.
func (m *Manager) ReceiveChunk(ctx context.Context, uploadID string, k int, declaredSize int64, r io.Reader) (ChunkResult, error) {
	session, err := m.meta.GetSession(ctx, uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if session.Status != storage.StatusUploading {
		return ChunkResult{}, qopyerr.New(qopyerr.KindConflict, "INVALID_STATE")
	}
	if session.ExpirationTime < time.Now().UnixMilli() {
		return ChunkResult{}, qopyerr.New(qopyerr.KindGone, "SESSION_EXPIRED")
	}
	if k < 0 || k >= session.TotalChunks {
		return ChunkResult{}, qopyerr.New(qopyerr.KindValidation, "INVALID_CHUNK_SIZE").WithHint("chunk index out of range")
	}

	isLast := k == session.TotalChunks-1
	expected := session.ChunkSize
	if isLast {
		expected = session.Filesize - int64(k)*session.ChunkSize
	}
	if declaredSize != expected {
		return ChunkResult{}, qopyerr.New(qopyerr.KindValidation, "INVALID_CHUNK_SIZE")
	}

	path, written, err := m.chunks.WriteChunk(ctx, uploadID, k, io.LimitReader(r, expected+1))
	if err != nil {
		return ChunkResult{}, err
	}
	if written != expected {
		return ChunkResult{}, qopyerr.New(qopyerr.KindValidation, "INVALID_CHUNK_SIZE").WithHint("actual body size did not match declared size")
	}

	uploaded, total, err := m.meta.RecordChunk(ctx, uploadID, k, path, written)
	if err != nil {
		return ChunkResult{}, err
	}
	metrics.ChunksWritten.Inc()

	return ChunkResult{UploadedChunks: uploaded, TotalChunks: total}, nil
}

// CompleteResult carries what the HTTP layer needs to shape a response
// after a successful completion.
type CompleteResult struct {
	ClipID      string
	ContentType string // storage.ContentTypeText or storage.ContentTypeFile
}

// Complete assembles all chunks of uploadID into a blob, allocates a
// clip_id, and atomically creates the Clip row while deleting the
// session. The resolved retention duration is recomputed from the
// session's stored retention_token rather than reusing its
// (upload-time) expiration_time, per the unified retention-resolution
// design.
func (m *Manager) Complete(ctx context.Context, uploadID string) (CompleteResult, error) {
	session, err := m.meta.GetSession(ctx, uploadID)
	if err != nil {
		return CompleteResult{}, err
	}
	if session.Status != storage.StatusUploading {
		return CompleteResult{}, qopyerr.New(qopyerr.KindConflict, "INVALID_STATE")
	}
	if session.UploadedChunks != session.TotalChunks {
		return CompleteResult{}, qopyerr.New(qopyerr.KindConflict, "INCOMPLETE")
	}

	duration, err := m.ladder.Resolve(session.RetentionToken)
	if err != nil {
		return CompleteResult{}, err
	}

	kind := idalloc.Enhanced
	if session.QuickShare {
		kind = idalloc.Quick
	}
	clipID, err := idalloc.Allocate(ctx, m.meta, kind)
	if err != nil {
		return CompleteResult{}, err
	}

	contentType := storage.ContentTypeFile
	if session.IsTextContent {
		contentType = storage.ContentTypeText
	}

	var clip storage.Clip
	clip.ClipID = clipID
	clip.ContentType = contentType
	clip.OneTime = session.OneTime
	clip.QuickShare = session.QuickShare
	clip.AccessCodeHash = session.AccessCodeHash
	clip.RequiresAccessCode = session.RequiresAccessCode
	clip.ExpirationTime = time.Now().Add(duration).UnixMilli()
	clip.MaxAccesses = 1
	if !session.OneTime {
		clip.MaxAccesses = 1 << 30
	}
	if session.HasPassword {
		sentinel := "client-encrypted"
		clip.PasswordHash = &sentinel
	}
	filename := session.OriginalFilename
	mime := session.MimeType
	clip.OriginalFilename = &filename
	clip.MimeType = &mime

	if contentType == storage.ContentTypeText {
		buf := &limitedBuffer{}
		written, err := m.chunks.Concatenate(ctx, uploadID, session.TotalChunks, buf)
		if err != nil {
			return CompleteResult{}, err
		}
		if written != session.Filesize {
			return CompleteResult{}, qopyerr.New(qopyerr.KindPayload, "SIZE_MISMATCH")
		}
		clip.TextContent = buf.Bytes()
	} else {
		pr, pw := io.Pipe()
		go func() {
			_, err := m.chunks.Concatenate(ctx, uploadID, session.TotalChunks, pw)
			pw.CloseWithError(err)
		}()

		path, size, err := m.blobs.Put(clipID, pr)
		if err != nil {
			return CompleteResult{}, err
		}
		if size != session.Filesize {
			_ = m.blobs.Delete(clipID)
			return CompleteResult{}, qopyerr.New(qopyerr.KindPayload, "SIZE_MISMATCH")
		}
		clip.FilePath = &path
		clip.Filesize = &session.Filesize
	}

	if err := m.meta.CreateClipAndDeleteSession(ctx, clip, uploadID); err != nil {
		if contentType == storage.ContentTypeFile {
			_ = m.blobs.Delete(clipID)
		}
		return CompleteResult{}, err
	}

	// Best effort: the Sweeper repairs anything left behind by a crash
	// between the commit above and this cleanup.
	if err := m.chunks.DeleteSession(uploadID); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to clean up chunk directory after completion")
	}
	m.releaseSlot(uploadID)

	log.Info().Str("upload_id", uploadID).Str("clip_id", clipID).Msg("upload completed")
	metrics.UploadsCompleted.Inc()
	if !session.CreatedAt.IsZero() {
		metrics.UploadDuration.Observe(time.Since(session.CreatedAt).Seconds())
	}

	return CompleteResult{ClipID: clipID, ContentType: contentType}, nil
}

// Abort transitions uploadID to failed and reclaims its chunk storage.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	if err := m.meta.MarkFailed(ctx, uploadID); err != nil {
		return err
	}
	if err := m.meta.DeleteSession(ctx, uploadID); err != nil {
		return err
	}
	if err := m.chunks.DeleteSession(uploadID); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to clean up chunk directory after abort")
	}
	m.releaseSlot(uploadID)
	metrics.UploadsAborted.Inc()
	return nil
}

// ReleaseOrphanedSlot gives back the concurrent-upload slot for a
// session the Sweeper reaps directly (expired while 'uploading', never
// explicitly aborted or completed by its client).
func (m *Manager) ReleaseOrphanedSlot(uploadID string) {
	m.releaseSlot(uploadID)
}

// limitedBuffer is a small io.Writer accumulator used only for inline
// text clips, which are expected to be small relative to file uploads.
type limitedBuffer struct {
	data []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.data }
