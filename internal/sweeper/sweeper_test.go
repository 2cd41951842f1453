package sweeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

type fakeMeta struct {
	expiredClips     []storage.Clip
	overdueSessions  []string
	deletedSessions  []string
	uploadIDs        map[string]bool
	clipIDs          map[string]bool
}

func (f *fakeMeta) ExpireOverdueClips(ctx context.Context, nowMillis int64) ([]storage.Clip, error) {
	return f.expiredClips, nil
}
func (f *fakeMeta) ExpiredOverdueSessions(ctx context.Context, nowMillis int64) ([]string, error) {
	return f.overdueSessions, nil
}
func (f *fakeMeta) DeleteSession(ctx context.Context, uploadID string) error {
	f.deletedSessions = append(f.deletedSessions, uploadID)
	return nil
}
func (f *fakeMeta) AllUploadIDs(ctx context.Context) (map[string]bool, error) {
	if f.uploadIDs == nil {
		return map[string]bool{}, nil
	}
	return f.uploadIDs, nil
}
func (f *fakeMeta) AllClipIDs(ctx context.Context) (map[string]bool, error) {
	if f.clipIDs == nil {
		return map[string]bool{}, nil
	}
	return f.clipIDs, nil
}

const fakeUploadID = "0123456789abcdef0123456789abcdef"

func TestPass_RemovesExpiredClipBlob(t *testing.T) {
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	_, _, err = blobs.Put("EXP01", strings.NewReader("x"))
	require.NoError(t, err)

	meta := &fakeMeta{expiredClips: []storage.Clip{{ClipID: "EXP01", ContentType: "file"}}}
	sw := New(meta, chunks, blobs, nil, time.Minute, time.Minute)

	require.NoError(t, sw.Pass(context.Background()))
	assert.False(t, blobs.Exists("EXP01"))
}

func TestPass_RemovesOverdueSessionChunks(t *testing.T) {
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	_, _, err = chunks.WriteChunk(context.Background(), fakeUploadID, 0, strings.NewReader("x"))
	require.NoError(t, err)

	meta := &fakeMeta{overdueSessions: []string{fakeUploadID}}
	sw := New(meta, chunks, blobs, nil, time.Minute, time.Minute)

	require.NoError(t, sw.Pass(context.Background()))
	assert.False(t, chunks.Exists(fakeUploadID, 0))
	assert.Contains(t, meta.deletedSessions, fakeUploadID)
}

func TestPass_IsIdempotentWithNothingToDo(t *testing.T) {
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	meta := &fakeMeta{}
	sw := New(meta, chunks, blobs, nil, time.Minute, time.Minute)

	require.NoError(t, sw.Pass(context.Background()))
	require.NoError(t, sw.Pass(context.Background()))
}

func TestRunStop_ExitsCleanly(t *testing.T) {
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)

	sw := New(&fakeMeta{}, chunks, blobs, nil, 10*time.Millisecond, time.Minute)
	go sw.Run(context.Background())
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
}
