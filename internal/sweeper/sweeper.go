// Package sweeper runs the periodic background reconciliation pass:
// expiring overdue clips and upload sessions, and removing orphaned
// chunk/blob files that have no MetadataStore referent.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/metrics"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// MetadataStore is the subset of *storage.DB the sweeper depends on.
type MetadataStore interface {
	ExpireOverdueClips(ctx context.Context, nowMillis int64) ([]storage.Clip, error)
	ExpiredOverdueSessions(ctx context.Context, nowMillis int64) ([]string, error)
	DeleteSession(ctx context.Context, uploadID string) error
	AllUploadIDs(ctx context.Context) (map[string]bool, error)
	AllClipIDs(ctx context.Context) (map[string]bool, error)
}

// SlotReleaser is implemented by uploadmgr.Manager. It lets the Sweeper
// give back the concurrent-upload slot of a session it reaps directly,
// rather than through the session's own Complete/Abort path.
type SlotReleaser interface {
	ReleaseOrphanedSlot(uploadID string)
}

// Sweeper owns the ticker and background goroutine running one pass
// every interval.
type Sweeper struct {
	meta        MetadataStore
	chunks      *chunkstore.Store
	blobs       *blobstore.Store
	slots       SlotReleaser
	interval    time.Duration
	orphanGrace time.Duration

	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New constructs a Sweeper. Run must be called to start the background
// loop. slots may be nil, in which case orphaned sessions leak their
// concurrent-upload slot until the slot's own TTL (Redis) or process
// restart (memory) reclaims it.
func New(meta MetadataStore, chunks *chunkstore.Store, blobs *blobstore.Store, slots SlotReleaser, interval, orphanGrace time.Duration) *Sweeper {
	return &Sweeper{
		meta:        meta,
		chunks:      chunks,
		blobs:       blobs,
		slots:       slots,
		interval:    interval,
		orphanGrace: orphanGrace,
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Run starts the periodic sweep loop. It blocks until Stop is called, so
// callers should invoke it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Pass(ctx); err != nil {
				log.Error().Err(err).Msg("sweep pass failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the background loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.stopped
}

// Pass runs one reconciliation pass synchronously: expired clips,
// overdue/failed upload sessions, and orphaned filesystem entries. It is
// idempotent and safe to run concurrently with uploads and downloads —
// it only removes things already unreachable or past deadline.
func (s *Sweeper) Pass(ctx context.Context) error {
	now := time.Now().UnixMilli()

	expiredClips, err := s.meta.ExpireOverdueClips(ctx, now)
	if err != nil {
		return err
	}
	for _, c := range expiredClips {
		if c.ContentType == storage.ContentTypeFile {
			if err := s.blobs.Delete(c.ClipID); err != nil {
				log.Warn().Err(err).Str("clip_id", c.ClipID).Msg("failed to delete expired blob")
			}
		}
	}
	if len(expiredClips) > 0 {
		metrics.SweepEvictions.WithLabelValues("clip").Add(float64(len(expiredClips)))
		log.Info().Int("count", len(expiredClips)).Msg("swept expired clips")
	}

	overdueSessions, err := s.meta.ExpiredOverdueSessions(ctx, now)
	if err != nil {
		return err
	}
	for _, uploadID := range overdueSessions {
		if err := s.chunks.DeleteSession(uploadID); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete chunk directory for overdue session")
		}
		if err := s.meta.DeleteSession(ctx, uploadID); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete overdue session row")
		}
		if s.slots != nil {
			s.slots.ReleaseOrphanedSlot(uploadID)
		}
	}
	if len(overdueSessions) > 0 {
		metrics.SweepEvictions.WithLabelValues("session").Add(float64(len(overdueSessions)))
		log.Info().Int("count", len(overdueSessions)).Msg("swept overdue upload sessions")
	}

	if err := s.sweepOrphanChunkDirs(ctx, now); err != nil {
		log.Warn().Err(err).Msg("orphan chunk sweep failed")
	}
	if err := s.sweepOrphanBlobs(ctx, now); err != nil {
		log.Warn().Err(err).Msg("orphan blob sweep failed")
	}

	return nil
}

func (s *Sweeper) sweepOrphanChunkDirs(ctx context.Context, nowMillis int64) error {
	known, err := s.meta.AllUploadIDs(ctx)
	if err != nil {
		return err
	}

	dirs, err := s.chunks.ListSessionDirs()
	if err != nil {
		return err
	}

	graceMillis := s.orphanGrace.Milliseconds()
	for _, uploadID := range dirs {
		if known[uploadID] {
			continue
		}
		mtime, err := s.chunks.ModTime(uploadID)
		if err != nil {
			continue
		}
		if nowMillis-mtime*1000 < graceMillis {
			continue
		}
		if err := s.chunks.DeleteSession(uploadID); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to delete orphan chunk directory")
		} else {
			metrics.SweepEvictions.WithLabelValues("orphan_chunk_dir").Inc()
			log.Info().Str("upload_id", uploadID).Msg("removed orphan chunk directory")
		}
	}
	return nil
}

func (s *Sweeper) sweepOrphanBlobs(ctx context.Context, nowMillis int64) error {
	known, err := s.meta.AllClipIDs(ctx)
	if err != nil {
		return err
	}

	graceSeconds := int64(s.orphanGrace.Seconds())
	nowSeconds := nowMillis / 1000

	var toDelete []string
	err = s.blobs.WalkOrphanCandidates(func(clipID string, modUnix int64) error {
		if known[clipID] {
			return nil
		}
		if nowSeconds-modUnix < graceSeconds {
			return nil
		}
		toDelete = append(toDelete, clipID)
		return nil
	})
	if err != nil {
		return err
	}

	for _, clipID := range toDelete {
		if err := s.blobs.Delete(clipID); err != nil {
			log.Warn().Err(err).Str("clip_id", clipID).Msg("failed to delete orphan blob")
		} else {
			metrics.SweepEvictions.WithLabelValues("orphan_blob").Inc()
			log.Info().Str("clip_id", clipID).Msg("removed orphan blob")
		}
	}
	return nil
}
