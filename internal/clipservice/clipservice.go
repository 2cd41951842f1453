// Package clipservice implements post-assembly clip lifecycle: metadata
// lookup, access-code gating, one-time consumption, and streaming
// delivery of the stored ciphertext.
package clipservice

import (
	"context"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/metrics"
	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/storage"
)

// MetadataStore is the subset of *storage.DB the service depends on.
type MetadataStore interface {
	GetClip(ctx context.Context, clipID string) (storage.Clip, error)
	ConsumeOneTime(ctx context.Context, clipID string) (storage.Clip, error)
	IncrementAccess(ctx context.Context, clipID string) error
	DeleteClip(ctx context.Context, clipID string) error
}

// Info is the metadata-only view returned by GetInfo; it never reveals
// ciphertext.
type Info struct {
	HasPassword        bool
	RequiresAccessCode bool
	ContentType        string
	Filename           string
	Filesize           int64
	MimeType           string
	ExpirationTime     int64
	OneTime            bool
}

// Payload is what GetClip returns for a successful fetch.
type Payload struct {
	Info       Info
	Text       []byte        // set when ContentType == storage.ContentTypeText
	Stream     io.ReadCloser // set when ContentType == storage.ContentTypeFile; caller must close
	oneTimeConsumed bool
}

// Service implements the post-assembly clip lifecycle.
type Service struct {
	meta  MetadataStore
	blobs *blobstore.Store
	guard *accessguard.Guard

	// infoCache is a small bounded cache in front of GetInfo, cutting
	// MetadataStore round-trips for the hottest read (a waiting
	// recipient polling /clip/{id}/info). Entries are invalidated on
	// every consume/delete, and a hit whose expiration time has passed
	// is dropped and re-read from the MetadataStore, so is_expired=true
	// never becomes visible through a stale cache hit.
	infoCache *lru.Cache[string, Info]
}

// New constructs a Service with a bounded info cache of the given size.
func New(meta MetadataStore, blobs *blobstore.Store, guard *accessguard.Guard, infoCacheSize int) (*Service, error) {
	cache, err := lru.New[string, Info](infoCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{meta: meta, blobs: blobs, guard: guard, infoCache: cache}, nil
}

// GetInfo returns metadata for clipID without touching ciphertext.
// NOT_FOUND is returned for a missing or already-expired clip.
func (s *Service) GetInfo(ctx context.Context, clipID string) (Info, error) {
	if cached, ok := s.infoCache.Get(clipID); ok {
		if cached.ExpirationTime > time.Now().UnixMilli() {
			return cached, nil
		}
		s.infoCache.Remove(clipID)
	}

	clip, err := s.meta.GetClip(ctx, clipID)
	if err != nil {
		return Info{}, err
	}

	info := infoFromClip(clip)
	s.infoCache.Add(clipID, info)
	return info, nil
}

func infoFromClip(clip storage.Clip) Info {
	info := Info{
		HasPassword:        clip.PasswordHash != nil,
		RequiresAccessCode: clip.RequiresAccessCode,
		ContentType:        clip.ContentType,
		ExpirationTime:     clip.ExpirationTime,
		OneTime:            clip.OneTime,
	}
	if clip.OriginalFilename != nil {
		info.Filename = *clip.OriginalFilename
	}
	if clip.MimeType != nil {
		info.MimeType = *clip.MimeType
	}
	if clip.Filesize != nil {
		info.Filesize = *clip.Filesize
	}
	return info
}

// GetClip implements the full fetch contract: rate/brute-force check,
// existence + expiration check, access-code verification, content-type
// matching, one-time consumption, access counting, and payload streaming.
//
// wantContentType is the caller's endpoint (storage.ContentTypeText for
// /clip, storage.ContentTypeFile for /file). A clip whose stored content
// type doesn't match is reported NOT_FOUND without being consumed or
// having its blob touched — a caller who hits the wrong endpoint must
// never destroy the one-time payload for the caller who hits the right
// one. The check runs after access-code verification so a caller without
// the right code can't use the response to learn a clip's content type.
func (s *Service) GetClip(ctx context.Context, clipID, ip, accessCode, wantContentType string) (Payload, error) {
	if err := s.guard.CheckShortIDLookup(ip); err != nil {
		metrics.AccessGuardBlocks.Inc()
		metrics.DownloadOutcomes.WithLabelValues("blocked").Inc()
		return Payload{}, err
	}
	if err := s.guard.CheckDownloadRate(ip); err != nil {
		metrics.DownloadOutcomes.WithLabelValues("rate_limited").Inc()
		return Payload{}, err
	}

	clip, err := s.meta.GetClip(ctx, clipID)
	if err != nil {
		s.guard.RecordLookupResult(ip, clipID, false)
		metrics.DownloadOutcomes.WithLabelValues("not_found").Inc()
		return Payload{}, err
	}
	s.guard.RecordLookupResult(ip, clipID, true)

	if clip.RequiresAccessCode {
		if clip.AccessCodeHash == nil || !accessguard.VerifyAccessCode(accessCode, *clip.AccessCodeHash) {
			s.guard.RecordLookupResult(ip, clipID, false)
			metrics.DownloadOutcomes.WithLabelValues("access_denied").Inc()
			return Payload{}, qopyerr.New(qopyerr.KindAuth, "ACCESS_DENIED")
		}
	}

	if clip.ContentType != wantContentType {
		metrics.DownloadOutcomes.WithLabelValues("not_found").Inc()
		return Payload{}, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
	}

	if clip.OneTime {
		consumed, err := s.meta.ConsumeOneTime(ctx, clipID)
		if err != nil {
			// Another caller won the race; this caller observes 410.
			s.invalidate(clipID)
			metrics.DownloadOutcomes.WithLabelValues("gone").Inc()
			return Payload{}, qopyerr.New(qopyerr.KindGone, "GONE")
		}
		clip = consumed
		s.invalidate(clipID)
	} else {
		if err := s.meta.IncrementAccess(ctx, clipID); err != nil {
			log.Warn().Err(err).Str("clip_id", clipID).Msg("failed to record clip access")
		}
	}

	metrics.DownloadOutcomes.WithLabelValues("ok").Inc()
	payload := Payload{Info: infoFromClip(clip), oneTimeConsumed: clip.OneTime}
	if clip.ContentType == storage.ContentTypeText {
		payload.Text = clip.TextContent
		return payload, nil
	}

	stream, err := s.blobs.Open(clipID)
	if err != nil {
		return Payload{}, err
	}
	payload.Stream = wrapOneTimeStream(stream, clip.OneTime, func() {
		if delErr := s.blobs.Delete(clipID); delErr != nil {
			log.Warn().Err(delErr).Str("clip_id", clipID).Msg("failed to delete one-time blob after stream")
		}
	})
	return payload, nil
}

// DeleteClip is the operator takedown path: removes the row and, for
// file clips, the blob. Distinct from one-time consumption.
func (s *Service) DeleteClip(ctx context.Context, clipID string) error {
	clip, err := s.meta.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteClip(ctx, clipID); err != nil {
		return err
	}
	if clip.ContentType == storage.ContentTypeFile {
		if err := s.blobs.Delete(clipID); err != nil {
			log.Warn().Err(err).Str("clip_id", clipID).Msg("failed to delete blob during admin takedown")
		}
	}
	s.invalidate(clipID)
	return nil
}

func (s *Service) invalidate(clipID string) {
	s.infoCache.Remove(clipID)
}

// wrapOneTimeStream returns rc unchanged for non-one-time clips. For
// one-time clips it wraps rc so that onClose runs after the stream is
// fully consumed or the client disconnects, deleting the blob at
// best-effort after the read completes either way.
func wrapOneTimeStream(rc io.ReadCloser, oneTime bool, onClose func()) io.ReadCloser {
	if !oneTime {
		return rc
	}
	return &deleteOnCloseReader{ReadCloser: rc, onClose: onClose}
}

type deleteOnCloseReader struct {
	io.ReadCloser
	onClose func()
	done    bool
}

func (d *deleteOnCloseReader) Close() error {
	err := d.ReadCloser.Close()
	if !d.done {
		d.done = true
		d.onClose()
	}
	return err
}
