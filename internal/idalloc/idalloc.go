// Package idalloc generates clip identifiers and reserves them against the
// metadata store's uniqueness constraint, retrying on collision.
package idalloc

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// Kind selects the length of identifier to allocate.
type Kind string

const (
	// Quick is the 4-character, human-entry-friendly identifier space.
	Quick Kind = "quick"
	// Enhanced is the 10-character identifier space used for ordinary clips.
	Enhanced Kind = "enhanced"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func lengthFor(kind Kind) int {
	if kind == Quick {
		return 4
	}
	return 10
}

// Reserver is implemented by the metadata store: it attempts to reserve id
// as a clip_id, returning ok=false (not an error) on a unique-constraint
// collision so the allocator can retry with a fresh draw.
type Reserver interface {
	TryReserveClipID(ctx context.Context, id string) (ok bool, err error)
}

const maxAttempts = 8

// Allocate draws a random identifier of the size implied by kind and
// reserves it via store, retrying with exponential backoff on collision.
// It gives up after maxAttempts and returns ID_EXHAUSTED — expected to
// happen occasionally in the small 4-char quick-share space, never in the
// 10-char space outside of a systemic failure.
func Allocate(ctx context.Context, store Reserver, kind Kind) (string, error) {
	length := lengthFor(kind)
	backoff := 10 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := randomID(length)
		if err != nil {
			return "", qopyerr.Wrap(qopyerr.KindInternal, "ID_EXHAUSTED", err)
		}

		ok, err := store.TryReserveClipID(ctx, id)
		if err != nil {
			return "", qopyerr.Wrap(qopyerr.KindInternal, "ID_EXHAUSTED", err)
		}
		if ok {
			return id, nil
		}

		log.Debug().Str("kind", string(kind)).Int("attempt", attempt).Msg("clip id collision, retrying")

		select {
		case <-ctx.Done():
			return "", qopyerr.Wrap(qopyerr.KindInternal, "ID_EXHAUSTED", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return "", qopyerr.New(qopyerr.KindInternal, "ID_EXHAUSTED").WithHint("identifier space exhausted, retry later")
}

// randomID draws n characters from charset using a cryptographically
// secure source.
func randomID(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b), nil
}
