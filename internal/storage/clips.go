package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// TryReserveClipID attempts to insert a placeholder clips row for id,
// implementing idalloc.Reserver. A unique_violation on clip_id is treated
// as a collision (ok=false, err=nil) rather than an error, so the
// allocator can retry with a fresh draw.
func (db *DB) TryReserveClipID(ctx context.Context, id string) (bool, error) {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO clips (clip_id, content_type, expiration_time)
		VALUES ($1, 'text', 0)
	`, id)
	if err == nil {
		// Reservation placeholder; CreateClip (same transaction scope as
		// completion) overwrites it or the caller cleans it up on abort.
		_, delErr := db.Pool.Exec(ctx, `DELETE FROM clips WHERE clip_id = $1`, id)
		if delErr != nil {
			return false, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", delErr)
		}
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
}

// CreateClipAndDeleteSession inserts the Clip row and deletes the upload
// session (cascading its chunks) in a single transaction, so completion
// is atomic: either both happen or neither does.
func (db *DB) CreateClipAndDeleteSession(ctx context.Context, clip Clip, uploadID string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO clips
			(clip_id, content_type, text_content, file_path, original_filename, mime_type, filesize,
			 password_hash, access_code_hash, requires_access_code, one_time, quick_share,
			 expiration_time, max_accesses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		clip.ClipID, clip.ContentType, clip.TextContent, clip.FilePath, clip.OriginalFilename, clip.MimeType, clip.Filesize,
		clip.PasswordHash, clip.AccessCodeHash, clip.RequiresAccessCode, clip.OneTime, clip.QuickShare,
		clip.ExpirationTime, clip.MaxAccesses,
	)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID); err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE statistics SET total_clips_created = total_clips_created + 1,
		                      total_bytes_stored = total_bytes_stored + $1,
		                      updated_at = now()
		WHERE id = 1
	`, clipSize(clip))
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}

func clipSize(c Clip) int64 {
	if c.Filesize != nil {
		return *c.Filesize
	}
	return int64(len(c.TextContent))
}

var clipSelectColumns = `
	clip_id, content_type, text_content, file_path, original_filename, mime_type, filesize,
	password_hash, access_code_hash, requires_access_code, one_time, quick_share,
	expiration_time, is_expired, access_count, max_accesses, accessed_at, created_at`

func scanClip(row pgx.Row) (Clip, error) {
	var c Clip
	err := row.Scan(
		&c.ClipID, &c.ContentType, &c.TextContent, &c.FilePath, &c.OriginalFilename, &c.MimeType, &c.Filesize,
		&c.PasswordHash, &c.AccessCodeHash, &c.RequiresAccessCode, &c.OneTime, &c.QuickShare,
		&c.ExpirationTime, &c.IsExpired, &c.AccessCount, &c.MaxAccesses, &c.AccessedAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Clip{}, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
		}
		return Clip{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return c, nil
}

// GetClip fetches a non-expired clip by id. Returns NOT_FOUND if absent
// or already marked expired — is_expired=true is never visible here.
func (db *DB) GetClip(ctx context.Context, clipID string) (Clip, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+clipSelectColumns+` FROM clips WHERE clip_id = $1 AND NOT is_expired`, clipID)
	return scanClip(row)
}

// ConsumeOneTime atomically locks and deletes a one-time clip's row,
// returning it. If another caller already consumed it, NOT_FOUND is
// returned — the caller maps this to 410 Gone.
func (db *DB) ConsumeOneTime(ctx context.Context, clipID string) (Clip, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return Clip{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+clipSelectColumns+` FROM clips WHERE clip_id = $1 AND NOT is_expired FOR UPDATE`, clipID)
	clip, err := scanClip(row)
	if err != nil {
		return Clip{}, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM clips WHERE clip_id = $1`, clipID)
	if err != nil {
		return Clip{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with another consumer between the lock and the delete.
		return Clip{}, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE statistics SET total_clips_one_time_consumed = total_clips_one_time_consumed + 1,
		                      total_downloads = total_downloads + 1, updated_at = now()
		WHERE id = 1
	`); err != nil {
		return Clip{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Clip{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return clip, nil
}

// IncrementAccess bumps access_count and accessed_at for non-one-time
// clips after a successful read.
func (db *DB) IncrementAccess(ctx context.Context, clipID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE clips SET access_count = access_count + 1, accessed_at = now() WHERE clip_id = $1
	`, clipID)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	_, err = db.Pool.Exec(ctx, `UPDATE statistics SET total_downloads = total_downloads + 1, updated_at = now() WHERE id = 1`)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}

// DeleteClip removes a clip row outright (operator takedown path).
func (db *DB) DeleteClip(ctx context.Context, clipID string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM clips WHERE clip_id = $1`, clipID)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if tag.RowsAffected() == 0 {
		return qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
	}
	return nil
}

// ExpireOverdueClips flags clips past their expiration_time and returns
// the ids + file paths so the Sweeper can remove their blobs, then
// deletes the rows.
func (db *DB) ExpireOverdueClips(ctx context.Context, nowMillis int64) ([]Clip, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+clipSelectColumns+` FROM clips WHERE expiration_time < $1 AND NOT is_expired
	`, nowMillis)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	var clips []Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		clips = append(clips, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if len(clips) == 0 {
		return nil, nil
	}

	ids := make([]string, len(clips))
	for i, c := range clips {
		ids[i] = c.ClipID
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE clips SET is_expired = true WHERE clip_id = ANY($1)`, ids); err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM clips WHERE clip_id = ANY($1)`, ids); err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE statistics SET total_clips_expired = total_clips_expired + $1, updated_at = now() WHERE id = 1
	`, len(ids)); err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	return clips, nil
}
