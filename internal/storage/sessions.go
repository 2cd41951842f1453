package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// CreateSession inserts a new upload_sessions row in status 'uploading'.
func (db *DB) CreateSession(ctx context.Context, s UploadSession) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO upload_sessions
			(upload_id, original_filename, mime_type, filesize, chunk_size, total_chunks,
			 uploaded_chunks, status, has_password, access_code_hash, requires_access_code,
			 one_time, quick_share, is_text_content, retention_token, expiration_time)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'uploading', $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		s.UploadID, s.OriginalFilename, s.MimeType, s.Filesize, s.ChunkSize, s.TotalChunks,
		s.HasPassword, s.AccessCodeHash, s.RequiresAccessCode,
		s.OneTime, s.QuickShare, s.IsTextContent, s.RetentionToken, s.ExpirationTime,
	)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}

// GetSession fetches a session by id. Returns NOT_FOUND if absent.
func (db *DB) GetSession(ctx context.Context, uploadID string) (UploadSession, error) {
	return db.getSession(ctx, db.Pool, uploadID, false)
}

// GetSessionForUpdate fetches a session under a row lock, for use inside
// an explicit transaction ahead of a state transition.
func (db *DB) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, uploadID string) (UploadSession, error) {
	return db.getSession(ctx, tx, uploadID, true)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) getSession(ctx context.Context, q querier, uploadID string, forUpdate bool) (UploadSession, error) {
	sql := `
		SELECT upload_id, original_filename, mime_type, filesize, chunk_size, total_chunks,
		       uploaded_chunks, status, has_password, access_code_hash, requires_access_code,
		       one_time, quick_share, is_text_content, retention_token, expiration_time,
		       created_at, last_activity, completed_at
		FROM upload_sessions WHERE upload_id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}

	var s UploadSession
	err := q.QueryRow(ctx, sql, uploadID).Scan(
		&s.UploadID, &s.OriginalFilename, &s.MimeType, &s.Filesize, &s.ChunkSize, &s.TotalChunks,
		&s.UploadedChunks, &s.Status, &s.HasPassword, &s.AccessCodeHash, &s.RequiresAccessCode,
		&s.OneTime, &s.QuickShare, &s.IsTextContent, &s.RetentionToken, &s.ExpirationTime,
		&s.CreatedAt, &s.LastActivity, &s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UploadSession{}, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
		}
		return UploadSession{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return s, nil
}

// RecordChunk upserts a file_chunks row and bumps uploaded_chunks only on
// first insertion of a given chunk_number — a re-upload of the same
// chunk overwrites the storage_path without double-counting.
func (db *DB) RecordChunk(ctx context.Context, uploadID string, chunkNumber int, storagePath string, size int64) (uploadedChunks, totalChunks int, err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer tx.Rollback(ctx)

	var existed bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM file_chunks WHERE upload_id=$1 AND chunk_number=$2)`, uploadID, chunkNumber).Scan(&existed)
	if err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO file_chunks (upload_id, chunk_number, chunk_size, storage_path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_id, chunk_number) DO UPDATE SET chunk_size = EXCLUDED.chunk_size, storage_path = EXCLUDED.storage_path
	`, uploadID, chunkNumber, size, storagePath)
	if err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	if !existed {
		_, err = tx.Exec(ctx, `UPDATE upload_sessions SET uploaded_chunks = uploaded_chunks + 1, last_activity = now() WHERE upload_id = $1`, uploadID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE upload_sessions SET last_activity = now() WHERE upload_id = $1`, uploadID)
	}
	if err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	var uploaded, total int
	err = tx.QueryRow(ctx, `SELECT uploaded_chunks, total_chunks FROM upload_sessions WHERE upload_id = $1`, uploadID).Scan(&uploaded, &total)
	if err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return uploaded, total, nil
}

// MarkFailed transitions a session to 'failed', used by abort.
func (db *DB) MarkFailed(ctx context.Context, uploadID string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE upload_sessions SET status = 'failed' WHERE upload_id = $1 AND status = 'uploading'`, uploadID)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if tag.RowsAffected() == 0 {
		return qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
	}
	return nil
}

// DeleteSession removes a session row; its chunk rows cascade-delete via
// the foreign key.
func (db *DB) DeleteSession(ctx context.Context, uploadID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID)
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}

// ExpiredOverdueSessions returns the upload_ids of sessions that are
// either past their expiration_time while still 'uploading', or already
// 'failed' — candidates for the Sweeper to reap.
func (db *DB) ExpiredOverdueSessions(ctx context.Context, nowMillis int64) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT upload_id FROM upload_sessions
		WHERE (status = 'uploading' AND expiration_time < $1) OR status = 'failed'
	`, nowMillis)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
