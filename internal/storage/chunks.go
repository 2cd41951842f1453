package storage

import (
	"context"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// ListChunks returns every recorded chunk for uploadID, ordered by
// chunk_number, so the sweeper and completion path can check or reap
// disk state without re-deriving it.
func (db *DB) ListChunks(ctx context.Context, uploadID string) ([]FileChunk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT upload_id, chunk_number, chunk_size, storage_path, created_at
		FROM file_chunks WHERE upload_id = $1 ORDER BY chunk_number
	`, uploadID)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer rows.Close()

	var chunks []FileChunk
	for rows.Next() {
		var c FileChunk
		if err := rows.Scan(&c.UploadID, &c.ChunkNumber, &c.ChunkSize, &c.StoragePath, &c.CreatedAt); err != nil {
			return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// AllUploadIDs returns every upload_id currently tracked in
// upload_sessions, used by the Sweeper's orphan-directory reconciliation.
func (db *DB) AllUploadIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := db.Pool.Query(ctx, `SELECT upload_id FROM upload_sessions`)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// AllClipIDs returns every clip_id currently tracked in clips, used by
// the Sweeper's orphan-blob reconciliation.
func (db *DB) AllClipIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := db.Pool.Query(ctx, `SELECT clip_id FROM clips`)
	if err != nil {
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
