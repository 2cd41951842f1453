package storage

import (
	"context"
	"time"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// GetStatistics fetches the singleton aggregate counters row.
func (db *DB) GetStatistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	err := db.Pool.QueryRow(ctx, `
		SELECT total_clips_created, total_clips_expired, total_clips_one_time_consumed,
		       total_bytes_stored, total_downloads, updated_at
		FROM statistics WHERE id = 1
	`).Scan(&s.TotalClipsCreated, &s.TotalClipsExpired, &s.TotalClipsOneTimeConsumed,
		&s.TotalBytesStored, &s.TotalDownloads, &s.UpdatedAt)
	if err != nil {
		return Statistics{}, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return s, nil
}

// RecordDailyUpload increments today's upload counter, used alongside
// CreateSession so day-bucketed activity can be reported without
// scanning upload history.
func (db *DB) RecordDailyUpload(ctx context.Context, day time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO daily_upload_counts (day, upload_count) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET upload_count = daily_upload_counts.upload_count + 1
	`, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}
