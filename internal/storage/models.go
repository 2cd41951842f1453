package storage

import "time"

// Clip/session content-type values, shared by every package that branches
// on them (UploadSessionManager, ClipService, Sweeper, HTTPSurface) so the
// two valid values are never respelled as divergent string literals.
const (
	ContentTypeText = "text"
	ContentTypeFile = "file"
)

// SessionStatus is the upload_sessions.status enum.
type SessionStatus string

const (
	StatusUploading SessionStatus = "uploading"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusExpired   SessionStatus = "expired"
)

// UploadSession mirrors the upload_sessions row.
type UploadSession struct {
	UploadID           string
	OriginalFilename   string
	MimeType           string
	Filesize           int64
	ChunkSize          int64
	TotalChunks        int
	UploadedChunks     int
	Status             SessionStatus
	HasPassword        bool
	AccessCodeHash     *string
	RequiresAccessCode bool
	OneTime            bool
	QuickShare         bool
	IsTextContent      bool
	RetentionToken     string
	ExpirationTime     int64 // unix millis
	CreatedAt          time.Time
	LastActivity       time.Time
	CompletedAt        *time.Time
}

// FileChunk mirrors a file_chunks row.
type FileChunk struct {
	UploadID    string
	ChunkNumber int
	ChunkSize   int64
	StoragePath string
	CreatedAt   time.Time
}

// Clip mirrors a clips row.
type Clip struct {
	ClipID             string
	ContentType        string // ContentTypeText or ContentTypeFile
	TextContent        []byte
	FilePath           *string
	OriginalFilename   *string
	MimeType           *string
	Filesize           *int64
	PasswordHash       *string
	AccessCodeHash     *string
	RequiresAccessCode bool
	OneTime            bool
	QuickShare         bool
	ExpirationTime     int64
	IsExpired          bool
	AccessCount        int
	MaxAccesses        int
	AccessedAt         *time.Time
	CreatedAt          time.Time
}

// Statistics mirrors the singleton statistics row.
type Statistics struct {
	TotalClipsCreated         int64
	TotalClipsExpired         int64
	TotalClipsOneTimeConsumed int64
	TotalBytesStored          int64
	TotalDownloads            int64
	UpdatedAt                 time.Time
}
