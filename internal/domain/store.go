package domain

import "context"

// RecordStore is the remote table the service reads from and writes to.
type RecordStore interface {
	// ListPage returns one page of records starting at cursor ("" for the first page).
	ListPage(ctx context.Context, cursor string) (*Page, error)

	// GetByID fetches a single record. Returns an error of KindNotFound when absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// DownloadAttachment writes the referenced file to destPath.
	DownloadAttachment(ctx context.Context, ref AttachmentRef, destPath string) error

	// UploadAttachment uploads a local file and returns its attachment token.
	UploadAttachment(ctx context.Context, localPath string) (string, error)

	// WriteFields updates the given columns of a record.
	WriteFields(ctx context.Context, recordID string, fields map[string]any) error
}

// HealthChecker is implemented by adapters that can report connectivity.
type HealthChecker interface {
	CheckConnection(ctx context.Context) error
}

// DocumentConverter turns a PDF into an archive holding at least one
// Markdown member.
type DocumentConverter interface {
	// Convert converts inputPath and writes <outputDir>/<name>.zip, returning its path.
	Convert(ctx context.Context, inputPath, outputDir, name string) (string, error)
}

// RecordPipeline runs all stages for one record.
type RecordPipeline interface {
	Process(ctx context.Context, record *Record) bool
}

// LeaseTable guards records against concurrent processing.
type LeaseTable interface {
	// Acquire claims key for owner. Returns false if another owner holds it.
	Acquire(ctx context.Context, key, owner string) bool

	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, key, owner string)
}
