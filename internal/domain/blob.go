package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobReader retrieves and enumerates stored objects, used to verify archives
// before the corresponding rows are deleted from the primary store.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobDeleter removes stored objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Archiver moves cold settlement history out of the primary store into blob
// storage. Deletion from the primary store is a separate, explicit step that
// only runs once the archive is verified.
type Archiver interface {
	// ArchiveOrders uploads terminal orders last updated before the cutoff
	// and returns the number archived.
	ArchiveOrders(ctx context.Context, before time.Time) (int, error)

	// PruneOrders deletes archived terminal orders from the primary store
	// after verifying the archive exists, returning the number deleted.
	PruneOrders(ctx context.Context, before time.Time) (int, error)

	// ArchiveAudit uploads audit entries recorded before the cutoff and
	// returns the number archived.
	ArchiveAudit(ctx context.Context, before time.Time) (int, error)
}
