package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
)

// OrderArchiveStore is the narrow surface the archiver needs from the order
// store: terminal records older than the cutoff, and deletion of archived
// rows. The Postgres store satisfies it.
type OrderArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]*domain.ArbitrageOrder, error)
	DeleteByKeys(ctx context.Context, keys []string) error
}

// ArchiveImpl implements domain.Archiver by querying settled history,
// serializing it to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed during upload -- PruneOrders is the separate, explicit step
// and it verifies the archive exists before deleting anything.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	orders OrderArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, orders OrderArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		orders: orders,
		audit:  audit,
	}
}

// ArchiveOrders queries all terminal orders last updated before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/orders/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := len(orders)

	if err := a.audit.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}

	return count, nil
}

// PruneOrders deletes terminal orders older than the cutoff from the primary
// store, but only after confirming the corresponding archive file exists in
// blob storage. Returns the number of rows deleted.
func (a *ArchiveImpl) PruneOrders(ctx context.Context, before time.Time) (int, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	path := archivePath("orders", before)
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune orders verify %s: %w", path, err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: prune orders: archive %s missing, refusing to delete", path)
	}

	keys := make([]string, 0, len(orders))
	for _, o := range orders {
		keys = append(keys, o.Key)
	}
	if err := a.orders.DeleteByKeys(ctx, keys); err != nil {
		return 0, fmt.Errorf("s3blob: prune orders delete: %w", err)
	}

	count := len(keys)

	if err := a.audit.Log(ctx, "archive.prune", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: prune orders audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit uploads audit log entries recorded before the cutoff to
// archive/audit/YYYY-MM.jsonl and returns the count archived.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return len(entries), nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2025-01.jsonl
//	archive/audit/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
