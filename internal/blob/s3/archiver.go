package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 32 << 20

// ArchiveImpl implements domain.Archiver by copying the rows of a time window
// to gzip-compressed JSONL objects. Source rows are never deleted.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	history domain.HistoryArchiveStore
	audit   domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, history domain.HistoryArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		history: history,
		audit:   audit,
	}
}

// WithReader makes the archiver skip windows whose object already exists, so
// reruns of the same window do no work.
func (a *ArchiveImpl) WithReader(r domain.BlobReader) *ArchiveImpl {
	a.reader = r
	return a
}

// ArchivePriceHistory uploads the history rows recorded in [from, to) and
// returns how many were archived.
func (a *ArchiveImpl) ArchivePriceHistory(ctx context.Context, from, to time.Time) (int64, error) {
	return archive(ctx, a, "price_history", from, to, a.history.ListHistoryBetween)
}

// ArchiveAuditLog uploads the audit entries created in [from, to).
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, from, to time.Time) (int64, error) {
	return archive(ctx, a, "audit_log", from, to, a.audit.ListBetween)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	from, to time.Time,
	list func(ctx context.Context, from, to time.Time) ([]T, error),
) (int64, error) {
	path := archivePath(kind, from, to)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			return 0, nil
		}
	}

	records, err := list(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONLGzip(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/gzip")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":  path,
		"count": count,
		"bytes": len(buf),
		"from":  from.Format(time.RFC3339),
		"to":    to.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath builds the object key for a window, partitioned by its start
// day. The key depends only on the window, so a rerun finds the earlier
// upload.
//
//	archive/price_history/2025-01-31/to-20250201T000000Z.jsonl.gz
func archivePath(kind string, from, to time.Time) string {
	return fmt.Sprintf("archive/%s/%s/to-%s.jsonl.gz",
		kind, from.UTC().Format("2006-01-02"), to.UTC().Format("20060102T150405Z"))
}

// marshalJSONLGzip encodes records as newline-delimited JSON and gzips it.
func marshalJSONLGzip[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
