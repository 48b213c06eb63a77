package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query and delete methods it actually calls,
// not the full domain store interfaces. The Postgres stores satisfy these
// implicitly.
// ---------------------------------------------------------------------------

// DeadLetterArchiveStore provides read and delete access to dead letters for
// archival purposes.
type DeadLetterArchiveStore interface {
	// ListBefore returns dead letters archived strictly before the cutoff,
	// oldest first. A limit of 0 means no limit.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.DeadLetterItem, error)
	// DeleteBefore removes dead letters archived before the cutoff and
	// returns the number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditArchiveStore provides read and delete access to audit entries for
// archival purposes.
type AuditArchiveStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for rows
// older than the retention cutoff, serializing them to JSONL, uploading the
// result, and deleting the archived rows from the primary store.
//
// Deletion happens only after a successful upload: a failed upload leaves
// every row in place for the next sweep.
type ArchiveImpl struct {
	writer domain.BlobWriter
	dead   DeadLetterArchiveStore
	audit  AuditArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, dead DeadLetterArchiveStore, audit AuditArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		dead:   dead,
		audit:  audit,
	}
}

// ArchiveDeadLetters uploads all dead letters archived before the cutoff as a
// JSONL object at deadletters/YYYY-MM/<cutoff>.jsonl, deletes the uploaded
// rows, records the sweep in the audit log, and returns the number archived.
func (a *ArchiveImpl) ArchiveDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	items, err := a.dead.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive dead letters query: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(items)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive dead letters marshal: %w", err)
	}

	path := archivePath("deadletters", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive dead letters upload: %w", err)
	}

	deleted, err := a.dead.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive dead letters delete: %w", err)
	}

	count := int64(len(items))

	if err := a.audit.Log(ctx, "archive.dead_letters", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive dead letters audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit uploads all audit entries created before the cutoff as a JSONL
// object at audit/YYYY-MM/<cutoff>.jsonl, deletes the uploaded rows, records
// the sweep in the audit log, and returns the number archived.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
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

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit delete: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff with the full cutoff as the file name so repeated
// sweeps within a month never overwrite each other.
//
//	deadletters/2025-01/20250131T060000Z.jsonl
//	audit/2025-01/20250131T060000Z.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl",
		kind, before.UTC().Format("2006-01"), before.UTC().Format("20060102T150405Z"))
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
