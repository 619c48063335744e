// Package acquire implements archive acquisition: claim-based scheduling of
// downloads across a bounded worker pool, and the content store writer that
// hashes, deduplicates, and records each archive.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/vscavator/vscavator/internal/blob"
)

// writerStore is the slice of the store the writer updates.
type writerStore interface {
	MarkReleaseStored(ctx context.Context, id uuid.UUID, contentAddress string, size int64) error
}

// WriteResult reports what storing one archive did.
type WriteResult struct {
	ContentAddress string
	Size           int64
	// Deduplicated is true when a byte-identical blob was already stored
	// and no new bytes were written.
	Deduplicated bool
}

// Writer spools a downloaded archive, computes its content address, writes
// the blob idempotently, and records the address on the release.
type Writer struct {
	blobs blob.Store
	store writerStore
}

// NewWriter creates a content store writer.
func NewWriter(blobs blob.Store, st writerStore) *Writer {
	return &Writer{blobs: blobs, store: st}
}

// Store consumes the archive stream for a claimed release. The stream is
// spooled to a temp file while hashing, so the blob write sees the full,
// verified payload. On success the release transitions to stored; any error
// before that leaves the claim for the caller to revert.
func (w *Writer) Store(ctx context.Context, releaseID uuid.UUID, body io.Reader) (*WriteResult, error) {
	tmp, err := os.CreateTemp("", "vscavator-*.vsix")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		return nil, fmt.Errorf("failed to spool archive: %w", err)
	}
	contentAddress := hex.EncodeToString(hash.Sum(nil))

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	putResult, err := w.blobs.PutIfAbsent(ctx, contentAddress, tmp, size)
	if err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := w.store.MarkReleaseStored(ctx, releaseID, contentAddress, size); err != nil {
		return nil, err
	}

	result := &WriteResult{
		ContentAddress: contentAddress,
		Size:           size,
		Deduplicated:   putResult == blob.AlreadyExists,
	}

	slog.Debug("Archive stored",
		"release_id", releaseID,
		"content_address", contentAddress,
		"size", size,
		"deduplicated", result.Deduplicated,
	)

	return result, nil
}
