// Package storage defines the artifact file store contract: immutable
// blob bytes addressed by content digest, namespaced per project and
// repository. Records about blobs (content ids, references) live in
// the catalog; backends only move bytes.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

var (
	// ErrNotFound indicates the requested blob is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the blob bytes are already stored.
	// PutBlob implementations treat this as success (dedup); it is
	// surfaced only by conditional helpers.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// BlobInfo captures metadata about a stored blob.
type BlobInfo struct {
	Project    string
	Repo       string
	ID         iohash.Hash
	Size       int64
	ModifiedAt time.Time
}

// GetBlobResult captures a blob reader with its metadata. Callers must
// close the reader.
type GetBlobResult struct {
	Reader io.ReadCloser
	Info   *BlobInfo
}

// ListOptions guides ListBlobs traversal. StartAfter is a hex digest;
// results resume strictly after it in ascending order.
type ListOptions struct {
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListBlobs call.
type ListResult struct {
	Blobs          []BlobInfo
	NextStartAfter string
	Truncated      bool
}

// Backend defines the file store contract expected by the server.
// Blobs are immutable: two puts of the same digest must carry the same
// bytes, so re-putting an existing digest is a no-op success.
type Backend interface {
	// PutBlob stores the bytes read from r under the given digest.
	// size is a hint (-1 when unknown); backends may ignore it.
	// The caller has already verified that r hashes to id.
	PutBlob(ctx context.Context, project, repo string, id iohash.Hash, r io.Reader, size int64) (*BlobInfo, error)
	// GetBlob streams stored bytes. Callers must close the reader.
	GetBlob(ctx context.Context, project, repo string, id iohash.Hash) (GetBlobResult, error)
	// StatBlob reports metadata without opening the payload.
	StatBlob(ctx context.Context, project, repo string, id iohash.Hash) (*BlobInfo, error)
	// DeleteBlob removes the blob if present; absent blobs are not an
	// error.
	DeleteBlob(ctx context.Context, project, repo string, id iohash.Hash) error
	// ListBlobs enumerates blobs for one project/repo in ascending
	// digest order.
	ListBlobs(ctx context.Context, project, repo string, opts ListOptions) (*ListResult, error)

	// BackendHash returns the stable identity hash for this backend.
	BackendHash(ctx context.Context) (string, error)

	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
