// Package catalog persists the records the cache keeps about blobs
// and references: which digests exist, what logical content they
// carry, and the lifecycle state of every reference. Payload bytes
// live in the file store; the catalog holds metadata plus small inline
// documents.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

// ErrNotFound indicates the requested record is missing.
var ErrNotFound = errors.New("catalog: not found")

// Blob records one stored payload: BlobID is the digest of the bytes
// as stored, ContentID the digest of the logical (decompressed)
// payload. For uncompressed blobs the two are equal. Several blobs may
// share a content id; the smallest wins when serving by content id.
type Blob struct {
	Project   string
	Repo      string
	BlobID    iohash.Hash
	ContentID iohash.Hash
	Size      int64
	CreatedAt time.Time
}

// Reference is a named cache entry holding a compact binary document.
// Small documents are stored inline; larger ones are externalized to
// the file store under BlobID.
type Reference struct {
	Project      string
	Repo         string
	Bucket       string
	RefID        string
	BlobID       iohash.Hash
	InlineBlob   []byte // nil when the document lives in the file store
	Finalized    bool
	LastAccessAt time.Time
}

// Inline reports whether the document bytes are stored in the record
// itself.
func (r *Reference) Inline() bool { return r.InlineBlob != nil }

// Catalog is the record store contract. All writes are idempotent at
// the record level: re-putting an identical blob record succeeds, and
// PutReference replaces any previous record under the same key.
type Catalog interface {
	// PutBlob upserts a blob record keyed by (project, repo, blobID).
	PutBlob(ctx context.Context, blob Blob) error
	// GetBlob fetches one blob record.
	GetBlob(ctx context.Context, project, repo string, blobID iohash.Hash) (*Blob, error)
	// FindBlobsByContentID returns every blob carrying the logical
	// content, ordered by size ascending then blob id.
	FindBlobsByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) ([]Blob, error)
	// FindSmallestBlobByContentID returns the cheapest blob to serve
	// for the content id, ErrNotFound when none exists.
	FindSmallestBlobByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) (*Blob, error)

	// PutReference creates or replaces a reference record.
	PutReference(ctx context.Context, ref Reference) error
	// GetReference fetches one reference record.
	GetReference(ctx context.Context, project, repo, bucket, refID string) (*Reference, error)
	// SetFinalized flips the finalized flag on an existing reference.
	SetFinalized(ctx context.Context, project, repo, bucket, refID string, finalized bool) error
	// TouchReference updates the last-access timestamp.
	TouchReference(ctx context.Context, project, repo, bucket, refID string, at time.Time) error

	// Close releases catalog resources.
	Close() error
}
