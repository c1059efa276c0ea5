package ddc

import (
	"context"
	"errors"
	"fmt"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/iohash"
)

// Resolver maps the attachment digests of a reference document to
// stored blobs. Outcomes are explicit result values, never errors:
// a digest the catalog does not know lands in Missing.
type Resolver struct {
	catalog catalog.Catalog
}

// NewResolver returns a resolver over the supplied catalog.
func NewResolver(cat catalog.Catalog) *Resolver {
	return &Resolver{catalog: cat}
}

// ResolveResult is the outcome of resolving one document. Blobs holds
// the smallest stored blob per resolved digest, in document order.
// Partial is set when some digests resolved and others did not.
type ResolveResult struct {
	Blobs   []catalog.Blob
	Missing []iohash.Hash
	Partial bool
}

// Resolved reports whether every attachment digest was found.
func (r ResolveResult) Resolved() bool { return len(r.Missing) == 0 }

// ResolveAttachments walks every attachment field of doc depth-first
// and resolves each distinct digest against the catalog by content id.
// Duplicate digests are resolved once.
func (r *Resolver) ResolveAttachments(ctx context.Context, project, repo string, doc cb.Object) (ResolveResult, error) {
	var result ResolveResult
	seen := make(map[iohash.Hash]struct{})
	err := doc.IterateAttachments(func(f cb.Field) error {
		digest, err := f.AsHash()
		if err != nil {
			return err
		}
		if _, ok := seen[digest]; ok {
			return nil
		}
		seen[digest] = struct{}{}

		blob, err := r.catalog.FindSmallestBlobByContentID(ctx, project, repo, digest)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				result.Missing = append(result.Missing, digest)
				return nil
			}
			return fmt.Errorf("resolve attachment %s: %w", digest, err)
		}
		result.Blobs = append(result.Blobs, *blob)
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	result.Partial = len(result.Blobs) > 0 && len(result.Missing) > 0
	return result, nil
}

// CountAttachments tallies attachment fields anywhere in the document.
func CountAttachments(doc cb.Object) (binary, total int) {
	// Iteration over a parsed document cannot fail structurally.
	_ = doc.IterateAttachments(func(f cb.Field) error {
		total++
		if f.IsBinaryAttachment() {
			binary++
		}
		return nil
	})
	return binary, total
}

// CheckInlineEligibility decides whether doc may be served as an
// inlined payload: at most one attachment, and when one exists it must
// be a binary attachment. The returned flag reports whether a payload
// attachment is present; documents without attachments serve their own
// field region instead.
func CheckInlineEligibility(doc cb.Object) (hasPayload bool, err error) {
	binary, total := CountAttachments(doc)
	if binary > 1 || total > 1 || binary != total {
		return false, badRequest(
			"document has %d attachments (%d binary), unable to inline this object; use compact object response instead",
			total, binary,
		)
	}
	return binary == 1, nil
}
