package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

// Memory implements Catalog over maps guarded by an RWMutex; intended
// for tests and local development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[blobKey]Blob
	refs  map[refKey]Reference
}

type blobKey struct {
	project string
	repo    string
	blobID  iohash.Hash
}

type refKey struct {
	project string
	repo    string
	bucket  string
	refID   string
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[blobKey]Blob),
		refs:  make(map[refKey]Reference),
	}
}

// Close satisfies Catalog.
func (m *Memory) Close() error { return nil }

// PutBlob upserts the blob record.
func (m *Memory) PutBlob(_ context.Context, blob Blob) error {
	key := blobKey{project: blob.Project, repo: blob.Repo, blobID: blob.BlobID}
	m.mu.Lock()
	if existing, ok := m.blobs[key]; ok {
		// Keep the original creation time on re-upload.
		blob.CreatedAt = existing.CreatedAt
	}
	m.blobs[key] = blob
	m.mu.Unlock()
	return nil
}

// GetBlob fetches one blob record.
func (m *Memory) GetBlob(_ context.Context, project, repo string, blobID iohash.Hash) (*Blob, error) {
	m.mu.RLock()
	blob, ok := m.blobs[blobKey{project: project, repo: repo, blobID: blobID}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &blob, nil
}

// FindBlobsByContentID returns matching blobs ordered by size then
// blob id, so selection is deterministic.
func (m *Memory) FindBlobsByContentID(_ context.Context, project, repo string, contentID iohash.Hash) ([]Blob, error) {
	m.mu.RLock()
	var out []Blob
	for key, blob := range m.blobs {
		if key.project == project && key.repo == repo && blob.ContentID == contentID {
			out = append(out, blob)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size < out[j].Size
		}
		return out[i].BlobID.Compare(out[j].BlobID) < 0
	})
	return out, nil
}

// FindSmallestBlobByContentID returns the cheapest matching blob.
func (m *Memory) FindSmallestBlobByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) (*Blob, error) {
	blobs, err := m.FindBlobsByContentID(ctx, project, repo, contentID)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, ErrNotFound
	}
	return &blobs[0], nil
}

// PutReference creates or replaces the reference record.
func (m *Memory) PutReference(_ context.Context, ref Reference) error {
	if ref.InlineBlob != nil {
		ref.InlineBlob = append([]byte(nil), ref.InlineBlob...)
	}
	key := refKey{project: ref.Project, repo: ref.Repo, bucket: ref.Bucket, refID: ref.RefID}
	m.mu.Lock()
	m.refs[key] = ref
	m.mu.Unlock()
	return nil
}

// GetReference fetches one reference record.
func (m *Memory) GetReference(_ context.Context, project, repo, bucket, refID string) (*Reference, error) {
	m.mu.RLock()
	ref, ok := m.refs[refKey{project: project, repo: repo, bucket: bucket, refID: refID}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if ref.InlineBlob != nil {
		ref.InlineBlob = append([]byte(nil), ref.InlineBlob...)
	}
	return &ref, nil
}

// SetFinalized flips the finalized flag.
func (m *Memory) SetFinalized(_ context.Context, project, repo, bucket, refID string, finalized bool) error {
	key := refKey{project: project, repo: repo, bucket: bucket, refID: refID}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[key]
	if !ok {
		return ErrNotFound
	}
	ref.Finalized = finalized
	m.refs[key] = ref
	return nil
}

// TouchReference updates the last-access timestamp.
func (m *Memory) TouchReference(_ context.Context, project, repo, bucket, refID string, at time.Time) error {
	key := refKey{project: project, repo: repo, bucket: bucket, refID: refID}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[key]
	if !ok {
		return ErrNotFound
	}
	ref.LastAccessAt = at.UTC()
	m.refs[key] = ref
	return nil
}
