// Package memory implements an in-memory file store; intended for
// tests and local development.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
	"github.com/rs/xid"
)

// Store implements storage.Backend over maps guarded by an RWMutex.
type Store struct {
	mu    sync.RWMutex
	blobs map[blobKey]*blobEntry

	backendHash string
}

type blobKey struct {
	project string
	repo    string
	id      iohash.Hash
}

type blobEntry struct {
	payload  []byte
	modified time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	sum := sha256.Sum256([]byte("mem:" + xid.New().String()))
	return &Store{
		blobs:       make(map[blobKey]*blobEntry),
		backendHash: hex.EncodeToString(sum[:]),
	}
}

// Close satisfies storage.Backend but requires no action.
func (s *Store) Close() error { return nil }

// PutBlob stores the payload, treating an existing digest as a no-op
// success.
func (s *Store) PutBlob(_ context.Context, project, repo string, id iohash.Hash, r io.Reader, _ int64) (*storage.BlobInfo, error) {
	key := blobKey{project: project, repo: repo, id: id}

	s.mu.RLock()
	existing, ok := s.blobs[key]
	s.mu.RUnlock()
	if ok {
		// Drain so pipelined callers observe a fully consumed body.
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return s.info(key, existing), nil
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	entry := &blobEntry{payload: payload, modified: time.Now().UTC()}

	s.mu.Lock()
	if racing, ok := s.blobs[key]; ok {
		entry = racing
	} else {
		s.blobs[key] = entry
	}
	s.mu.Unlock()
	return s.info(key, entry), nil
}

// GetBlob returns a reader over a copy of the stored payload.
func (s *Store) GetBlob(_ context.Context, project, repo string, id iohash.Hash) (storage.GetBlobResult, error) {
	key := blobKey{project: project, repo: repo, id: id}
	s.mu.RLock()
	entry, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return storage.GetBlobResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	return storage.GetBlobResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info:   s.info(key, entry),
	}, nil
}

// StatBlob reports stored metadata.
func (s *Store) StatBlob(_ context.Context, project, repo string, id iohash.Hash) (*storage.BlobInfo, error) {
	key := blobKey{project: project, repo: repo, id: id}
	s.mu.RLock()
	entry, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.info(key, entry), nil
}

// DeleteBlob removes the blob when present.
func (s *Store) DeleteBlob(_ context.Context, project, repo string, id iohash.Hash) error {
	key := blobKey{project: project, repo: repo, id: id}
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

// ListBlobs enumerates blobs in ascending digest order.
func (s *Store) ListBlobs(_ context.Context, project, repo string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	var infos []storage.BlobInfo
	for key, entry := range s.blobs {
		if key.project != project || key.repo != repo {
			continue
		}
		if opts.StartAfter != "" && key.id.String() <= opts.StartAfter {
			continue
		}
		infos = append(infos, *s.info(key, entry))
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID.Compare(infos[j].ID) < 0
	})
	result := &storage.ListResult{Blobs: infos}
	if opts.Limit > 0 && len(infos) > opts.Limit {
		result.Blobs = infos[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = infos[opts.Limit-1].ID.String()
	}
	return result, nil
}

// BackendHash returns the per-instance identity hash.
func (s *Store) BackendHash(context.Context) (string, error) {
	return s.backendHash, nil
}

func (s *Store) info(key blobKey, entry *blobEntry) *storage.BlobInfo {
	return &storage.BlobInfo{
		Project:    key.project,
		Repo:       key.repo,
		ID:         key.id,
		Size:       int64(len(entry.payload)),
		ModifiedAt: entry.modified,
	}
}
