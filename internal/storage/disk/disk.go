// Package disk implements the filesystem file store. Blobs live under
// a sharded layout so no directory grows unbounded:
//
//	<root>/<project>/<repo>/blobs/<aa>/<bb>/<hex>
//
// where aa and bb are the first two byte pairs of the digest. Writes
// go to a temp file in the target directory followed by an atomic
// rename, so readers never observe partial blobs.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
	"github.com/rs/xid"
)

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root        string
	backendHash string
}

// New prepares root and returns a disk-backed store.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	sum := sha256.Sum256([]byte("disk:" + abs))
	return &Store{root: abs, backendHash: hex.EncodeToString(sum[:])}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func validSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." {
		return false
	}
	return !strings.ContainsAny(seg, "/\\")
}

func (s *Store) blobPath(project, repo string, id iohash.Hash) (string, error) {
	if !validSegment(project) || !validSegment(repo) {
		return "", fmt.Errorf("disk: invalid project/repo %q/%q", project, repo)
	}
	hexDigest := id.String()
	return filepath.Join(s.root, project, repo, "blobs", hexDigest[:2], hexDigest[2:4], hexDigest), nil
}

// PutBlob writes the payload via temp file + rename. An existing blob
// with the same digest short-circuits: content addressing guarantees
// the bytes are identical.
func (s *Store) PutBlob(ctx context.Context, project, repo string, id iohash.Hash, r io.Reader, _ int64) (*storage.BlobInfo, error) {
	path, err := s.blobPath(project, repo, id)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(path); err == nil {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, fmt.Errorf("disk: drain duplicate payload: %w", err)
		}
		return s.infoFor(project, repo, id, fi), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create shard dir: %w", err)
	}
	tmp := filepath.Join(dir, ".tmp-"+xid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: create temp file: %w", err)
	}
	written, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("disk: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		// A concurrent writer winning the rename is fine: same digest,
		// same bytes.
		if fi, statErr := os.Stat(path); statErr == nil {
			return s.infoFor(project, repo, id, fi), nil
		}
		return nil, fmt.Errorf("disk: publish blob: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("disk: stat published blob: %w", err)
	}
	if fi.Size() != written {
		return nil, fmt.Errorf("disk: published blob is %d bytes, wrote %d", fi.Size(), written)
	}
	return s.infoFor(project, repo, id, fi), nil
}

// GetBlob opens the stored payload for streaming.
func (s *Store) GetBlob(_ context.Context, project, repo string, id iohash.Hash) (storage.GetBlobResult, error) {
	path, err := s.blobPath(project, repo, id)
	if err != nil {
		return storage.GetBlobResult{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.GetBlobResult{}, storage.ErrNotFound
		}
		return storage.GetBlobResult{}, fmt.Errorf("disk: open blob: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return storage.GetBlobResult{}, fmt.Errorf("disk: stat blob: %w", err)
	}
	return storage.GetBlobResult{
		Reader: f,
		Info:   s.infoFor(project, repo, id, fi),
	}, nil
}

// StatBlob reports metadata without opening the payload.
func (s *Store) StatBlob(_ context.Context, project, repo string, id iohash.Hash) (*storage.BlobInfo, error) {
	path, err := s.blobPath(project, repo, id)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat blob: %w", err)
	}
	return s.infoFor(project, repo, id, fi), nil
}

// DeleteBlob removes the blob when present.
func (s *Store) DeleteBlob(_ context.Context, project, repo string, id iohash.Hash) error {
	path, err := s.blobPath(project, repo, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: delete blob: %w", err)
	}
	return nil
}

// ListBlobs walks the shard tree and returns digests in ascending
// order.
func (s *Store) ListBlobs(ctx context.Context, project, repo string, opts storage.ListOptions) (*storage.ListResult, error) {
	if !validSegment(project) || !validSegment(repo) {
		return nil, fmt.Errorf("disk: invalid project/repo %q/%q", project, repo)
	}
	base := filepath.Join(s.root, project, repo, "blobs")
	var infos []storage.BlobInfo
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		id, parseErr := iohash.Parse(d.Name())
		if parseErr != nil {
			return nil
		}
		if opts.StartAfter != "" && id.String() <= opts.StartAfter {
			return nil
		}
		fi, infoErr := d.Info()
		if infoErr != nil {
			if errors.Is(infoErr, fs.ErrNotExist) {
				return nil
			}
			return infoErr
		}
		infos = append(infos, *s.infoFor(project, repo, id, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list blobs: %w", err)
	}
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

// BackendHash derives the identity hash from the absolute root path.
func (s *Store) BackendHash(context.Context) (string, error) {
	return s.backendHash, nil
}

func (s *Store) infoFor(project, repo string, id iohash.Hash, fi fs.FileInfo) *storage.BlobInfo {
	return &storage.BlobInfo{
		Project:    project,
		Repo:       repo,
		ID:         id,
		Size:       fi.Size(),
		ModifiedAt: fi.ModTime().UTC(),
	}
}
