// Package s3 implements the file store on S3-compatible object
// storage via minio-go. Blobs are stored under
// <prefix>/<project>/<repo>/blobs/<hex>.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object
// storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying minio client for connectivity checks.
func (s *Store) Client() *minio.Client { return s.client }

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.cfg.Bucket }

func (s *Store) objectKey(project, repo string, id iohash.Hash) string {
	key := path.Join(project, repo, "blobs", id.String())
	if s.cfg.Prefix != "" {
		key = path.Join(s.cfg.Prefix, key)
	}
	return key
}

func (s *Store) blobPrefix(project, repo string) string {
	prefix := path.Join(project, repo, "blobs") + "/"
	if s.cfg.Prefix != "" {
		prefix = path.Join(s.cfg.Prefix, prefix) + "/"
	}
	return prefix
}

// PutBlob uploads the payload unless the digest already exists.
func (s *Store) PutBlob(ctx context.Context, project, repo string, id iohash.Hash, r io.Reader, size int64) (*storage.BlobInfo, error) {
	object := s.objectKey(project, repo, id)
	if stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err == nil {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, fmt.Errorf("s3: drain duplicate payload: %w", err)
		}
		return s.infoFor(project, repo, id, stat.Size, stat.LastModified), nil
	} else if !isNoSuchKey(err) {
		return nil, s.wrapError(err, "s3: stat before put")
	}

	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, s.wrapError(err, "s3: put blob")
	}
	modified := info.LastModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}
	return s.infoFor(project, repo, id, info.Size, modified), nil
}

// GetBlob streams the stored payload.
func (s *Store) GetBlob(ctx context.Context, project, repo string, id iohash.Hash) (storage.GetBlobResult, error) {
	object := s.objectKey(project, repo, id)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetBlobResult{}, s.wrapError(err, "s3: get blob")
	}
	// GetObject is lazy; Stat forces the request so missing keys
	// surface here instead of on first Read.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return storage.GetBlobResult{}, storage.ErrNotFound
		}
		return storage.GetBlobResult{}, s.wrapError(err, "s3: stat blob")
	}
	return storage.GetBlobResult{
		Reader: obj,
		Info:   s.infoFor(project, repo, id, stat.Size, stat.LastModified),
	}, nil
}

// StatBlob reports metadata without downloading the payload.
func (s *Store) StatBlob(ctx context.Context, project, repo string, id iohash.Hash) (*storage.BlobInfo, error) {
	object := s.objectKey(project, repo, id)
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: stat blob")
	}
	return s.infoFor(project, repo, id, stat.Size, stat.LastModified), nil
}

// DeleteBlob removes the object; missing objects are not an error.
func (s *Store) DeleteBlob(ctx context.Context, project, repo string, id iohash.Hash) error {
	object := s.objectKey(project, repo, id)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return s.wrapError(err, "s3: delete blob")
	}
	return nil
}

// ListBlobs enumerates stored digests in ascending order.
func (s *Store) ListBlobs(ctx context.Context, project, repo string, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.blobPrefix(project, repo)
	listOpts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	if opts.StartAfter != "" {
		listOpts.StartAfter = prefix + opts.StartAfter
	}
	result := &storage.ListResult{}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if obj.Err != nil {
			return nil, s.wrapError(obj.Err, "s3: list blobs")
		}
		id, err := iohash.Parse(path.Base(obj.Key))
		if err != nil {
			continue
		}
		if opts.Limit > 0 && len(result.Blobs) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Blobs[len(result.Blobs)-1].ID.String()
			return result, nil
		}
		result.Blobs = append(result.Blobs, *s.infoFor(project, repo, id, obj.Size, obj.LastModified))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// BackendHash derives the identity hash from endpoint, bucket and
// prefix.
func (s *Store) BackendHash(context.Context) (string, error) {
	desc := fmt.Sprintf("s3|endpoint=%s|bucket=%s|prefix=%s",
		strings.TrimSpace(s.cfg.Endpoint), strings.TrimSpace(s.cfg.Bucket), s.cfg.Prefix)
	sum := sha256.Sum256([]byte(desc))
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) infoFor(project, repo string, id iohash.Hash, size int64, modified time.Time) *storage.BlobInfo {
	return &storage.BlobInfo{
		Project:    project,
		Repo:       repo,
		ID:         id,
		Size:       size,
		ModifiedAt: modified.UTC(),
	}
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != 0 {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
