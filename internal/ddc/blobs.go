package ddc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/klauspost/compress/zstd"
	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
)

// DefaultMaxBlobBytes bounds a single blob upload.
const DefaultMaxBlobBytes = 2 << 30 // 2 GiB

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// nameRE constrains client-chosen identifiers: projects, repos,
// buckets, ref keys.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const maxNameBytes = 128

// ValidateName checks a client-chosen identifier segment.
func ValidateName(kind, name string) error {
	if len(name) > maxNameBytes || !nameRE.MatchString(name) {
		return badRequest("invalid %s %q", kind, name)
	}
	return nil
}

// BlobServiceConfig wires a BlobService.
type BlobServiceConfig struct {
	Backend storage.Backend
	Catalog catalog.Catalog
	Logger  pslog.Logger
	Clock   clock.Clock
	Metrics *Metrics
	// MaxBlobBytes bounds uploads; 0 selects DefaultMaxBlobBytes.
	MaxBlobBytes int64
	// VerifyCompressedContent decompresses zstd payloads on upload and
	// checks the logical digest against the declared content id.
	VerifyCompressedContent bool
}

// BlobService ingests and serves content-addressed blobs.
type BlobService struct {
	backend storage.Backend
	catalog catalog.Catalog
	logger  pslog.Logger
	clock   clock.Clock
	metrics *Metrics
	maxSize int64
	verify  bool
}

// NewBlobService constructs a BlobService.
func NewBlobService(cfg BlobServiceConfig) *BlobService {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxSize := cfg.MaxBlobBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxBlobBytes
	}
	var clk clock.Clock = cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &BlobService{
		backend: cfg.Backend,
		catalog: cfg.Catalog,
		logger:  logger,
		clock:   clk,
		metrics: cfg.Metrics,
		maxSize: maxSize,
		verify:  cfg.VerifyCompressedContent,
	}
}

// PutBlobCommand describes one blob upload. DeclaredContentID is the
// logical content digest from the request path; DeclaredBlobID, when
// set, must equal the digest of the uploaded bytes.
type PutBlobCommand struct {
	Project           string
	Repo              string
	Body              io.Reader
	DeclaredContentID iohash.Hash
	DeclaredBlobID    iohash.Hash
}

// PutBlob spools the payload, verifies digests, writes the bytes to
// the file store and then the record to the catalog. Re-uploading an
// existing blob is a no-op success. Nothing is persisted when a digest
// check fails.
func (s *BlobService) PutBlob(ctx context.Context, cmd PutBlobCommand) (*catalog.Blob, error) {
	if err := ValidateName("project", cmd.Project); err != nil {
		return nil, err
	}
	if err := ValidateName("repo", cmd.Repo); err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(cmd.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob payload: %w", err)
	}
	if int64(len(payload)) > s.maxSize {
		return nil, blobTooLarge(s.maxSize)
	}

	blobID := iohash.Compute(payload)
	if !cmd.DeclaredBlobID.IsZero() && cmd.DeclaredBlobID != blobID {
		return nil, digestCheckFailed("payload hashes to %s, declared %s", blobID, cmd.DeclaredBlobID)
	}
	contentID := cmd.DeclaredContentID
	if contentID.IsZero() {
		contentID = blobID
	}
	if s.verify && contentID != blobID && bytes.HasPrefix(payload, zstdMagic) {
		logical, err := decompressedDigest(payload)
		if err != nil {
			return nil, badRequest("decompress payload: %v", err)
		}
		if logical != contentID {
			return nil, digestCheckFailed("decompressed payload hashes to %s, declared content id %s", logical, contentID)
		}
	}

	blob := catalog.Blob{
		Project:   cmd.Project,
		Repo:      cmd.Repo,
		BlobID:    blobID,
		ContentID: contentID,
		Size:      int64(len(payload)),
		CreatedAt: s.clock.Now(),
	}
	if _, err := s.backend.PutBlob(ctx, cmd.Project, cmd.Repo, blobID, bytes.NewReader(payload), blob.Size); err != nil {
		return nil, fmt.Errorf("store blob bytes: %w", err)
	}
	if err := s.catalog.PutBlob(ctx, blob); err != nil {
		return nil, fmt.Errorf("record blob: %w", err)
	}

	s.metrics.recordBlobUpload(ctx, blob.Size)
	s.logger.Debug("blob.put",
		"project", cmd.Project,
		"repo", cmd.Repo,
		"blob_id", blobID.String(),
		"content_id", contentID.String(),
		"size", blob.Size,
	)
	return &blob, nil
}

func decompressedDigest(payload []byte) (iohash.Hash, error) {
	dec, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return iohash.Zero, err
	}
	defer dec.Close()
	digest, _, err := iohash.ComputeReader(dec)
	return digest, err
}

// GetSmallestBlobByContentID returns the cheapest stored blob carrying
// the logical content.
func (s *BlobService) GetSmallestBlobByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) (*catalog.Blob, error) {
	blob, err := s.catalog.FindSmallestBlobByContentID(ctx, project, repo, contentID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, notFound("no blob for content id %s", contentID)
		}
		return nil, fmt.Errorf("find blob by content id: %w", err)
	}
	return blob, nil
}

// GetBlob returns the record for one blob id.
func (s *BlobService) GetBlob(ctx context.Context, project, repo string, blobID iohash.Hash) (*catalog.Blob, error) {
	blob, err := s.catalog.GetBlob(ctx, project, repo, blobID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, notFound("no blob %s", blobID)
		}
		return nil, fmt.Errorf("get blob record: %w", err)
	}
	return blob, nil
}

// LoadBlob opens the stored bytes for a cataloged blob. A record whose
// bytes are gone from the file store is a consistency fault: it is
// logged and surfaced to the client as not found.
func (s *BlobService) LoadBlob(ctx context.Context, blob *catalog.Blob) (io.ReadCloser, error) {
	result, err := s.backend.GetBlob(ctx, blob.Project, blob.Repo, blob.BlobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("blob.bytes.missing",
				"project", blob.Project,
				"repo", blob.Repo,
				"blob_id", blob.BlobID.String(),
				"content_id", blob.ContentID.String(),
			)
			return nil, notFound("blob %s bytes missing from file store", blob.BlobID)
		}
		return nil, fmt.Errorf("load blob bytes: %w", err)
	}
	s.metrics.recordBlobDownload(ctx)
	return result.Reader, nil
}
