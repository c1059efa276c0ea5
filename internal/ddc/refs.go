package ddc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
)

// DefaultRefInlineMaxBytes is the largest document kept inline in the
// catalog record; larger documents are externalized to the file store.
const DefaultRefInlineMaxBytes = 64 << 10 // 64 KiB

// ReferenceServiceConfig wires a ReferenceService.
type ReferenceServiceConfig struct {
	Backend  storage.Backend
	Catalog  catalog.Catalog
	Resolver *Resolver
	Flusher  *AccessFlusher
	Logger   pslog.Logger
	Clock    clock.Clock
	Metrics  *Metrics
	// InlineMaxBytes bounds inline documents; 0 selects
	// DefaultRefInlineMaxBytes.
	InlineMaxBytes int64
}

// ReferenceService implements the reference lifecycle: create,
// finalize, fetch with last-access tracking.
type ReferenceService struct {
	backend   storage.Backend
	catalog   catalog.Catalog
	resolver  *Resolver
	flusher   *AccessFlusher
	logger    pslog.Logger
	clock     clock.Clock
	metrics   *Metrics
	inlineMax int64
}

// NewReferenceService constructs a ReferenceService.
func NewReferenceService(cfg ReferenceServiceConfig) *ReferenceService {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var clk clock.Clock = cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	inlineMax := cfg.InlineMaxBytes
	if inlineMax <= 0 {
		inlineMax = DefaultRefInlineMaxBytes
	}
	return &ReferenceService{
		backend:   cfg.Backend,
		catalog:   cfg.Catalog,
		resolver:  cfg.Resolver,
		flusher:   cfg.Flusher,
		logger:    logger,
		clock:     clk,
		metrics:   cfg.Metrics,
		inlineMax: inlineMax,
	}
}

// CreateReferenceCommand describes one reference upload. DeclaredHash,
// when set, must equal the digest of Payload.
type CreateReferenceCommand struct {
	Project      string
	Repo         string
	Bucket       string
	RefID        string
	Payload      []byte
	DeclaredHash iohash.Hash
}

// CreateResult pairs the stored reference with the digests it still
// needs before it can be finalized.
type CreateResult struct {
	Reference *catalog.Reference
	Needs     []iohash.Hash
}

// CreateReference validates, stores and resolves a reference document.
// Documents larger than the inline threshold are written to the file
// store before the record becomes durable. The reference is finalized
// immediately when every attachment digest already resolves.
func (s *ReferenceService) CreateReference(ctx context.Context, cmd CreateReferenceCommand) (*CreateResult, error) {
	for kind, name := range map[string]string{
		"project": cmd.Project,
		"repo":    cmd.Repo,
		"bucket":  cmd.Bucket,
		"key":     cmd.RefID,
	} {
		if err := ValidateName(kind, name); err != nil {
			return nil, err
		}
	}

	blobID := iohash.Compute(cmd.Payload)
	if !cmd.DeclaredHash.IsZero() && cmd.DeclaredHash != blobID {
		return nil, digestCheckFailed("document hashes to %s, declared %s", blobID, cmd.DeclaredHash)
	}
	doc, err := cb.ParseObject(cmd.Payload)
	if err != nil {
		return nil, malformedDocument(err)
	}

	ref := catalog.Reference{
		Project:      cmd.Project,
		Repo:         cmd.Repo,
		Bucket:       cmd.Bucket,
		RefID:        cmd.RefID,
		BlobID:       blobID,
		LastAccessAt: s.clock.Now(),
	}
	if int64(len(cmd.Payload)) <= s.inlineMax {
		ref.InlineBlob = cmd.Payload
	} else {
		// Externalize: bytes first, then the blob record, so a crash
		// never leaves a record pointing at nothing.
		if _, err := s.backend.PutBlob(ctx, cmd.Project, cmd.Repo, blobID, bytes.NewReader(cmd.Payload), int64(len(cmd.Payload))); err != nil {
			return nil, fmt.Errorf("externalize document: %w", err)
		}
		if err := s.catalog.PutBlob(ctx, catalog.Blob{
			Project:   cmd.Project,
			Repo:      cmd.Repo,
			BlobID:    blobID,
			ContentID: blobID,
			Size:      int64(len(cmd.Payload)),
			CreatedAt: s.clock.Now(),
		}); err != nil {
			return nil, fmt.Errorf("record externalized document: %w", err)
		}
	}

	resolved, err := s.resolver.ResolveAttachments(ctx, cmd.Project, cmd.Repo, doc)
	if err != nil {
		return nil, err
	}
	ref.Finalized = resolved.Resolved()
	if err := s.catalog.PutReference(ctx, ref); err != nil {
		return nil, fmt.Errorf("store reference: %w", err)
	}

	s.metrics.recordRefUpload(ctx)
	s.metrics.recordMissing(ctx, len(resolved.Missing))
	s.logger.Debug("ref.create",
		"project", cmd.Project,
		"repo", cmd.Repo,
		"bucket", cmd.Bucket,
		"ref", cmd.RefID,
		"blob_id", blobID.String(),
		"inline", ref.Inline(),
		"finalized", ref.Finalized,
		"needs", len(resolved.Missing),
	)
	return &CreateResult{Reference: &ref, Needs: resolved.Missing}, nil
}

// GetReference loads a reference and its document bytes, queueing a
// last-access touch. The returned record carries the last-access time
// as stored; the touch lands asynchronously.
func (s *ReferenceService) GetReference(ctx context.Context, project, repo, bucket, refID string) (*catalog.Reference, []byte, error) {
	ref, err := s.catalog.GetReference(ctx, project, repo, bucket, refID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, nil, notFound("no reference %s/%s", bucket, refID)
		}
		return nil, nil, fmt.Errorf("get reference: %w", err)
	}

	payload := ref.InlineBlob
	if payload == nil {
		payload, err = s.loadExternalDocument(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
	}

	if s.flusher != nil {
		s.flusher.Touch(project, repo, bucket, refID)
	}
	s.metrics.recordRefDownload(ctx)
	return ref, payload, nil
}

func (s *ReferenceService) loadExternalDocument(ctx context.Context, ref *catalog.Reference) ([]byte, error) {
	result, err := s.backend.GetBlob(ctx, ref.Project, ref.Repo, ref.BlobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("ref.document.missing",
				"project", ref.Project,
				"repo", ref.Repo,
				"bucket", ref.Bucket,
				"ref", ref.RefID,
				"blob_id", ref.BlobID.String(),
			)
			return nil, notFound("reference document %s missing from file store", ref.BlobID)
		}
		return nil, fmt.Errorf("load reference document: %w", err)
	}
	defer result.Reader.Close()
	payload, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, fmt.Errorf("read reference document: %w", err)
	}
	return payload, nil
}

// Finalize re-resolves the reference's attachments and flips the
// finalized flag when nothing is missing. The operation is idempotent
// and monotonic: a finalized reference never reverts, and repeating
// the call returns the same needs list.
func (s *ReferenceService) Finalize(ctx context.Context, project, repo, bucket, refID string, declaredHash iohash.Hash) (*CreateResult, error) {
	ref, err := s.catalog.GetReference(ctx, project, repo, bucket, refID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, badRequest("no reference %s/%s when attempting to finalize", bucket, refID)
		}
		return nil, fmt.Errorf("get reference: %w", err)
	}
	if declaredHash != ref.BlobID {
		return nil, digestCheckFailed("reference document is %s, declared %s", ref.BlobID, declaredHash)
	}

	payload := ref.InlineBlob
	if payload == nil {
		payload, err = s.loadExternalDocument(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	doc, err := cb.ParseObject(payload)
	if err != nil {
		return nil, malformedDocument(err)
	}

	resolved, err := s.resolver.ResolveAttachments(ctx, project, repo, doc)
	if err != nil {
		return nil, err
	}
	if resolved.Resolved() && !ref.Finalized {
		if err := s.catalog.SetFinalized(ctx, project, repo, bucket, refID, true); err != nil {
			return nil, fmt.Errorf("finalize reference: %w", err)
		}
		ref.Finalized = true
	}

	outcome := "complete"
	if !resolved.Resolved() {
		outcome = "incomplete"
	}
	s.metrics.recordFinalize(ctx, outcome)
	s.metrics.recordMissing(ctx, len(resolved.Missing))
	s.logger.Debug("ref.finalize",
		"project", project,
		"repo", repo,
		"bucket", bucket,
		"ref", refID,
		"outcome", outcome,
		"needs", len(resolved.Missing),
	)
	return &CreateResult{Reference: ref, Needs: resolved.Missing}, nil
}
