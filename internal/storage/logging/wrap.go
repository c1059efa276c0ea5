// Package logging decorates a storage backend with trace/debug
// logging and OpenTelemetry spans around every call.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("github.com/owenlxu/bk-repo/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, project, repo string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "ddc.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("ddc.storage.operation", op),
		attribute.String("ddc.storage.project", project),
		attribute.String("ddc.storage.repo", repo),
		attribute.String("ddc.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("project", project, "repo", repo)
	ctx = pslog.ContextWithLogger(ctx, logger)

	return ctx, span, logger, begin, func(err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int64("ddc.storage.duration_ms", duration))
	}
}

func (b *backend) PutBlob(ctx context.Context, project, repo string, id iohash.Hash, r io.Reader, size int64) (*storage.BlobInfo, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "put_blob", project, repo)
	defer span.End()

	logger.Trace("storage.put_blob.begin", "blob_id", id.String(), "size_hint", size)
	info, err := b.inner.PutBlob(ctx, project, repo, id, r, size)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_blob.error", "blob_id", id.String(), "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.put_blob.success", "blob_id", id.String(), "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) GetBlob(ctx context.Context, project, repo string, id iohash.Hash) (storage.GetBlobResult, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "get_blob", project, repo)
	defer span.End()

	logger.Trace("storage.get_blob.begin", "blob_id", id.String())
	result, err := b.inner.GetBlob(ctx, project, repo, id)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_blob.error", "blob_id", id.String(), "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	logger.Debug("storage.get_blob.success", "blob_id", id.String(), "size", result.Info.Size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) StatBlob(ctx context.Context, project, repo string, id iohash.Hash) (*storage.BlobInfo, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "stat_blob", project, repo)
	defer span.End()

	logger.Trace("storage.stat_blob.begin", "blob_id", id.String())
	info, err := b.inner.StatBlob(ctx, project, repo, id)
	finish(err)
	if err != nil {
		logger.Debug("storage.stat_blob.error", "blob_id", id.String(), "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.stat_blob.success", "blob_id", id.String(), "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteBlob(ctx context.Context, project, repo string, id iohash.Hash) error {
	ctx, span, logger, begin, finish := b.start(ctx, "delete_blob", project, repo)
	defer span.End()

	logger.Trace("storage.delete_blob.begin", "blob_id", id.String())
	err := b.inner.DeleteBlob(ctx, project, repo, id)
	finish(err)
	if err != nil {
		logger.Debug("storage.delete_blob.error", "blob_id", id.String(), "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.delete_blob.success", "blob_id", id.String(), "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListBlobs(ctx context.Context, project, repo string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list_blobs", project, repo)
	defer span.End()

	logger.Trace("storage.list_blobs.begin", "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListBlobs(ctx, project, repo, opts)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_blobs.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.list_blobs.success", "count", len(result.Blobs), "truncated", result.Truncated, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) BackendHash(ctx context.Context) (string, error) {
	return b.inner.BackendHash(ctx)
}

func (b *backend) Close() error {
	return b.inner.Close()
}
