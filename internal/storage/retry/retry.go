// Package retry decorates a storage backend with exponential backoff
// on transient errors.
package retry

import (
	"context"
	"io"
	"time"

	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// PutBlob is not retried as a whole: the body reader is consumed by
// the first attempt, so replaying it is the caller's responsibility.
func (b *backend) PutBlob(ctx context.Context, project, repo string, id iohash.Hash, r io.Reader, size int64) (*storage.BlobInfo, error) {
	return b.inner.PutBlob(ctx, project, repo, id, r, size)
}

func (b *backend) GetBlob(ctx context.Context, project, repo string, id iohash.Hash) (storage.GetBlobResult, error) {
	var result storage.GetBlobResult
	err := b.withRetry(ctx, "get_blob", project, repo, id, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetBlob(ctx, project, repo, id)
		return err
	})
	return result, err
}

func (b *backend) StatBlob(ctx context.Context, project, repo string, id iohash.Hash) (*storage.BlobInfo, error) {
	var info *storage.BlobInfo
	err := b.withRetry(ctx, "stat_blob", project, repo, id, func(ctx context.Context) error {
		var err error
		info, err = b.inner.StatBlob(ctx, project, repo, id)
		return err
	})
	return info, err
}

func (b *backend) DeleteBlob(ctx context.Context, project, repo string, id iohash.Hash) error {
	return b.withRetry(ctx, "delete_blob", project, repo, id, func(ctx context.Context) error {
		return b.inner.DeleteBlob(ctx, project, repo, id)
	})
}

func (b *backend) ListBlobs(ctx context.Context, project, repo string, opts storage.ListOptions) (*storage.ListResult, error) {
	var result *storage.ListResult
	err := b.withRetry(ctx, "list_blobs", project, repo, iohash.Zero, func(ctx context.Context) error {
		var err error
		result, err = b.inner.ListBlobs(ctx, project, repo, opts)
		return err
	})
	return result, err
}

func (b *backend) BackendHash(ctx context.Context) (string, error) {
	return b.inner.BackendHash(ctx)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, project, repo string, id iohash.Hash, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"project", project,
			"repo", repo,
			"blob_id", id.String(),
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
