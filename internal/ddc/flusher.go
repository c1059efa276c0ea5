package ddc

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/clock"
)

// DefaultAccessFlushInterval is the batching window for last-access
// updates.
const DefaultAccessFlushInterval = 30 * time.Second

type refKey struct {
	project string
	repo    string
	bucket  string
	refID   string
}

// AccessFlusher batches reference last-access touches and writes them
// to the catalog on an interval, so read paths never block on a
// catalog write. Repeated touches within a window collapse to the
// latest timestamp.
type AccessFlusher struct {
	catalog  catalog.Catalog
	clock    clock.Clock
	logger   pslog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[refKey]time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewAccessFlusher constructs a stopped flusher; call Start to begin
// the flush loop.
func NewAccessFlusher(cat catalog.Catalog, clk clock.Clock, logger pslog.Logger, interval time.Duration) *AccessFlusher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultAccessFlushInterval
	}
	return &AccessFlusher{
		catalog:  cat,
		clock:    clk,
		logger:   logger,
		interval: interval,
		pending:  make(map[refKey]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Touch queues a last-access update for the reference.
func (f *AccessFlusher) Touch(project, repo, bucket, refID string) {
	now := f.clock.Now()
	f.mu.Lock()
	f.pending[refKey{project: project, repo: repo, bucket: bucket, refID: refID}] = now
	f.mu.Unlock()
}

// Start launches the flush loop.
func (f *AccessFlusher) Start() {
	go f.run()
}

func (f *AccessFlusher) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			f.Flush(context.Background())
			return
		case <-f.clock.After(f.interval):
			f.Flush(context.Background())
		}
	}
}

// Stop drains the pending batch and terminates the loop. It returns
// when the final flush completes or ctx expires.
func (f *AccessFlusher) Stop(ctx context.Context) error {
	f.once.Do(func() { close(f.stop) })
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush writes the pending batch synchronously. References deleted
// since their touch was queued are skipped silently.
func (f *AccessFlusher) Flush(ctx context.Context) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.pending
	f.pending = make(map[refKey]time.Time)
	f.mu.Unlock()

	flushed := 0
	for key, at := range batch {
		err := f.catalog.TouchReference(ctx, key.project, key.repo, key.bucket, key.refID, at)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			f.logger.Warn("ref.touch.flush_failed",
				"project", key.project,
				"repo", key.repo,
				"bucket", key.bucket,
				"ref", key.refID,
				"error", err,
			)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		f.logger.Trace("ref.touch.flushed", "count", flushed)
	}
}
