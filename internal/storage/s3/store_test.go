package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "ddc-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "ddc",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestBlobLifecycle(t *testing.T) {
	cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	payload := bytes.Repeat([]byte("asset"), 2048)
	id := iohash.Compute(payload)

	info, err := store.PutBlob(ctx, "proj", "repo", id, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", info.Size, len(payload))
	}

	// Duplicate put short-circuits on the existing object.
	if _, err := store.PutBlob(ctx, "proj", "repo", id, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("duplicate put: %v", err)
	}

	result, err := store.GetBlob(ctx, "proj", "repo", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := io.ReadAll(result.Reader)
	result.Reader.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after round trip")
	}

	stat, err := store.StatBlob(ctx, "proj", "repo", id)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.ID != id {
		t.Fatalf("stat id = %s, want %s", stat.ID, id)
	}

	if err := store.DeleteBlob(ctx, "proj", "repo", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.StatBlob(ctx, "proj", "repo", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMissingBlobIsNotFound(t *testing.T) {
	cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	id := iohash.Compute([]byte("never uploaded"))
	if _, err := store.GetBlob(ctx, "p", "r", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := store.StatBlob(ctx, "p", "r", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stat missing: %v", err)
	}
}

func TestListBlobs(t *testing.T) {
	cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, p := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		id := iohash.Compute(p)
		if _, err := store.PutBlob(ctx, "p", "r", id, bytes.NewReader(p), int64(len(p))); err != nil {
			t.Fatalf("put %q: %v", p, err)
		}
	}

	result, err := store.ListBlobs(ctx, "p", "r", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Blobs) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(result.Blobs))
	}
	for i := 1; i < len(result.Blobs); i++ {
		if result.Blobs[i-1].ID.Compare(result.Blobs[i].ID) >= 0 {
			t.Fatal("list not in ascending digest order")
		}
	}

	page, err := store.ListBlobs(ctx, "p", "r", storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page.Blobs) != 2 || !page.Truncated {
		t.Fatalf("expected truncated page of 2, got %d truncated=%v", len(page.Blobs), page.Truncated)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "unexpected EOF", err: io.ErrUnexpectedEOF, expected: true},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}
