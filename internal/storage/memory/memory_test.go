package memory_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage"
	"github.com/owenlxu/bk-repo/internal/storage/memory"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	payload := []byte("cached shader bytecode")
	id := iohash.Compute(payload)

	info, err := store.PutBlob(ctx, "proj", "repo", id, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", info.Size, len(payload))
	}

	result, err := store.GetBlob(ctx, "proj", "repo", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer result.Reader.Close()
	got, err := io.ReadAll(result.Reader)
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
	if stat.ID != id || stat.Size != int64(len(payload)) {
		t.Fatalf("unexpected stat %+v", stat)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	payload := []byte("same bytes twice")
	id := iohash.Compute(payload)

	if _, err := store.PutBlob(ctx, "p", "r", id, bytes.NewReader(payload), -1); err != nil {
		t.Fatalf("first put: %v", err)
	}
	info, err := store.PutBlob(ctx, "p", "r", id, bytes.NewReader(payload), -1)
	if err != nil {
		t.Fatalf("duplicate put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("duplicate put size = %d", info.Size)
	}
}

func TestMissingBlob(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()
	id := iohash.Compute([]byte("never stored"))

	if _, err := store.GetBlob(ctx, "p", "r", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := store.StatBlob(ctx, "p", "r", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stat missing: %v", err)
	}
	if err := store.DeleteBlob(ctx, "p", "r", id); err != nil {
		t.Fatalf("delete missing should be a no-op, got %v", err)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	payload := []byte("tenant data")
	id := iohash.Compute(payload)
	if _, err := store.PutBlob(ctx, "p1", "r1", id, bytes.NewReader(payload), -1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.GetBlob(ctx, "p2", "r1", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected isolation across projects, got %v", err)
	}
	if _, err := store.GetBlob(ctx, "p1", "r2", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected isolation across repos, got %v", err)
	}
}

func TestListBlobsOrderingAndPagination(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	for _, p := range payloads {
		if _, err := store.PutBlob(ctx, "p", "r", iohash.Compute(p), bytes.NewReader(p), -1); err != nil {
			t.Fatalf("put %q: %v", p, err)
		}
	}

	first, err := store.ListBlobs(ctx, "p", "r", storage.ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Blobs) != 3 || !first.Truncated {
		t.Fatalf("expected truncated page of 3, got %d truncated=%v", len(first.Blobs), first.Truncated)
	}
	for i := 1; i < len(first.Blobs); i++ {
		if first.Blobs[i-1].ID.Compare(first.Blobs[i].ID) >= 0 {
			t.Fatal("list not in ascending digest order")
		}
	}

	rest, err := store.ListBlobs(ctx, "p", "r", storage.ListOptions{StartAfter: first.NextStartAfter})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Blobs) != 2 || rest.Truncated {
		t.Fatalf("expected final page of 2, got %d truncated=%v", len(rest.Blobs), rest.Truncated)
	}
	if rest.Blobs[0].ID.Compare(first.Blobs[2].ID) <= 0 {
		t.Fatal("second page does not resume after first")
	}
}

func TestDeleteBlob(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	payload := []byte("to be removed")
	id := iohash.Compute(payload)
	if _, err := store.PutBlob(ctx, "p", "r", id, bytes.NewReader(payload), -1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteBlob(ctx, "p", "r", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.StatBlob(ctx, "p", "r", id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestBackendHashIsStablePerInstance(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	first, err := store.BackendHash(ctx)
	if err != nil {
		t.Fatalf("backend hash: %v", err)
	}
	second, err := store.BackendHash(ctx)
	if err != nil {
		t.Fatalf("backend hash: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("backend hash unstable: %q vs %q", first, second)
	}
}
