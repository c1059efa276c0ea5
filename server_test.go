package bkrepo_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	bkrepo "github.com/owenlxu/bk-repo"
	"github.com/owenlxu/bk-repo/api"
	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/iohash"
)

func putBlob(t *testing.T, baseURL string, payload []byte) iohash.Hash {
	t.Helper()
	id := iohash.Compute(payload)
	req, err := http.NewRequest(http.MethodPut,
		baseURL+"/api/v1/blobs/proj/repo/"+id.String(), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("put blob status = %d: %s", resp.StatusCode, body)
	}
	return id
}

func TestServerEndToEnd(t *testing.T) {
	ts := bkrepo.NewTestServer(t)

	attachment := []byte("mesh data for the end to end flow")
	attachmentID := putBlob(t, ts.BaseURL, attachment)

	docBytes, err := cb.NewBuilder().
		WriteString("kind", "mesh").
		WriteBinaryAttachment("data", attachmentID).
		Bytes()
	if err != nil {
		t.Fatalf("build document: %v", err)
	}
	docHash := iohash.Compute(docBytes)

	req, err := http.NewRequest(http.MethodPut,
		ts.BaseURL+"/api/v1/refs/proj/repo/meshes/level-1", bytes.NewReader(docBytes))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", api.MediaTypeCompactBinary)
	req.Header.Set(api.HeaderIoHash, docHash.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put ref: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put ref status = %d: %s", resp.StatusCode, body)
	}
	var putResp api.RefPutResponse
	if err := json.Unmarshal(body, &putResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(putResp.Needs) != 0 {
		t.Fatalf("needs = %v, want empty (attachment already uploaded)", putResp.Needs)
	}

	resp, err = http.Get(ts.BaseURL + "/api/v1/refs/proj/repo/meshes/level-1")
	if err != nil {
		t.Fatalf("get ref: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get ref status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, docBytes) {
		t.Fatal("document bytes corrupted")
	}

	resp, err = http.Get(ts.BaseURL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestServerDiskAndSqlite(t *testing.T) {
	dir := t.TempDir()
	ts := bkrepo.NewTestServer(t, bkrepo.WithTestConfig(func(cfg *bkrepo.Config) {
		cfg.Store = "disk://" + dir
		cfg.Catalog = "sqlite://" + filepath.Join(dir, "catalog.db")
	}))

	payload := []byte("persisted through disk and sqlite")
	id := putBlob(t, ts.BaseURL, payload)

	resp, err := http.Get(ts.BaseURL + "/api/v1/blobs/proj/repo/" + id.String())
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get blob status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload corrupted through disk backend")
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	ts := bkrepo.NewTestServer(t)

	putBlob(t, ts.BaseURL, []byte("before shutdown"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping twice is a no-op.
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
