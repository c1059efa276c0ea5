package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/api"
	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/ddc"
	"github.com/owenlxu/bk-repo/internal/httpapi"
	"github.com/owenlxu/bk-repo/internal/iohash"
	"github.com/owenlxu/bk-repo/internal/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := pslog.NewStructured(io.Discard)
	backend := memory.New()
	cat := catalog.NewMemory()
	clk := clock.NewManual(time.Date(2026, 7, 4, 8, 0, 0, 0, time.UTC))
	resolver := ddc.NewResolver(cat)

	handler := httpapi.New(httpapi.Config{
		Blobs: ddc.NewBlobService(ddc.BlobServiceConfig{
			Backend: backend, Catalog: cat, Logger: logger, Clock: clk,
		}),
		Refs: ddc.NewReferenceService(ddc.ReferenceServiceConfig{
			Backend: backend, Catalog: cat, Resolver: resolver, Logger: logger, Clock: clk,
		}),
		Resolver: resolver,
		Logger:   logger,
		Clock:    clk,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, payload
}

func decodeNeeds(t *testing.T, payload []byte) []string {
	t.Helper()
	var out api.RefPutResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode needs response: %v (%s)", err, payload)
	}
	return out.Needs
}

func buildRefDocument(t *testing.T, digest iohash.Hash) []byte {
	t.Helper()
	payload, err := cb.NewBuilder().
		WriteString("name", "bundle").
		WriteBinaryAttachment("payload", digest).
		Bytes()
	if err != nil {
		t.Fatalf("build document: %v", err)
	}
	return payload
}

func TestUploadFinalizeDownloadFlow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	attachment := []byte("the attachment payload bytes")
	attachmentID := iohash.Compute(attachment)
	docBytes := buildRefDocument(t, attachmentID)
	docHash := iohash.Compute(docBytes)

	// Upload the reference before its attachment exists.
	resp, body := doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/refs/proj/repo/textures/asset-1",
		docBytes,
		map[string]string{
			"Content-Type":   api.MediaTypeCompactBinary,
			api.HeaderIoHash: docHash.String(),
		})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ref put status = %d: %s", resp.StatusCode, body)
	}
	if needs := decodeNeeds(t, body); len(needs) != 1 || needs[0] != attachmentID.String() {
		t.Fatalf("needs = %v, want [%s]", needs, attachmentID)
	}
	if got := resp.Header.Get(api.HeaderIoHash); got != docHash.String() {
		t.Fatalf("%s = %q, want %s", api.HeaderIoHash, got, docHash)
	}

	// Finalize reports the same gap.
	resp, body = doRequest(t, http.MethodPost,
		srv.URL+"/api/v1/refs/proj/repo/textures/asset-1/finalize/"+docHash.String(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d: %s", resp.StatusCode, body)
	}
	if needs := decodeNeeds(t, body); len(needs) != 1 {
		t.Fatalf("finalize needs = %v, want one entry", needs)
	}

	// Upload the missing blob, then finalize for real.
	resp, body = doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/blobs/proj/repo/"+attachmentID.String(), attachment, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blob put status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodPost,
		srv.URL+"/api/v1/refs/proj/repo/textures/asset-1/finalize/"+docHash.String(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-finalize status = %d: %s", resp.StatusCode, body)
	}
	if needs := decodeNeeds(t, body); len(needs) != 0 {
		t.Fatalf("re-finalize needs = %v, want empty", needs)
	}

	// Document download.
	resp, body = doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/refs/proj/repo/textures/asset-1", nil,
		map[string]string{"Accept": api.MediaTypeCompactBinary})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ref get status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, docBytes) {
		t.Fatal("document bytes corrupted in transit")
	}
	if got := resp.Header.Get("Content-Type"); got != api.MediaTypeCompactBinary {
		t.Fatalf("content type = %q", got)
	}
	if resp.Header.Get(api.HeaderLastAccess) == "" {
		t.Fatalf("missing %s header", api.HeaderLastAccess)
	}

	// Inlined payload download streams the attachment bytes.
	resp, body = doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/refs/proj/repo/textures/asset-1", nil,
		map[string]string{"Accept": api.MediaTypeInlinedPayload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inline get status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, attachment) {
		t.Fatal("inlined payload bytes do not match the attachment")
	}
	if got := resp.Header.Get(api.HeaderInlinePayloadHash); got != attachmentID.String() {
		t.Fatalf("%s = %q, want %s", api.HeaderInlinePayloadHash, got, attachmentID)
	}
}

func TestRefPutRequiresCompactBinaryContentType(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	docBytes := buildRefDocument(t, iohash.Compute([]byte("x")))
	resp, body := doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/refs/proj/repo/b/k", docBytes,
		map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.ErrorCode != api.CodeUnsupportedMediaType {
		t.Fatalf("error code = %s", errResp.ErrorCode)
	}
}

func TestRefGetRejectsUnsupportedAccept(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/refs/proj/repo/b/k", nil,
		map[string]string{"Accept": "text/html"})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestInlineGetDegradesToNotFoundWhenUnresolvable(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	docBytes := buildRefDocument(t, iohash.Compute([]byte("never uploaded")))
	resp, body := doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/refs/proj/repo/b/k", docBytes,
		map[string]string{"Content-Type": api.MediaTypeCompactBinary})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ref put status = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/refs/proj/repo/b/k", nil,
		map[string]string{"Accept": api.MediaTypeInlinedPayload})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBlobPutDigestMismatch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	wrong := iohash.Compute([]byte("something else"))
	resp, body := doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/blobs/proj/repo/"+wrong.String(), []byte("actual payload"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.ErrorCode != api.CodeDigestCheckFailed {
		t.Fatalf("error code = %s, want %s", errResp.ErrorCode, api.CodeDigestCheckFailed)
	}

	// The bytes were rejected, not stored.
	correct := iohash.Compute([]byte("actual payload"))
	resp, _ = doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/blobs/proj/repo/"+correct.String(), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rejected blob retrievable: status = %d", resp.StatusCode)
	}
}

func TestCompressedBlobRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	payload := []byte("logical content stored as-is")
	contentID := iohash.Compute(payload)

	resp, body := doRequest(t, http.MethodPut,
		srv.URL+"/api/v1/compressed-blobs/proj/repo/"+contentID.String(), payload, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d: %s", resp.StatusCode, body)
	}
	var up api.BlobUploadResponse
	if err := json.Unmarshal(body, &up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if up.ContentID != contentID.String() {
		t.Fatalf("content id = %s, want %s", up.ContentID, contentID)
	}

	resp, body = doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/compressed-blobs/proj/repo/"+contentID.String(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, payload) {
		t.Fatal("payload corrupted in transit")
	}
	// Identity-stored content streams as plain bytes.
	if got := resp.Header.Get("Content-Type"); got != api.MediaTypeOctetStream {
		t.Fatalf("content type = %q, want %s", got, api.MediaTypeOctetStream)
	}
}

func TestMissingReferenceIs404(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, body := doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/refs/proj/repo/b/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.ErrorCode != api.CodeNotFound {
		t.Fatalf("error code = %s", errResp.ErrorCode)
	}
}

func TestInvalidPathDigestIs400(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodGet,
		srv.URL+"/api/v1/blobs/proj/repo/not-a-digest", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, body := doRequest(t, http.MethodGet, srv.URL+path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d: %s", path, resp.StatusCode, body)
		}
	}
}
