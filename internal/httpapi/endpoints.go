package httpapi

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/owenlxu/bk-repo/api"
	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/cb"
	"github.com/owenlxu/bk-repo/internal/ddc"
	"github.com/owenlxu/bk-repo/internal/iohash"
)

func pathHash(r *http.Request, name string) (iohash.Hash, error) {
	raw := r.PathValue(name)
	digest, err := iohash.Parse(raw)
	if err != nil {
		return iohash.Zero, httpError{
			Status: http.StatusBadRequest,
			Code:   api.CodeBadRequest,
			Detail: "invalid " + name + " " + raw,
		}
	}
	return digest, nil
}

// acceptSet parses the Accept header into the set of requested media
// types, parameters stripped. An absent header yields an empty set,
// which accepts anything.
func acceptSet(r *http.Request) map[string]bool {
	accepted := make(map[string]bool)
	for _, header := range r.Header.Values("Accept") {
		for _, part := range strings.Split(header, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			accepted[mediaType] = true
		}
	}
	return accepted
}

func accepts(set map[string]bool, mediaType string) bool {
	return len(set) == 0 || set["*/*"] || set[mediaType]
}

func contentType(r *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

func needsStrings(needs []iohash.Hash) []string {
	out := make([]string, 0, len(needs))
	for _, digest := range needs {
		out = append(out, digest.String())
	}
	return out
}

func (h *Handler) refHeaders(ref *catalog.Reference) map[string]string {
	return map[string]string{
		api.HeaderIoHash:     ref.BlobID.String(),
		api.HeaderLastAccess: ref.LastAccessAt.Format(api.LastAccessTimeLayout),
	}
}

func (h *Handler) handleRefPut(w http.ResponseWriter, r *http.Request) error {
	if ct := contentType(r); ct != api.MediaTypeCompactBinary {
		return httpError{
			Status: http.StatusUnsupportedMediaType,
			Code:   api.CodeUnsupportedMediaType,
			Detail: "reference uploads require " + api.MediaTypeCompactBinary,
		}
	}
	// The declared digest travels in the IoHash header; without it the
	// server trusts the body and records its computed digest.
	var declaredHash iohash.Hash
	if headerHash := strings.TrimSpace(r.Header.Get(api.HeaderIoHash)); headerHash != "" {
		parsed, err := iohash.Parse(headerHash)
		if err != nil {
			return httpError{
				Status: http.StatusBadRequest,
				Code:   api.CodeBadRequest,
				Detail: "invalid " + api.HeaderIoHash + " header",
			}
		}
		declaredHash = parsed
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: api.CodeBadRequest, Detail: "read request body: " + err.Error()}
	}

	result, err := h.refs.CreateReference(r.Context(), ddc.CreateReferenceCommand{
		Project:      r.PathValue("project"),
		Repo:         r.PathValue("repo"),
		Bucket:       r.PathValue("bucket"),
		RefID:        r.PathValue("key"),
		Payload:      payload,
		DeclaredHash: declaredHash,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.RefPutResponse{Needs: needsStrings(result.Needs)}, h.refHeaders(result.Reference))
	return nil
}

func (h *Handler) handleRefFinalize(w http.ResponseWriter, r *http.Request) error {
	declaredHash, err := pathHash(r, "hash")
	if err != nil {
		return err
	}
	result, err := h.refs.Finalize(r.Context(),
		r.PathValue("project"), r.PathValue("repo"), r.PathValue("bucket"), r.PathValue("key"),
		declaredHash,
	)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.RefPutResponse{Needs: needsStrings(result.Needs)}, h.refHeaders(result.Reference))
	return nil
}

func (h *Handler) handleRefGet(w http.ResponseWriter, r *http.Request) error {
	accepted := acceptSet(r)
	wantsInline := accepted[api.MediaTypeInlinedPayload]
	if !wantsInline && !accepts(accepted, api.MediaTypeCompactBinary) {
		return httpError{
			Status: http.StatusUnsupportedMediaType,
			Code:   api.CodeUnsupportedMediaType,
			Detail: "reference responses are " + api.MediaTypeCompactBinary + " or " + api.MediaTypeInlinedPayload,
		}
	}

	ref, payload, err := h.refs.GetReference(r.Context(),
		r.PathValue("project"), r.PathValue("repo"), r.PathValue("bucket"), r.PathValue("key"))
	if err != nil {
		return convertCoreError(err)
	}
	headers := h.refHeaders(ref)

	if wantsInline {
		return h.serveInlinePayload(w, r, ref, payload, headers)
	}

	headers["Content-Type"] = api.MediaTypeCompactBinary
	writeHeaders(w, headers)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(payload)
	return err
}

// serveInlinePayload streams the single payload a document carries:
// the referenced attachment blob when one exists, the document's own
// field region otherwise. Unresolvable attachments degrade to 404.
func (h *Handler) serveInlinePayload(w http.ResponseWriter, r *http.Request, ref *catalog.Reference, payload []byte, headers map[string]string) error {
	doc, err := cb.ParseObject(payload)
	if err != nil {
		return convertCoreError(err)
	}
	hasPayload, err := ddc.CheckInlineEligibility(doc)
	if err != nil {
		return convertCoreError(err)
	}

	if !hasPayload {
		body := doc.Payload()
		headers[api.HeaderInlinePayloadHash] = ref.BlobID.String()
		headers["Content-Type"] = api.MediaTypeInlinedPayload
		writeHeaders(w, headers)
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	}

	resolved, err := h.resolver.ResolveAttachments(r.Context(),
		ref.Project, ref.Repo, doc)
	if err != nil {
		return convertCoreError(err)
	}
	if !resolved.Resolved() {
		return httpError{
			Status: http.StatusNotFound,
			Code:   api.CodeNotFound,
			Detail: "inlined payload is not fully resolvable",
		}
	}

	blob := resolved.Blobs[0]
	reader, err := h.blobs.LoadBlob(r.Context(), &blob)
	if err != nil {
		return convertCoreError(err)
	}
	defer reader.Close()

	headers[api.HeaderInlinePayloadHash] = blob.BlobID.String()
	headers["Content-Type"] = api.MediaTypeInlinedPayload
	writeHeaders(w, headers)
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, reader)
	return err
}

func (h *Handler) handleBlobPut(w http.ResponseWriter, r *http.Request) error {
	declared, err := pathHash(r, "id")
	if err != nil {
		return err
	}
	blob, err := h.blobs.PutBlob(r.Context(), ddc.PutBlobCommand{
		Project:        r.PathValue("project"),
		Repo:           r.PathValue("repo"),
		Body:           r.Body,
		DeclaredBlobID: declared,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.BlobUploadResponse{ContentID: blob.ContentID.String()}, nil)
	return nil
}

func (h *Handler) handleBlobGet(w http.ResponseWriter, r *http.Request) error {
	blobID, err := pathHash(r, "id")
	if err != nil {
		return err
	}
	blob, err := h.blobs.GetBlob(r.Context(), r.PathValue("project"), r.PathValue("repo"), blobID)
	if err != nil {
		return convertCoreError(err)
	}
	return h.streamBlob(w, r, blob, api.MediaTypeOctetStream)
}

func (h *Handler) handleCompressedBlobPut(w http.ResponseWriter, r *http.Request) error {
	contentID, err := pathHash(r, "contentId")
	if err != nil {
		return err
	}
	blob, err := h.blobs.PutBlob(r.Context(), ddc.PutBlobCommand{
		Project:           r.PathValue("project"),
		Repo:              r.PathValue("repo"),
		Body:              r.Body,
		DeclaredContentID: contentID,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.BlobUploadResponse{ContentID: blob.ContentID.String()}, nil)
	return nil
}

func (h *Handler) handleCompressedBlobGet(w http.ResponseWriter, r *http.Request) error {
	contentID, err := pathHash(r, "contentId")
	if err != nil {
		return err
	}
	blob, err := h.blobs.GetSmallestBlobByContentID(r.Context(),
		r.PathValue("project"), r.PathValue("repo"), contentID)
	if err != nil {
		return convertCoreError(err)
	}

	// A blob stored in its logical form streams as octet-stream; a
	// re-encoded one streams as a compressed buffer.
	mediaType := api.MediaTypeCompressedBuffer
	if blob.BlobID == blob.ContentID {
		mediaType = api.MediaTypeOctetStream
	}
	return h.streamBlob(w, r, blob, mediaType)
}

func (h *Handler) streamBlob(w http.ResponseWriter, r *http.Request, blob *catalog.Blob, mediaType string) error {
	if !accepts(acceptSet(r), mediaType) {
		return httpError{
			Status: http.StatusUnsupportedMediaType,
			Code:   api.CodeUnsupportedMediaType,
			Detail: "response is " + mediaType,
		}
	}
	reader, err := h.blobs.LoadBlob(r.Context(), blob)
	if err != nil {
		return convertCoreError(err)
	}
	defer reader.Close()

	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, reader)
	return err
}

func writeHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}
