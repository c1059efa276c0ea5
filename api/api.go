// Package api defines the wire contract of the DDC cache service:
// media types, headers, JSON response envelopes and stable error
// codes. Client code should depend on this package rather than
// duplicating string constants.
package api

// Media types understood by the reference and blob endpoints.
const (
	// MediaTypeCompactBinary is the serialized reference document
	// format.
	MediaTypeCompactBinary = "application/x-ue-cb"
	// MediaTypeCompressedBuffer marks blobs whose stored encoding
	// differs from their logical content.
	MediaTypeCompressedBuffer = "application/x-ue-comp"
	// MediaTypeInlinedPayload asks the reference endpoint to stream
	// the single attached payload instead of the document.
	MediaTypeInlinedPayload = "application/x-jupiter-inlined-payload"
	// MediaTypeOctetStream serves blobs stored in their logical form.
	MediaTypeOctetStream = "application/octet-stream"
)

// Response headers set by the reference endpoints.
const (
	// HeaderIoHash carries the digest of the reference document.
	HeaderIoHash = "X-Jupiter-IoHash"
	// HeaderLastAccess carries the reference's last-access timestamp.
	HeaderLastAccess = "X-Jupiter-LastAccess"
	// HeaderInlinePayloadHash carries the blob id of an inlined
	// payload response.
	HeaderInlinePayloadHash = "X-Jupiter-InlinePayloadHash"
)

// LastAccessTimeLayout is the Go layout of HeaderLastAccess values.
const LastAccessTimeLayout = "01/02/2006 03:04:05"

// Stable error codes returned in ErrorResponse.ErrorCode.
const (
	CodeDigestCheckFailed    = "DIGEST_CHECK_FAILED"
	CodeMalformedDocument    = "MALFORMED_DOCUMENT"
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeBlobTooLarge         = "BLOB_TOO_LARGE"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context.
	Detail string `json:"detail,omitempty"`
}

// RefPutResponse is returned by reference upload and finalize. Needs
// lists attachment digests the server does not hold yet; an empty list
// means the reference is finalized.
type RefPutResponse struct {
	Needs []string `json:"needs"`
}

// BlobUploadResponse is returned by blob and compressed-blob uploads.
type BlobUploadResponse struct {
	// ContentID is the logical content digest the blob was recorded
	// under, in hex.
	ContentID string `json:"contentId"`
}

// HealthResponse reports liveness/readiness state.
type HealthResponse struct {
	Status string `json:"status"`
}
