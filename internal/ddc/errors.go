// Package ddc implements the core cache semantics: content-addressed
// blob ingestion, reference documents with attachment resolution, and
// the finalize lifecycle. The package is transport-neutral; HTTP
// mapping lives in internal/httpapi.
package ddc

import (
	"fmt"
	"net/http"

	"github.com/owenlxu/bk-repo/api"
)

// Failure captures transport-neutral error details that adapters can
// map to HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func badRequest(format string, args ...any) Failure {
	return Failure{
		Code:       api.CodeBadRequest,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

func notFound(format string, args ...any) Failure {
	return Failure{
		Code:       api.CodeNotFound,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusNotFound,
	}
}

func digestCheckFailed(format string, args ...any) Failure {
	return Failure{
		Code:       api.CodeDigestCheckFailed,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

func malformedDocument(err error) Failure {
	return Failure{
		Code:       api.CodeMalformedDocument,
		Detail:     err.Error(),
		HTTPStatus: http.StatusBadRequest,
	}
}

func blobTooLarge(limit int64) Failure {
	return Failure{
		Code:       api.CodeBlobTooLarge,
		Detail:     fmt.Sprintf("payload exceeds %d bytes", limit),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}
