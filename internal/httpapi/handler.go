// Package httpapi maps the cache service onto HTTP: routing, content
// negotiation, error envelopes and per-request logging.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/api"
	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/ddc"
	"github.com/owenlxu/bk-repo/internal/svcfields"
)

// Handler wires HTTP endpoints to the cache services.
type Handler struct {
	blobs              *ddc.BlobService
	refs               *ddc.ReferenceService
	resolver           *ddc.Resolver
	logger             pslog.Logger
	clock              clock.Clock
	tracer             trace.Tracer
	ready              func() bool
	httpTracingEnabled bool
}

// Config wires a Handler.
type Config struct {
	Blobs    *ddc.BlobService
	Refs     *ddc.ReferenceService
	Resolver *ddc.Resolver
	Logger   pslog.Logger
	Clock    clock.Clock
	// Ready gates the readiness probe; nil means always ready.
	Ready func() bool
	// EnableHTTPTracing wraps every route in an otelhttp span.
	EnableHTTPTracing bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var clk clock.Clock = cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		blobs:              cfg.Blobs,
		refs:               cfg.Refs,
		resolver:           cfg.Resolver,
		logger:             logger,
		clock:              clk,
		tracer:             otel.Tracer("github.com/owenlxu/bk-repo/httpapi"),
		ready:              cfg.Ready,
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("PUT /api/v1/refs/{project}/{repo}/{bucket}/{key}", h.wrap("ref.put", h.handleRefPut))
	mux.Handle("GET /api/v1/refs/{project}/{repo}/{bucket}/{key}", h.wrap("ref.get", h.handleRefGet))
	mux.Handle("POST /api/v1/refs/{project}/{repo}/{bucket}/{key}/finalize/{hash}", h.wrap("ref.finalize", h.handleRefFinalize))
	mux.Handle("PUT /api/v1/compressed-blobs/{project}/{repo}/{contentId}", h.wrap("compressed.put", h.handleCompressedBlobPut))
	mux.Handle("GET /api/v1/compressed-blobs/{project}/{repo}/{contentId}", h.wrap("compressed.get", h.handleCompressedBlobGet))
	mux.Handle("PUT /api/v1/blobs/{project}/{repo}/{id}", h.wrap("blob.put", h.handleBlobPut))
	mux.Handle("GET /api/v1/blobs/{project}/{repo}/{id}", h.wrap("blob.get", h.handleBlobGet))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	httpSpanName := "ddc.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()

		span := trace.SpanFromContext(ctx)
		if h.httpTracingEnabled {
			span.SetAttributes(
				attribute.String("ddc.operation", operation),
				attribute.String("ddc.route", r.URL.Path),
			)
		}

		logger := svcfields.WithSubsystem(h.logger, "httpapi").With(
			"req_id", reqID,
			"op", operation,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if h.httpTracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is not ready"}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"}, nil)
	return nil
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertCoreError maps transport-neutral cache failures onto
// HTTP-aware errors.
func convertCoreError(err error) error {
	var failure ddc.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
		}, nil)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: api.CodeInternalError,
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
