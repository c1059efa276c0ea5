package ddc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

// Metrics records cache activity through the OpenTelemetry meter; the
// telemetry bundle exports them via the Prometheus endpoint. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	blobUploads   metric.Int64Counter
	blobBytes     metric.Int64Counter
	blobDownloads metric.Int64Counter
	refUploads    metric.Int64Counter
	refDownloads  metric.Int64Counter
	finalizes     metric.Int64Counter
	missingBlobs  metric.Int64Counter
}

// NewMetrics registers the cache instruments.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("github.com/owenlxu/bk-repo/ddc")
	m := &Metrics{}
	var err error

	m.blobUploads, err = meter.Int64Counter(
		"ddc.blobs.uploads",
		metric.WithDescription("Blob uploads accepted"),
	)
	logMetricInitError(logger, "ddc.blobs.uploads", err)

	m.blobBytes, err = meter.Int64Counter(
		"ddc.blobs.upload_bytes",
		metric.WithDescription("Blob bytes accepted"),
	)
	logMetricInitError(logger, "ddc.blobs.upload_bytes", err)

	m.blobDownloads, err = meter.Int64Counter(
		"ddc.blobs.downloads",
		metric.WithDescription("Blob downloads served"),
	)
	logMetricInitError(logger, "ddc.blobs.downloads", err)

	m.refUploads, err = meter.Int64Counter(
		"ddc.refs.uploads",
		metric.WithDescription("Reference documents created"),
	)
	logMetricInitError(logger, "ddc.refs.uploads", err)

	m.refDownloads, err = meter.Int64Counter(
		"ddc.refs.downloads",
		metric.WithDescription("Reference documents served"),
	)
	logMetricInitError(logger, "ddc.refs.downloads", err)

	m.finalizes, err = meter.Int64Counter(
		"ddc.refs.finalizes",
		metric.WithDescription("Finalize attempts by outcome"),
	)
	logMetricInitError(logger, "ddc.refs.finalizes", err)

	m.missingBlobs, err = meter.Int64Counter(
		"ddc.resolver.missing",
		metric.WithDescription("Attachment digests that failed to resolve"),
	)
	logMetricInitError(logger, "ddc.resolver.missing", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metric init failed", "metric", name, "error", err)
}

func (m *Metrics) recordBlobUpload(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	if m.blobUploads != nil {
		m.blobUploads.Add(ctx, 1)
	}
	if m.blobBytes != nil {
		m.blobBytes.Add(ctx, size)
	}
}

func (m *Metrics) recordBlobDownload(ctx context.Context) {
	if m == nil || m.blobDownloads == nil {
		return
	}
	m.blobDownloads.Add(ctx, 1)
}

func (m *Metrics) recordRefUpload(ctx context.Context) {
	if m == nil || m.refUploads == nil {
		return
	}
	m.refUploads.Add(ctx, 1)
}

func (m *Metrics) recordRefDownload(ctx context.Context) {
	if m == nil || m.refDownloads == nil {
		return
	}
	m.refDownloads.Add(ctx, 1)
}

func (m *Metrics) recordFinalize(ctx context.Context, outcome string) {
	if m == nil || m.finalizes == nil {
		return
	}
	m.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordMissing(ctx context.Context, count int) {
	if m == nil || m.missingBlobs == nil || count == 0 {
		return
	}
	m.missingBlobs.Add(ctx, int64(count))
}
