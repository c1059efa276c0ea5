package bkrepo

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/owenlxu/bk-repo/internal/ddc"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9380"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no
	// store is provided.
	DefaultStore = "mem://"
	// DefaultCatalog selects the in-memory catalog when none is
	// configured.
	DefaultCatalog = "mem://"
	// DefaultRefInlineMaxBytes bounds reference documents kept inline in
	// the catalog; larger documents are externalized to the file store.
	DefaultRefInlineMaxBytes = ddc.DefaultRefInlineMaxBytes
	// DefaultBlobMaxBytes bounds a single blob upload.
	DefaultBlobMaxBytes = ddc.DefaultMaxBlobBytes
	// DefaultAccessFlushInterval is the batching window for reference
	// last-access updates.
	DefaultAccessFlushInterval = ddc.DefaultAccessFlushInterval
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient
	// storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between
	// storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between
	// storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file searched for when
	// --config is omitted.
	DefaultConfigFileName = "ddcd.yaml"
)

// DefaultConfigDir resolves the directory searched for
// DefaultConfigFileName. DDCD_CONFIG_DIR overrides the $HOME/.ddcd
// default.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DDCD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ddcd"), nil
}

// Config captures the tunable server settings.
type Config struct {
	// Listen is the HTTP bind address (host:port, or a socket path when
	// ListenProto is "unix").
	Listen string
	// ListenProto selects the listener network ("tcp" or "unix").
	ListenProto string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export when non-empty. Accepts
	// host:port (gRPC, insecure) or a grpc://, grpcs://, http://,
	// https:// URL.
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus
	// endpoint.
	EnableProfilingMetrics bool
	// EnableHTTPTracing wraps every route in an otelhttp span.
	EnableHTTPTracing bool

	// Store selects the blob byte store:
	//   mem://                          in-memory (tests, dev)
	//   disk:///var/lib/ddcd            local filesystem
	//   s3://host:port/bucket[/prefix]  S3-compatible object store
	//   aws://bucket[/prefix]?region=r  AWS S3
	Store string
	// Catalog selects the blob/reference catalog:
	//   mem://                  in-memory
	//   sqlite:///path/to.db    embedded sqlite
	Catalog string

	// RefInlineMaxBytes bounds inline reference documents; 0 selects
	// DefaultRefInlineMaxBytes.
	RefInlineMaxBytes int64
	// BlobMaxBytes bounds a single blob upload; 0 selects
	// DefaultBlobMaxBytes.
	BlobMaxBytes int64
	// VerifyCompressedContent decompresses zstd uploads and checks the
	// logical digest against the declared content id.
	VerifyCompressedContent bool
	// AccessFlushInterval batches reference last-access updates; 0
	// selects DefaultAccessFlushInterval.
	AccessFlushInterval time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// ShutdownTimeout caps graceful shutdown; 0 selects
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// S3AccessKeyID / S3SecretAccessKey / S3SessionToken override
	// environment-derived credentials for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion is required for aws:// stores unless the URL carries a
	// region query parameter.
	AWSRegion string
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		Listen:                  DefaultListen,
		ListenProto:             DefaultListenProto,
		MetricsListen:           DefaultMetricsListen,
		PprofListen:             DefaultPprofListen,
		Store:                   DefaultStore,
		Catalog:                 DefaultCatalog,
		RefInlineMaxBytes:       DefaultRefInlineMaxBytes,
		BlobMaxBytes:            DefaultBlobMaxBytes,
		VerifyCompressedContent: true,
		AccessFlushInterval:     DefaultAccessFlushInterval,
		StorageRetryMaxAttempts: DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   DefaultStorageRetryBaseDelay,
		StorageRetryMaxDelay:    DefaultStorageRetryMaxDelay,
		StorageRetryMultiplier:  DefaultStorageRetryMultiplier,
		ShutdownTimeout:         DefaultShutdownTimeout,
	}
}

// Validate normalizes cfg in place and reports configuration errors.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	switch cfg.ListenProto {
	case "":
		cfg.ListenProto = DefaultListenProto
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", cfg.ListenProto)
	}
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = DefaultStore
	}
	if _, err := url.Parse(cfg.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if strings.TrimSpace(cfg.Catalog) == "" {
		cfg.Catalog = DefaultCatalog
	}
	if _, err := url.Parse(cfg.Catalog); err != nil {
		return fmt.Errorf("config: parse catalog URL: %w", err)
	}
	if cfg.RefInlineMaxBytes < 0 {
		return fmt.Errorf("config: ref inline max bytes must not be negative")
	}
	if cfg.RefInlineMaxBytes == 0 {
		cfg.RefInlineMaxBytes = DefaultRefInlineMaxBytes
	}
	if cfg.BlobMaxBytes < 0 {
		return fmt.Errorf("config: blob max bytes must not be negative")
	}
	if cfg.BlobMaxBytes == 0 {
		cfg.BlobMaxBytes = DefaultBlobMaxBytes
	}
	if cfg.RefInlineMaxBytes > cfg.BlobMaxBytes {
		return fmt.Errorf("config: ref inline max bytes (%d) exceeds blob max bytes (%d)",
			cfg.RefInlineMaxBytes, cfg.BlobMaxBytes)
	}
	if cfg.AccessFlushInterval < 0 {
		return fmt.Errorf("config: access flush interval must not be negative")
	}
	if cfg.AccessFlushInterval == 0 {
		cfg.AccessFlushInterval = DefaultAccessFlushInterval
	}
	if cfg.StorageRetryMaxAttempts <= 0 {
		cfg.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if cfg.StorageRetryBaseDelay <= 0 {
		cfg.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if cfg.StorageRetryMaxDelay <= 0 {
		cfg.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if cfg.StorageRetryMultiplier < 1 {
		cfg.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
