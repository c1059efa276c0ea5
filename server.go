package bkrepo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/clock"
	"github.com/owenlxu/bk-repo/internal/ddc"
	"github.com/owenlxu/bk-repo/internal/httpapi"
	"github.com/owenlxu/bk-repo/internal/storage"
	loggingbackend "github.com/owenlxu/bk-repo/internal/storage/logging"
	"github.com/owenlxu/bk-repo/internal/storage/retry"
)

// Server wraps the HTTP server, file store, catalog and supporting
// components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	catalog      catalog.Catalog
	flusher      *ddc.AccessFlusher
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	ownedBackend bool
	ownedCatalog bool

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Catalog      catalog.Catalog
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built file store (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithCatalog injects a pre-built catalog (useful for tests).
func WithCatalog(c catalog.Catalog) Option {
	return func(o *options) { o.Catalog = c }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for
// telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) { o.OTLPEndpoint = endpoint }
}

// NewServer constructs a cache server according to cfg.
// Example:
//
//	cfg := bkrepo.DefaultConfig()
//	cfg.Store = "disk:///var/lib/ddcd"
//	cfg.Catalog = "sqlite:///var/lib/ddcd/catalog.db"
//	srv, err := bkrepo.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), cfg, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}

	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		backend, err = openBackend(cfg)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
		ownedBackend = true
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	storageLogger := logger.With("svc", "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage")
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	cat := o.Catalog
	ownedCatalog := false
	if cat == nil {
		cat, err = openCatalog(cfg)
		if err != nil {
			if ownedBackend {
				_ = backend.Close()
			}
			shutdownTelemetry()
			return nil, err
		}
		ownedCatalog = true
	}

	metrics := ddc.NewMetrics(logger.With("svc", "metrics"))
	resolver := ddc.NewResolver(cat)
	flusher := ddc.NewAccessFlusher(cat, serverClock, logger.With("svc", "flusher"), cfg.AccessFlushInterval)
	blobs := ddc.NewBlobService(ddc.BlobServiceConfig{
		Backend:                 backend,
		Catalog:                 cat,
		Logger:                  logger.With("svc", "blobs"),
		Clock:                   serverClock,
		Metrics:                 metrics,
		MaxBlobBytes:            cfg.BlobMaxBytes,
		VerifyCompressedContent: cfg.VerifyCompressedContent,
	})
	refs := ddc.NewReferenceService(ddc.ReferenceServiceConfig{
		Backend:        backend,
		Catalog:        cat,
		Resolver:       resolver,
		Flusher:        flusher,
		Logger:         logger.With("svc", "refs"),
		Clock:          serverClock,
		Metrics:        metrics,
		InlineMaxBytes: cfg.RefInlineMaxBytes,
	})

	srv := &Server{
		cfg:          cfg,
		logger:       logger.With("svc", "server"),
		backend:      backend,
		catalog:      cat,
		flusher:      flusher,
		clock:        serverClock,
		telemetry:    telemetry,
		ownedBackend: ownedBackend,
		ownedCatalog: ownedCatalog,
		readyCh:      make(chan struct{}),
	}
	srv.handler = httpapi.New(httpapi.Config{
		Blobs:             blobs,
		Refs:              refs,
		Resolver:          resolver,
		Logger:            logger,
		Clock:             serverClock,
		Ready:             srv.isReady,
		EnableHTTPTracing: cfg.EnableHTTPTracing,
	})
	mux := http.NewServeMux()
	srv.handler.Register(mux)
	srv.httpSrv = &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv, nil
}

// Handler returns the underlying HTTP handler so the cache can be
// mounted inside an existing mux when embedding the server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.flusher.Start()
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"catalog", s.cfg.Catalog,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server, flushing pending last-access
// updates before the catalog closes. The returned error is nil for
// clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if err := s.flusher.Stop(ctx); err != nil {
		s.logger.Warn("flusher shutdown incomplete", "error", err)
	}
	if s.ownedCatalog {
		if err := s.catalog.Close(); err != nil {
			return fmt.Errorf("catalog close: %w", err)
		}
	}
	if s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			return fmt.Errorf("backend close: %w", err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// WaitUntilReady blocks until the server listener is initialized or
// the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the
// underlying HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a cache server in a background goroutine and
// waits until it is ready to accept connections. It returns the
// running server alongside a stop function that gracefully shuts it
// down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
