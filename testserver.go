package bkrepo

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/owenlxu/bk-repo/internal/catalog"
	"github.com/owenlxu/bk-repo/internal/storage"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through
// testing.TB.
func NewTestingLogger(t testing.TB) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).With("app", "testserver")
}

// TestServerOption mutates the configuration used by NewTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg     Config
	logger  pslog.Logger
	backend storage.Backend
	catalog catalog.Catalog
}

// WithTestConfig applies a mutation to the test server configuration.
func WithTestConfig(mut func(*Config)) TestServerOption {
	return func(o *testServerOptions) { mut(&o.cfg) }
}

// WithTestLogger overrides the logger used by the test server.
func WithTestLogger(l pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = l }
}

// WithTestBackend injects a pre-built file store.
func WithTestBackend(b storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.backend = b }
}

// WithTestCatalog injects a pre-built catalog.
func WithTestCatalog(c catalog.Catalog) TestServerOption {
	return func(o *testServerOptions) { o.catalog = c }
}

// NewTestServer starts an in-memory cache server on an ephemeral port
// and registers a cleanup that stops it when the test finishes.
func NewTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{cfg: DefaultConfig()}
	o.cfg.Listen = "127.0.0.1:0"
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = NewTestingLogger(t)
	}

	serverOpts := []Option{WithLogger(logger)}
	if o.backend != nil {
		serverOpts = append(serverOpts, WithBackend(o.backend))
	}
	if o.catalog != nil {
		serverOpts = append(serverOpts, WithCatalog(o.catalog))
	}

	srv, stop, err := StartServer(context.Background(), o.cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{
		Server:  srv,
		BaseURL: "http://" + srv.ListenerAddr().String(),
		Config:  o.cfg,
		stop:    stop,
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}
