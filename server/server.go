package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tliron/commonlog"
)

// Server hosts the exec service. It serves Connect over HTTP/1.1 and
// HTTP/2, and gRPC over unencrypted HTTP/2, on the same port.
type Server struct {
	pool *Pool
	exec *ExecService
	mux  *http.ServeMux
	http *http.Server
	log  commonlog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers int
	limits  Limits
}

// WithWorkers sets how many engines may run at once.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithLimits sets per-request limits.
func WithLimits(l Limits) ServerOption {
	return func(c *serverConfig) { c.limits = l }
}

// New creates a Server and starts its worker pool.
func New(opts ...ServerOption) *Server {
	cfg := &serverConfig{
		workers: 4,
		limits:  DefaultLimits(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool := NewPool(cfg.workers)
	s := &Server{
		pool: pool,
		exec: NewExecService(pool, cfg.limits),
		mux:  http.NewServeMux(),
		log:  commonlog.GetLogger("svm.server"),
	}

	// Register Connect/gRPC service handlers
	execPath, execHandler := s.exec.Handler()
	s.mux.Handle(execPath, execHandler)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HTTPServer returns an http.Server for addr with unencrypted HTTP/2
// enabled, so gRPC clients can connect without TLS.
func (s *Server) HTTPServer(addr string) *http.Server {
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	s.http = s.HTTPServer(addr)
	s.log.Noticef("svm exec service listening on %s", addr)
	s.log.Noticef("  Connect (CBOR): http://%s%s", addr, RunProcedure)
	s.log.Noticef("  gRPC (CBOR):    grpc://%s", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and stops
// the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.pool.Stop()
	return err
}

// Stop shuts down the worker pool.
func (s *Server) Stop() {
	s.pool.Stop()
}
