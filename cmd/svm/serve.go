package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/server"
)

// serverAddr returns the listen address: -port when given, otherwise the
// manifest's [server] addr.
func serverAddr(m *manifest.Manifest, port int) string {
	if port > 0 {
		return fmt.Sprintf(":%d", port)
	}
	return m.Server.Addr
}

// runServer serves the exec service until ctx is canceled.
func runServer(ctx context.Context, m *manifest.Manifest, port int) error {
	limits := server.DefaultLimits()
	if m.Machine.MaxSteps > 0 {
		limits.MaxSteps = m.Machine.MaxSteps
	}
	srv := server.New(server.WithWorkers(m.Server.Workers), server.WithLimits(limits))

	addr := serverAddr(m, port)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("bad server address %q: %w", addr, err)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		srv.Stop()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runLSP serves the assembly language server on stdio.
func runLSP() error {
	return server.NewLSP().Run()
}
