package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Engines share nothing, so every test gets its own pool and service; the
// pool is stopped when the test ends.
// ---------------------------------------------------------------------------

const factorialSource = `
        .entry main
fact:   LOAD -3
        ICONST 2
        ILT
        BRF recurse
        ICONST 1
        RET
recurse:
        LOAD -3
        LOAD -3
        ICONST 1
        ISUB
        CALL fact, 1
        IMUL
        RET
main:   ICONST 5
        CALL fact, 1
        PUTS
        HALT
`

const loopForever = `
top:    BR top
`

// newTestExecService creates an ExecService on a private two-worker pool.
func newTestExecService(t *testing.T, limits Limits) *ExecService {
	t.Helper()
	pool := NewPool(2)
	t.Cleanup(pool.Stop)
	return NewExecService(pool, limits)
}

// newTestServer starts an httptest server speaking HTTP/1.1 and
// unencrypted HTTP/2, like Server.HTTPServer.
func newTestServer(t *testing.T, opts ...ServerOption) *httptest.Server {
	t.Helper()
	s := New(opts...)
	srv := httptest.NewUnstartedServer(s.Handler())
	srv.Config.Protocols = s.HTTPServer("").Protocols
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})
	return srv
}

// runDirect calls ExecService.Run without a transport.
func runDirect(t *testing.T, svc *ExecService, req *RunRequest) *RunResponse {
	t.Helper()
	resp, err := svc.Run(context.Background(), connect.NewRequest(req))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return resp.Msg
}

// connectCode extracts the Connect error code, failing the test when err
// is not a Connect error.
func connectCode(t *testing.T, err error) connect.Code {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	code := connect.CodeOf(err)
	if code == connect.CodeUnknown {
		t.Fatalf("error %v carries no Connect code", err)
	}
	return code
}
