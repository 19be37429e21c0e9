package testutil

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"
)

// FreePort returns a TCP port on 127.0.0.1 that was free at the time of the call.
//
// Postcondition: Returns a port in 1-65535 or fails the test.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		t.Fatalf("releasing free port: %v", err)
	}
	return port
}

// HoldPort binds addr until the returned release function is called or the
// test ends. release may be called from any goroutine.
//
// Postcondition: addr is bound by the test process, or the test fails.
func HoldPort(t *testing.T, addr string) (release func()) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("holding %s: %v", addr, err)
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			_ = ln.Close()
		})
	}
	t.Cleanup(release)
	return release
}

// RequireAccepting fails the test unless a TCP connection to addr succeeds.
func RequireAccepting(t *testing.T, addr string) {
	t.Helper()
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", addr, err, time.Since(start))
	}
	_ = conn.Close()
}

// RequireRefused fails the test unless a TCP connection to addr is refused.
func RequireRefused(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("dialing %s: expected connection refused, connected", addr)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("dialing %s: expected connection refused, got %v", addr, err)
	}
}

// NewHTTPClient returns a client that never reuses connections, so servers
// under test can drain without waiting on idle keep-alives.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// GetBody issues a GET to url and returns the status code and body.
//
// Postcondition: Returns the response or fails the test.
func GetBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := NewHTTPClient(5 * time.Second).Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body of %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}
