package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/deskserve/internal/config"
)

// maxBindRetryInterval caps the exponential bind backoff.
const maxBindRetryInterval = time.Second

// Listener is the HTTP run loop hosted by a Manager. It binds the configured
// address, reports readiness once bound, and serves the handler until
// shutdown is requested. A Listener serves a single start cycle.
type Listener struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	srv    *http.Server

	ready    chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	// drain is written before quit is closed and read after.
	drain time.Duration

	mu      sync.Mutex
	addr    string
	bindErr error
}

// NewListener creates a Listener for one start cycle.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Listener ready to be started with Run.
func NewListener(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		logger: logger,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ErrorLog:          zap.NewStdLog(logger),
		},
		ready: make(chan struct{}),
		quit:  make(chan struct{}),
	}
}

// Run binds the listener and serves until RequestShutdown is called or ctx is
// cancelled. Ready is closed once the socket is bound.
//
// Precondition: Run must be called at most once.
// Postcondition: The socket is closed when Run returns. Returns nil after a
// clean drain, ErrShutdownTimeout if the drain deadline passed, ctx.Err() on
// cancellation, or the bind/serve error.
func (l *Listener) Run(ctx context.Context) error {
	start := time.Now()

	ln, err := l.bind(ctx)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()

	l.mu.Lock()
	l.addr = addr
	l.mu.Unlock()
	close(l.ready)

	l.logger.Debug("listener bound",
		zap.String("addr", addr),
		zap.Duration("startup", time.Since(start)),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- l.srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving on %s: %w", addr, err)
	case <-ctx.Done():
		_ = l.srv.Close()
		<-serveErr
		return ctx.Err()
	case <-l.quit:
	}

	return l.drainAndClose(ctx, serveErr)
}

// drainAndClose waits for in-flight requests, force closing connections if the
// drain deadline passes first.
func (l *Listener) drainAndClose(ctx context.Context, serveErr <-chan error) error {
	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(ctx, l.drain)
	defer cancel()

	err := l.srv.Shutdown(shutdownCtx)
	<-serveErr
	if err != nil {
		_ = l.srv.Close()
		l.logger.Warn("drain incomplete, connections force closed",
			zap.Duration("drain_timeout", l.drain),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrShutdownTimeout, l.drain)
		}
		return fmt.Errorf("draining connections: %w", err)
	}

	l.logger.Debug("listener drained",
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// bind opens the TCP socket. EADDRINUSE is retried with exponential backoff
// until ctx is done; any other error is returned immediately.
func (l *Listener) bind(ctx context.Context) (net.Listener, error) {
	addr := l.cfg.Addr()
	var lc net.ListenConfig

	op := func() (net.Listener, error) {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		l.mu.Lock()
		l.bindErr = err
		l.mu.Unlock()
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BindRetryInterval
	b.MaxInterval = maxBindRetryInterval
	b.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		l.logger.Warn("bind failed, retrying",
			zap.String("addr", addr),
			zap.Duration("next_attempt", next),
			zap.Error(err),
		)
	}

	ln, err := backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Ready is closed once the listener socket is bound and accepting.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// RequestShutdown raises the cooperative shutdown signal. In-flight requests
// are given drain to complete. Only the first call has any effect.
func (l *Listener) RequestShutdown(drain time.Duration) {
	l.quitOnce.Do(func() {
		l.drain = drain
		close(l.quit)
	})
}

// Addr returns the bound address, or empty string if not yet bound.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// LastBindError returns the most recent bind failure, or nil.
func (l *Listener) LastBindError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bindErr
}
