package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/deskserve/internal/config"
)

// Fallbacks applied when a ServerConfig leaves a duration unset.
const (
	defaultStartTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultBindRetryInterval = 100 * time.Millisecond
)

// Start and stop results reported to the MetricsRecorder.
const (
	resultOK              = "ok"
	resultBindFailure     = "bind_failure"
	resultBindTimeout     = "bind_timeout"
	resultShutdownTimeout = "shutdown_timeout"
	resultCanceled        = "canceled"
	resultError           = "error"
)

// MetricsRecorder receives lifecycle transitions.
type MetricsRecorder interface {
	SetState(state string)
	ObserveStart(result string, elapsed time.Duration)
	ObserveStop(result string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SetState(string)                     {}
func (nopRecorder) ObserveStart(string, time.Duration) {}
func (nopRecorder) ObserveStop(string, time.Duration)  {}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics reports lifecycle transitions to r.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// runLoop is the part of Listener a worker drives.
type runLoop interface {
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	RequestShutdown(drain time.Duration)
	Addr() string
	LastBindError() error
}

func newListenerLoop(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) runLoop {
	return NewListener(cfg, handler, logger)
}

// worker owns one Listener for one start cycle.
type worker struct {
	id       string
	listener runLoop
	cancel   context.CancelFunc
	done     chan struct{}
	// exited is set after err is written and before onExit runs.
	exited atomic.Bool
	// err is valid once exited is set or done is closed.
	err error
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// run executes the listener and records its exit. Panics are recovered so a
// failing listener never takes down the host process.
func (w *worker) run(ctx context.Context, onExit func(*worker)) {
	defer close(w.done)
	defer onExit(w)
	defer w.exited.Store(true)
	defer func() {
		if r := recover(); r != nil {
			w.err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	w.err = w.listener.Run(ctx)
}

// Manager hosts an http.Handler on a background listener. Start blocks until
// the listener is bound; Stop blocks until it has drained and released the
// port. Start and Stop may alternate any number of times.
type Manager struct {
	cfg     config.ServerConfig
	handler http.Handler
	logger  *zap.Logger
	metrics MetricsRecorder
	newLoop func(config.ServerConfig, http.Handler, *zap.Logger) runLoop

	// mu serialises Start and Stop so at most one worker is alive.
	mu     sync.Mutex
	worker atomic.Pointer[worker]
	state  atomic.Int32
}

// NewManager creates an idle Manager for handler.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Manager in StateIdle.
func NewManager(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.BindRetryInterval <= 0 {
		cfg.BindRetryInterval = defaultBindRetryInterval
	}

	m := &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: nopRecorder{},
		newLoop: newListenerLoop,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(StateIdle)
	return m
}

// Start launches the listener on a background goroutine and blocks until it
// is bound. Calling Start while a worker is alive logs and returns nil.
//
// Postcondition: On nil return the configured address accepts connections.
// Returns ErrBindFailure if the listener exits before binding, ErrBindTimeout
// if binding takes longer than the start timeout, or ctx.Err() if ctx ends
// first. On error the manager is Idle again and no worker is alive.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w := m.worker.Load(); w != nil && w.alive() {
		m.logger.Warn("embedded server already running",
			zap.String("addr", w.listener.Addr()),
			zap.String("worker", w.id),
		)
		return nil
	}

	start := time.Now()
	m.setState(StateStarting)

	id := uuid.NewString()
	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:       id,
		listener: m.newLoop(m.cfg, m.handler, m.logger.With(zap.String("worker", id))),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.worker.Store(w)

	m.logger.Info("starting embedded server",
		zap.String("addr", m.cfg.Addr()),
		zap.String("worker", id),
	)
	go w.run(workerCtx, m.workerExited)

	timer := time.NewTimer(m.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-w.listener.Ready():
		m.setState(StateRunning)
		if w.exited.Load() {
			// Exited between bind and the state change; onExit may have seen Starting.
			err := fmt.Errorf("%w: listener exited after binding", ErrBindFailure)
			if w.err != nil {
				err = fmt.Errorf("%w: listener exited after binding: %w", ErrBindFailure, w.err)
			}
			return m.abortStart(w, start, resultBindFailure, err)
		}
		m.metrics.ObserveStart(resultOK, time.Since(start))
		m.logger.Info("embedded server started",
			zap.String("addr", w.listener.Addr()),
			zap.String("worker", id),
			zap.Duration("startup", time.Since(start)),
		)
		return nil
	case <-w.done:
		cause := w.err
		if cause == nil {
			cause = errors.New("listener exited before becoming ready")
		}
		return m.abortStart(w, start, resultBindFailure, fmt.Errorf("%w: %w", ErrBindFailure, cause))
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrBindTimeout, m.cfg.StartTimeout)
		if bindErr := w.listener.LastBindError(); bindErr != nil {
			err = fmt.Errorf("%w after %s: %w", ErrBindTimeout, m.cfg.StartTimeout, bindErr)
		}
		return m.abortStart(w, start, resultBindTimeout, err)
	case <-ctx.Done():
		return m.abortStart(w, start, resultCanceled, ctx.Err())
	}
}

// abortStart cancels and joins a worker that never became ready.
func (m *Manager) abortStart(w *worker, start time.Time, result string, err error) error {
	w.cancel()
	<-w.done
	m.worker.Store(nil)
	m.setState(StateIdle)
	m.metrics.ObserveStart(result, time.Since(start))
	m.logger.Error("embedded server failed to start",
		zap.String("addr", m.cfg.Addr()),
		zap.String("worker", w.id),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// Stop raises the shutdown signal and blocks until the worker has exited.
// Calling Stop with no live worker logs and returns nil.
//
// Postcondition: The listener is closed and the port released on return.
// Returns ErrShutdownTimeout if in-flight requests outlived the shutdown
// timeout, or ctx.Err() if ctx ended before the drain completed; in both
// cases connections were force closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.worker.Load()
	if w == nil || !w.alive() {
		if m.state.CompareAndSwap(int32(StateRunning), int32(StateIdle)) {
			m.metrics.SetState(StateIdle.String())
		}
		m.logger.Warn("embedded server not running")
		return nil
	}

	start := time.Now()
	m.setState(StateStopping)
	m.logger.Info("stopping embedded server",
		zap.String("addr", w.listener.Addr()),
		zap.String("worker", w.id),
	)

	w.listener.RequestShutdown(m.cfg.ShutdownTimeout)

	var err error
	select {
	case <-w.done:
		err = w.err
	case <-ctx.Done():
		w.cancel()
		<-w.done
		err = ctx.Err()
	}
	w.cancel()

	m.worker.Store(nil)
	m.setState(StateIdle)

	result := resultOK
	switch {
	case err == nil:
	case errors.Is(err, ErrShutdownTimeout):
		result = resultShutdownTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = resultCanceled
	default:
		result = resultError
	}
	m.metrics.ObserveStop(result, time.Since(start))

	if err != nil {
		m.logger.Warn("embedded server stopped with error",
			zap.String("worker", w.id),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return err
	}
	m.logger.Info("embedded server stopped",
		zap.String("worker", w.id),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// workerExited runs on the worker goroutine before its done channel closes.
// A worker that exits while Running was not asked to stop.
func (m *Manager) workerExited(w *worker) {
	if m.state.CompareAndSwap(int32(StateRunning), int32(StateIdle)) {
		m.metrics.SetState(StateIdle.String())
		m.logger.Error("embedded server exited unexpectedly",
			zap.String("worker", w.id),
			zap.Error(w.err),
		)
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.SetState(s.String())
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Running reports whether a worker is alive and serving.
func (m *Manager) Running() bool {
	return m.State() == StateRunning
}

// Addr returns the bound listen address, or empty string when no worker is alive.
func (m *Manager) Addr() string {
	w := m.worker.Load()
	if w == nil || !w.alive() {
		return ""
	}
	return w.listener.Addr()
}

// WorkerID returns the identity of the live worker, or empty string when none is alive.
func (m *Manager) WorkerID() string {
	w := m.worker.Load()
	if w == nil || !w.alive() {
		return ""
	}
	return w.id
}
