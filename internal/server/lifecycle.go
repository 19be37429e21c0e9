// Package server provides the embedded HTTP server lifecycle: a Manager that
// starts a listener on a background goroutine and stops it gracefully, and a
// Lifecycle that runs a set of services for the lifetime of the host process.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a component that can be started and stopped.
type Service interface {
	// Start brings the service up. It returns once the service is ready or
	// has failed to become ready.
	Start(ctx context.Context) error
	// Stop brings the service down and returns once it has fully stopped.
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into the Service interface.
// A nil function is a no-op.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

// Start calls the underlying start function.
func (f *FuncService) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

// Stop calls the underlying stop function.
func (f *FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger   *zap.Logger
	services []namedService
	mu       sync.Mutex
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
	}
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services in order, then blocks until a termination signal
// (SIGINT or SIGTERM) is received or ctx is cancelled, then stops services in
// reverse order. If a service fails to start, the services already started
// are stopped and the start error is returned.
//
// Postcondition: All started services are stopped when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for i, ns := range services {
		svcStart := time.Now()
		l.logger.Info("starting service",
			zap.String("service", ns.name),
		)
		if err := ns.service.Start(ctx); err != nil {
			l.logger.Error("service failed to start",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
			stopErr := l.shutdown(services[:i])
			return errors.Join(fmt.Errorf("starting service %s: %w", ns.name, err), stopErr)
		}
		l.logger.Info("service started",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	err := l.shutdown(services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return err
}

// shutdown stops services in reverse order and joins their errors. Each
// service bounds its own stop; the run context is usually done by now so a
// fresh one is used.
func (l *Lifecycle) shutdown(services []namedService) error {
	ctx := context.Background()
	shutdownStart := time.Now()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", ns.name),
		)
		if err := ns.service.Stop(ctx); err != nil {
			l.logger.Error("service stop failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
			errs = append(errs, fmt.Errorf("stopping service %s: %w", ns.name, err))
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
	return errors.Join(errs...)
}
