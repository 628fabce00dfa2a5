// Package server runs the process's long-lived services: started in order,
// stopped in reverse on a signal, a cancelled context or the first failure.
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

// ErrExited is wrapped when a service returns nil before shutdown began.
var ErrExited = errors.New("service exited unexpectedly")

// Service is a long-running component. Serve blocks until Stop is called or
// the service fails.
type Service interface {
	Serve() error
	Stop()
}

// FuncService adapts a serve/stop function pair into a Service.
type FuncService struct {
	ServeFn func() error
	StopFn  func()
}

// Serve calls ServeFn.
func (f *FuncService) Serve() error { return f.ServeFn() }

// Stop calls StopFn, if set.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle owns a set of named services.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu         sync.Mutex
	services   []namedService
	onReady    []func()
	onStopping []func()
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle. stopTimeout bounds how long Run waits for
// services to return after they were stopped; zero waits indefinitely.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	return &Lifecycle{logger: logger, stopTimeout: stopTimeout}
}

// Add registers a service. Services start in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnReady registers fn to run once every service has been launched.
func (l *Lifecycle) OnReady(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReady = append(l.onReady, fn)
}

// OnStopping registers fn to run before the first service is stopped.
func (l *Lifecycle) OnStopping(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStopping = append(l.onStopping, fn)
}

type exit struct {
	name string
	err  error
}

// Run launches every service and blocks until SIGINT or SIGTERM, ctx is
// cancelled, or a service returns.
//
// Postcondition: Every service has been stopped. Returns nil on a signal or
// cancellation, or the first service's failure wrapped with its name.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	onReady := append([]func(){}, l.onReady...)
	onStopping := append([]func(){}, l.onStopping...)
	l.mu.Unlock()

	start := time.Now()
	exits := make(chan exit, len(services))
	for _, ns := range services {
		l.logger.Info("starting service", zap.String("service", ns.name))
		go func() {
			exits <- exit{name: ns.name, err: ns.service.Serve()}
		}()
	}
	for _, fn := range onReady {
		fn()
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var failure error
	pending := len(services)
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	case e := <-exits:
		pending--
		failure = e.err
		if failure == nil {
			failure = ErrExited
		}
		failure = fmt.Errorf("service %s: %w", e.name, failure)
		l.logger.Error("service failed, shutting down", zap.Error(failure))
	}

	for _, fn := range onStopping {
		fn()
	}
	l.shutdown(services)
	l.drain(exits, pending)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return failure
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
}

// drain waits for the remaining services to return from Serve.
func (l *Lifecycle) drain(exits <-chan exit, pending int) {
	var timeout <-chan time.Time
	if l.stopTimeout > 0 {
		timer := time.NewTimer(l.stopTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for ; pending > 0; pending-- {
		select {
		case e := <-exits:
			if e.err != nil {
				l.logger.Warn("service returned an error while stopping",
					zap.String("service", e.name),
					zap.Error(e.err),
				)
			}
		case <-timeout:
			l.logger.Warn("services did not return in time", zap.Int("pending", pending))
			return
		}
	}
}
