// Package server coordinates the long-running components of an arena
// process. Components register in start order and are wound down in reverse
// when a termination signal arrives or any component fails.
package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is one long-running component of the process. Start blocks for the
// service's entire life and returns its terminal error; Stop asks it to wind
// down and unblocks Start.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start runs the start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop runs the stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle runs a set of named services under signal control: SIGINT,
// SIGTERM, context cancellation, or the first service failure all trigger a
// reverse-order shutdown.
type Lifecycle struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []lifecycleEntry
}

type lifecycleEntry struct {
	name string
	svc  Service
}

// NewLifecycle builds an empty lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers svc under name. Registration order is start order.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, lifecycleEntry{name: name, svc: svc})
}

// Run starts every registered service and blocks until a termination signal,
// context cancellation, or a service failure, then stops the services in
// reverse registration order.
//
// Postcondition: Every service's Stop has run when this method returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	bootedAt := time.Now()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.mu.Lock()
	entries := append([]lifecycleEntry(nil), l.entries...)
	l.mu.Unlock()

	failures := make(chan error, len(entries))
	for _, e := range entries {
		e := e
		go func() {
			l.logger.Info("service starting", zap.String("service", e.name))
			if err := e.svc.Start(); err != nil {
				failures <- fmt.Errorf("service %s: %w", e.name, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown requested")
	case err := <-failures:
		l.logger.Error("service failed, shutting down", zap.Error(err))
	}

	l.stopAll(entries)
	l.logger.Info("process stopped", zap.Duration("uptime", time.Since(bootedAt)))
	return nil
}

func (l *Lifecycle) stopAll(entries []lifecycleEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		stopStart := time.Now()
		e.svc.Stop()
		l.logger.Info("service stopped",
			zap.String("service", e.name),
			zap.Duration("elapsed", time.Since(stopStart)),
		)
	}
}
