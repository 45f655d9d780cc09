package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc releases one resource during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager stops the HTTP server and then every registered resource,
// all within one timeout.
type ShutdownManager struct {
	log     logrus.FieldLogger
	server  *http.Server
	funcs   []namedShutdown
	timeout time.Duration
	mu      sync.Mutex
}

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a shutdown manager. server may be nil.
func NewShutdownManager(log logrus.FieldLogger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &ShutdownManager{
		log:     log,
		server:  server,
		timeout: timeout,
	}
}

// Register adds a resource to release after the server has stopped
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until ctx is done and then shuts everything down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	<-ctx.Done()
	sm.log.Info("Starting graceful shutdown")
	return sm.Shutdown()
}

// Shutdown stops the server, then runs the registered functions concurrently
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.log.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		sm.log.Info("HTTP server shutdown complete")
	}

	sm.mu.Lock()
	funcs := append([]namedShutdown(nil), sm.funcs...)
	sm.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(funcs))
	)
	for i, f := range funcs {
		wg.Add(1)
		go func(i int, f namedShutdown) {
			defer wg.Done()
			if err := f.fn(ctx); err != nil {
				sm.log.WithError(err).WithField("resource", f.name).Error("Shutdown function failed")
				errs[i] = fmt.Errorf("%s: %w", f.name, err)
			}
		}(i, f)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.log.Warn("Shutdown timeout reached, forcing shutdown")
		return fmt.Errorf("shutdown timeout reached")
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.log.Info("Graceful shutdown complete")
	return nil
}
