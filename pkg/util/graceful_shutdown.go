package util

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown manages ordered shutdown of the voice service components.
// The manager must stop accepting audio before the mixer and recorder are
// torn down, so resources shut down strictly in priority order.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		resources: make([]ShutdownResource, 0),
		logger:    logger,
		timeout:   timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	// Insert in priority order (lower priority first)
	inserted := false
	for i, r := range gs.resources {
		if resource.Priority < r.Priority {
			gs.resources = append(gs.resources[:i], append([]ShutdownResource{resource}, gs.resources[i:]...)...)
			inserted = true
			break
		}
	}

	if !inserted {
		gs.resources = append(gs.resources, resource)
	}

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown shuts down all registered resources in priority order. Audio
// routing depends on components that shut down later, so unlike a generic
// teardown this one is sequential by design.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for _, resource := range resources {
		if err := gs.shutdownOne(shutdownCtx, resource); err != nil {
			shutdownErrors = append(shutdownErrors, err)
		}
	}

	if len(shutdownErrors) > 0 {
		return &MultiShutdownError{Errors: shutdownErrors}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, res ShutdownResource) error {
	gs.logger.WithField("resource", res.Name).Debug("Shutting down resource")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				gs.logger.WithFields(logrus.Fields{
					"panic":    r,
					"resource": res.Name,
				}).Error("Panic during resource shutdown")
				done <- &ShutdownPanicError{Resource: res.Name, Panic: r}
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
			return &ShutdownError{Resource: res.Name, Err: err}
		}
		gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
		return nil
	case <-ctx.Done():
		gs.logger.WithField("resource", res.Name).Warn("Shutdown timeout for resource")
		return &ShutdownTimeoutError{Resource: res.Name}
	}
}

// Shutdown error types
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return fmt.Sprintf("panic during shutdown of %s: %v", e.Resource, e.Panic)
}

type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	return fmt.Sprintf("%d errors during shutdown", len(e.Errors))
}
