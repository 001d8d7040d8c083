package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Terminal runs a service once. When it returns, for any reason, the
// whole supervisor tree stops; the service's own error is kept for Err.
// Dependents start before the service and are stopped only after it
// returned, so they keep serving its shutdown.
type Terminal struct {
	name       string
	svc        suture.Service
	dependents *suture.Supervisor

	mu  sync.Mutex
	err error
}

// NewTerminal wraps svc so its exit terminates the tree. dependents may be nil.
func NewTerminal(name string, svc suture.Service, dependents *suture.Supervisor) *Terminal {
	return &Terminal{name: name, svc: svc, dependents: dependents}
}

// Serve implements suture.Service
func (t *Terminal) Serve(ctx context.Context) error {
	if t.dependents != nil {
		depCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := t.dependents.ServeBackground(depCtx)
		defer func() {
			stop()
			<-done
		}()
	}

	err := t.svc.Serve(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %s: %w", suture.ErrTerminateSupervisorTree, t.name, err)
	}
	return suture.ErrTerminateSupervisorTree
}

// Err returns the error the wrapped service stopped with
func (t *Terminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Terminal) String() string {
	return t.name
}

// HTTPServer is the lifecycle of *http.Server
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until its context is cancelled
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server as a supervised service
func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", h.name, err)
	}
	return ctx.Err()
}

func (h *HTTPService) String() string {
	return h.name
}
