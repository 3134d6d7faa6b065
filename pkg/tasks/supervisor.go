package tasks

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/perceptra-ai/metering-backend/pkg/logger"
)

// ErrShuttingDown is returned when new tasks are submitted after Shutdown.
var ErrShuttingDown = errors.New("task supervisor is shutting down")

// Supervisor runs deferred tasks that must finish before the process exits.
// Billing is scheduled here so the response path never waits on the ledger,
// while shutdown still drains every pending charge.
type Supervisor struct {
	logg *logger.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
	errs   error
}

// NewSupervisor builds a supervisor that logs task failures.
func NewSupervisor(logg *logger.Logger) *Supervisor {
	return &Supervisor{logg: logg}
}

// Go schedules fn on its own goroutine. The task inherits the caller's
// context values but not its cancellation: once scheduled, a task runs to
// completion even if the originating request is aborted.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)

	go func() {
		defer s.wg.Done()
		if err := fn(detached); err != nil {
			if s.logg != nil {
				taskCtx := s.logg.WithField(detached, "task", name)
				s.logg.Error(taskCtx, "deferred task failed", err)
			}
			s.mu.Lock()
			s.errs = multierr.Append(s.errs, err)
			s.mu.Unlock()
		}
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for in-flight ones to drain, or
// for ctx to expire. It returns the accumulated task errors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return multierr.Append(s.taskErrors(), ctx.Err())
	}
	return s.taskErrors()
}

func (s *Supervisor) taskErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}
