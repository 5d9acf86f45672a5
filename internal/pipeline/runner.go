package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Driver executes the pipeline for one session. Satisfied by Orchestrator.
type Driver interface {
	Run(ctx context.Context, session *domain.Session) error
}

// Runner launches pipeline sessions in the background and tracks their
// cancel functions so the API can cancel a running session. A drained
// runner refuses new sessions.
type Runner struct {
	driver Driver
	logger zerolog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	drained bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner over the given driver.
func NewRunner(driver Driver, logger zerolog.Logger) *Runner {
	return &Runner{
		driver:  driver,
		logger:  logger.With().Str("component", "session_runner").Logger(),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the session in a background goroutine. The session runs
// under its own context, detached from the HTTP request that created it.
func (r *Runner) Start(session *domain.Session) error {
	if session == nil {
		return domain.NewValidationError("session", "session is required")
	}

	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		return fmt.Errorf("runner is shutting down")
	}
	if _, ok := r.running[session.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", session.ID, domain.ErrAlreadyExists)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.running[session.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, session.ID)
			r.mu.Unlock()
			cancel()
		}()

		if err := r.driver.Run(ctx, session); err != nil {
			r.logger.Error().Err(err).
				Str("session_id", session.ID.String()).
				Msg("session run finished with error")
		}
	}()

	return nil
}

// Cancel cancels a running session. Returns false when the session is not
// currently running.
func (r *Runner) Cancel(sessionID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// ActiveCount reports how many sessions are currently running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown cancels all running sessions and waits for them to finish or
// for the context to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.drained = true
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
