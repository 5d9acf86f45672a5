package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// fakeDriver blocks until its context is cancelled or release is closed.
type fakeDriver struct {
	mu      sync.Mutex
	started []uuid.UUID
	release chan struct{}
	runErr  error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{release: make(chan struct{})}
}

func (f *fakeDriver) Run(ctx context.Context, session *domain.Session) error {
	f.mu.Lock()
	f.started = append(f.started, session.ID)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.release:
		return f.runErr
	}
}

func (f *fakeDriver) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func waitForActive(t *testing.T, r *Runner, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.ActiveCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner never reached %d active sessions", want)
}

// waitForStarted polls until the driver has been invoked want times.
// Registration happens before the session goroutine calls Run, so the
// active count alone does not prove the driver has started.
func waitForStarted(t *testing.T, d *fakeDriver, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.startedCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("driver never started %d sessions", want)
}

func TestRunner_StartAndFinish(t *testing.T) {
	driver := newFakeDriver()
	runner := NewRunner(driver, zerolog.Nop())
	session := &domain.Session{ID: uuid.New()}

	require.NoError(t, runner.Start(session))
	waitForActive(t, runner, 1)
	waitForStarted(t, driver, 1)

	close(driver.release)
	waitForActive(t, runner, 0)
}

func TestRunner_RejectsDuplicateSession(t *testing.T) {
	driver := newFakeDriver()
	runner := NewRunner(driver, zerolog.Nop())
	session := &domain.Session{ID: uuid.New()}

	require.NoError(t, runner.Start(session))
	waitForActive(t, runner, 1)

	err := runner.Start(session)
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))

	close(driver.release)
	waitForActive(t, runner, 0)
}

func TestRunner_RejectsNilSession(t *testing.T) {
	runner := NewRunner(newFakeDriver(), zerolog.Nop())

	err := runner.Start(nil)

	var validationErr *domain.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestRunner_Cancel(t *testing.T) {
	driver := newFakeDriver()
	runner := NewRunner(driver, zerolog.Nop())
	session := &domain.Session{ID: uuid.New()}

	require.NoError(t, runner.Start(session))
	waitForActive(t, runner, 1)

	assert.True(t, runner.Cancel(session.ID))
	waitForActive(t, runner, 0)

	assert.False(t, runner.Cancel(session.ID))
}

func TestRunner_CancelUnknownSession(t *testing.T) {
	runner := NewRunner(newFakeDriver(), zerolog.Nop())

	assert.False(t, runner.Cancel(uuid.New()))
}

func TestRunner_ShutdownCancelsRunning(t *testing.T) {
	driver := newFakeDriver()
	runner := NewRunner(driver, zerolog.Nop())

	require.NoError(t, runner.Start(&domain.Session{ID: uuid.New()}))
	require.NoError(t, runner.Start(&domain.Session{ID: uuid.New()}))
	waitForActive(t, runner, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
	assert.Equal(t, 0, runner.ActiveCount())

	err := runner.Start(&domain.Session{ID: uuid.New()})
	assert.Error(t, err)
}

func TestRunner_ShutdownTimeout(t *testing.T) {
	// A driver that ignores cancellation simulates a stuck session.
	stuck := &stuckDriver{release: make(chan struct{})}
	runner := NewRunner(stuck, zerolog.Nop())

	require.NoError(t, runner.Start(&domain.Session{ID: uuid.New()}))
	waitForActive(t, runner, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runner.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(stuck.release)
}

type stuckDriver struct {
	release chan struct{}
}

func (d *stuckDriver) Run(_ context.Context, _ *domain.Session) error {
	<-d.release
	return nil
}
