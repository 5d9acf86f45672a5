package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// SessionRepository handles pipeline session persistence and lifecycle management.
// It covers the session row itself, its per-stage results, token usage, and the
// paper counters maintained as stages complete.
type SessionRepository interface {
	// Create inserts a new pipeline session.
	// The session must have a valid ID and a non-empty query.
	// Returns domain.ErrAlreadyExists if a session with the same ID already exists.
	// Returns domain.ErrInvalidInput if required fields are missing.
	Create(ctx context.Context, session *domain.Session) error

	// Get retrieves a session by its ID, including its stage results in
	// pipeline order.
	// Returns domain.ErrNotFound if no matching session exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// List retrieves sessions matching the filter criteria.
	// Returns the matching sessions and total count for pagination.
	// The total count reflects all matching records regardless of limit/offset.
	List(ctx context.Context, filter SessionFilter) ([]*domain.Session, int64, error)

	// UpdateSessionStatus transitions a session to the given status, validating
	// the transition against the session lifecycle. The failureReason is stored
	// alongside terminal statuses and cleared otherwise.
	// Returns domain.ErrNotFound if no matching session exists.
	// Returns domain.ErrInvalidInput if the transition is not allowed.
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, failureReason string) error

	// CreateStageResult inserts one stage outcome, including its per-item
	// results serialized as JSONB.
	CreateStageResult(ctx context.Context, result *domain.StageResult) error

	// AddSessionUsage atomically adds token usage onto the session's
	// accumulated counters.
	// Returns domain.ErrNotFound if no matching session exists.
	AddSessionUsage(ctx context.Context, id uuid.UUID, usage domain.Usage) error

	// UpdatePaperCounts sets the found/ingested/failed paper counters.
	// Returns domain.ErrNotFound if no matching session exists.
	UpdatePaperCounts(ctx context.Context, id uuid.UUID, found, ingested, failed int) error
}

// SessionFilter specifies criteria for listing pipeline sessions.
type SessionFilter struct {
	// Status filters by one or more session statuses (optional).
	// When multiple statuses are provided, sessions matching any status are returned.
	Status []domain.SessionStatus

	// CreatedAfter filters to sessions created after this timestamp (optional).
	CreatedAfter *time.Time

	// CreatedBefore filters to sessions created before this timestamp (optional).
	CreatedBefore *time.Time

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks the filter values and sets pagination defaults.
func (f *SessionFilter) Validate() error {
	for _, s := range f.Status {
		if !domain.IsValidSessionStatus(s) {
			return domain.NewValidationError("status", "unknown session status: "+string(s))
		}
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
