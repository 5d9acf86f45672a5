package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ArtifactRepository handles stage artifact persistence. An artifact is an
// opaque JSON value identified by (session, stage, key); the empty key is a
// stage's primary artifact.
type ArtifactRepository interface {
	// Put stores an artifact, replacing any existing value for the same
	// (session, stage, key).
	// Returns domain.ErrNotFound if the session does not exist.
	Put(ctx context.Context, sessionID uuid.UUID, stage, key string, value []byte) error

	// Get retrieves one artifact's raw JSON value.
	// Returns domain.ErrNotFound if no matching artifact exists.
	Get(ctx context.Context, sessionID uuid.UUID, stage, key string) ([]byte, error)

	// ListBySession retrieves a session's artifacts ordered by stage and key.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Artifact, error)
}
