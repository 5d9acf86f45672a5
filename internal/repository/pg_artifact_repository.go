package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Compile-time interface verification.
var _ ArtifactRepository = (*PgArtifactRepository)(nil)

// PgArtifactRepository is a PostgreSQL implementation of ArtifactRepository.
type PgArtifactRepository struct {
	db DBTX
}

// NewPgArtifactRepository creates a new PostgreSQL artifact repository.
func NewPgArtifactRepository(db DBTX) *PgArtifactRepository {
	return &PgArtifactRepository{db: db}
}

// Put stores an artifact, replacing any existing value for the same
// (session, stage, key).
func (r *PgArtifactRepository) Put(ctx context.Context, sessionID uuid.UUID, stage, key string, value []byte) error {
	if sessionID == uuid.Nil {
		return domain.NewValidationError("session_id", "session ID is required")
	}
	if stage == "" {
		return domain.NewValidationError("stage", "stage is required")
	}

	query := `
		INSERT INTO session_artifacts (id, session_id, stage, key, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, stage, key) DO UPDATE SET
			value = EXCLUDED.value,
			created_at = EXCLUDED.created_at`

	_, err := r.db.Exec(ctx, query,
		uuid.New(), sessionID, stage, key, value, time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.NewNotFoundError("session", sessionID.String())
		}
		return fmt.Errorf("failed to put artifact: %w", err)
	}

	return nil
}

// Get retrieves one artifact's raw payload.
func (r *PgArtifactRepository) Get(ctx context.Context, sessionID uuid.UUID, stage, key string) ([]byte, error) {
	query := `
		SELECT value
		FROM session_artifacts
		WHERE session_id = $1 AND stage = $2 AND key = $3`

	var value []byte
	err := r.db.QueryRow(ctx, query, sessionID, stage, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("artifact", fmt.Sprintf("%s/%s/%s", sessionID, stage, key))
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return value, nil
}

// ListBySession retrieves a session's artifacts ordered by stage and key.
func (r *PgArtifactRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Artifact, error) {
	query := `
		SELECT id, session_id, stage, key, value, created_at
		FROM session_artifacts
		WHERE session_id = $1
		ORDER BY stage ASC, key ASC`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Stage, &a.Key, &a.Value, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}
