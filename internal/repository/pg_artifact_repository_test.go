package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

func TestPgArtifactRepository_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts artifact successfully", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()
		value := []byte(`{"keywords":["graph neural networks"]}`)

		mock.ExpectExec("INSERT INTO session_artifacts").
			WithArgs(pgxmock.AnyArg(), sessionID, "query_rewrite", "", value, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err = repo.Put(ctx, sessionID, "query_rewrite", "", value)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns validation error for missing session ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)

		err = repo.Put(ctx, uuid.Nil, "query_rewrite", "", []byte(`{}`))

		var validationErr *domain.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "session_id", validationErr.Field)
	})

	t.Run("returns validation error for missing stage", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)

		err = repo.Put(ctx, uuid.New(), "", "", []byte(`{}`))

		var validationErr *domain.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "stage", validationErr.Field)
	})

	t.Run("returns not found on foreign key violation", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()

		mock.ExpectExec("INSERT INTO session_artifacts").
			WithArgs(pgxmock.AnyArg(), sessionID, "pdf_ingest", "2401.00001", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

		err = repo.Put(ctx, sessionID, "pdf_ingest", "2401.00001", []byte(`{}`))
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgArtifactRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("retrieves artifact value", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()
		value := []byte(`{"markdown":"# Section 1"}`)

		mock.ExpectQuery("SELECT value").
			WithArgs(sessionID, "markdown_emit", "2401.00001").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(value))

		got, err := repo.Get(ctx, sessionID, "markdown_emit", "2401.00001")
		require.NoError(t, err)
		assert.Equal(t, value, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found for missing artifact", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()

		mock.ExpectQuery("SELECT value").
			WithArgs(sessionID, "innovation_synth", "").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(ctx, sessionID, "innovation_synth", "")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgArtifactRepository_ListBySession(t *testing.T) {
	ctx := context.Background()

	t.Run("lists artifacts ordered by stage and key", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()
		now := time.Now().UTC()

		rows := pgxmock.NewRows([]string{"id", "session_id", "stage", "key", "value", "created_at"}).
			AddRow(uuid.New(), sessionID, "arxiv_search", "", []byte(`{"papers":[]}`), now).
			AddRow(uuid.New(), sessionID, "query_rewrite", "", []byte(`{"keywords":[]}`), now)

		mock.ExpectQuery("SELECT .* FROM session_artifacts WHERE session_id = \\$1").
			WithArgs(sessionID).
			WillReturnRows(rows)

		artifacts, err := repo.ListBySession(ctx, sessionID)
		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.Equal(t, "arxiv_search", artifacts[0].Stage)
		assert.Equal(t, "query_rewrite", artifacts[1].Stage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns empty list when session has no artifacts", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgArtifactRepository(mock)
		sessionID := uuid.New()

		mock.ExpectQuery("SELECT .* FROM session_artifacts WHERE session_id = \\$1").
			WithArgs(sessionID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "stage", "key", "value", "created_at"}))

		artifacts, err := repo.ListBySession(ctx, sessionID)
		require.NoError(t, err)
		assert.Empty(t, artifacts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
