package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Helper to create a valid paper for testing.
func newDBTestPaper(sessionID uuid.UUID, arxivID string) *domain.Paper {
	published := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &domain.Paper{
		ID:        uuid.New(),
		SessionID: sessionID,
		ArxivID:   arxivID,
		Title:     "Attention Is All You Need",
		Authors:   []string{"Ashish Vaswani", "Noam Shazeer"},
		Abstract:  "The dominant sequence transduction models are based on complex recurrent networks.",
		Published: &published,
		PDFURL:    "https://arxiv.org/pdf/" + arxivID,
		Keyword:   "transformer attention",
		Status:    domain.PaperStatusFetched,
	}
}

func TestPgPaperRepository_CreatePapers(t *testing.T) {
	ctx := context.Background()

	t.Run("creates papers in one batch", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		sessionID := uuid.New()
		papers := []*domain.Paper{
			newDBTestPaper(sessionID, "2401.00001"),
			newDBTestPaper(sessionID, "2401.00002"),
		}

		eb := mock.ExpectBatch()
		for range papers {
			eb.ExpectExec("INSERT INTO session_papers").
				WithArgs(
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(),
				).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
		}

		err = repo.CreatePapers(ctx, papers)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("assigns IDs and timestamps to papers without them", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		paper := newDBTestPaper(uuid.New(), "2401.00003")
		paper.ID = uuid.Nil

		eb := mock.ExpectBatch()
		eb.ExpectExec("INSERT INTO session_papers").
			WithArgs(
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err = repo.CreatePapers(ctx, []*domain.Paper{paper})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, paper.ID)
		assert.False(t, paper.CreatedAt.IsZero())
		assert.False(t, paper.UpdatedAt.IsZero())
	})

	t.Run("empty slice is a no-op", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)

		err = repo.CreatePapers(ctx, nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns validation error for missing session ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		paper := newDBTestPaper(uuid.New(), "2401.00004")
		paper.SessionID = uuid.Nil

		err = repo.CreatePapers(ctx, []*domain.Paper{paper})

		var validationErr *domain.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "session_id", validationErr.Field)
	})

	t.Run("returns validation error for missing arXiv ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		paper := newDBTestPaper(uuid.New(), "")

		err = repo.CreatePapers(ctx, []*domain.Paper{paper})

		var validationErr *domain.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "arxiv_id", validationErr.Field)
	})

	t.Run("returns not found on foreign key violation", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		paper := newDBTestPaper(uuid.New(), "2401.00005")

		eb := mock.ExpectBatch()
		eb.ExpectExec("INSERT INTO session_papers").
			WithArgs(
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

		err = repo.CreatePapers(ctx, []*domain.Paper{paper})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestPgPaperRepository_UpdatePaperStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("updates status successfully", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		id := uuid.New()

		mock.ExpectExec("UPDATE session_papers SET status").
			WithArgs(domain.PaperStatusIngested, pgxmock.AnyArg(), 12, pgxmock.AnyArg(), id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.UpdatePaperStatus(ctx, id, domain.PaperStatusIngested, "", 12)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found error when no rows affected", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		id := uuid.New()

		mock.ExpectExec("UPDATE session_papers SET status").
			WithArgs(domain.PaperStatusFailed, pgxmock.AnyArg(), 0, pgxmock.AnyArg(), id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.UpdatePaperStatus(ctx, id, domain.PaperStatusFailed, "pdf download failed", 0)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgPaperRepository_ListBySession(t *testing.T) {
	ctx := context.Background()

	t.Run("lists papers in discovery order", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		sessionID := uuid.New()
		paper := newDBTestPaper(sessionID, "2401.00001")
		authorsJSON, _ := json.Marshal(paper.Authors)
		now := time.Now().UTC()

		rows := pgxmock.NewRows([]string{
			"id", "session_id", "arxiv_id", "title", "authors",
			"abstract", "published", "pdf_url", "keyword",
			"status", "fail_reason", "page_count",
			"created_at", "updated_at",
		}).AddRow(
			paper.ID, paper.SessionID, paper.ArxivID, paper.Title, authorsJSON,
			paper.Abstract, paper.Published, paper.PDFURL, paper.Keyword,
			paper.Status, nil, 0,
			now, now,
		)

		mock.ExpectQuery("SELECT .* FROM session_papers WHERE session_id = \\$1").
			WithArgs(sessionID).
			WillReturnRows(rows)

		papers, err := repo.ListBySession(ctx, sessionID)
		require.NoError(t, err)
		require.Len(t, papers, 1)

		got := papers[0]
		assert.Equal(t, paper.ArxivID, got.ArxivID)
		assert.Equal(t, paper.Authors, got.Authors)
		assert.Equal(t, paper.Keyword, got.Keyword)
		assert.Empty(t, got.FailReason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns empty list for unknown session", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaperRepository(mock)
		sessionID := uuid.New()

		mock.ExpectQuery("SELECT .* FROM session_papers WHERE session_id = \\$1").
			WithArgs(sessionID).
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "session_id", "arxiv_id", "title", "authors",
				"abstract", "published", "pdf_url", "keyword",
				"status", "fail_reason", "page_count",
				"created_at", "updated_at",
			}))

		papers, err := repo.ListBySession(ctx, sessionID)
		require.NoError(t, err)
		assert.Empty(t, papers)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
