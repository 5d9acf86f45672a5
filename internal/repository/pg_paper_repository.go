package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Compile-time interface verification.
var _ PaperRepository = (*PgPaperRepository)(nil)

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db DBTX
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{db: db}
}

// CreatePapers inserts the discovered papers in a single batch.
// Uses pgx.Batch to send all inserts in one network roundtrip.
func (r *PgPaperRepository) CreatePapers(ctx context.Context, papers []*domain.Paper) error {
	if len(papers) == 0 {
		return nil
	}

	for i, paper := range papers {
		if paper == nil {
			return domain.NewValidationError("paper", fmt.Sprintf("paper at index %d is nil", i))
		}
		if paper.SessionID == uuid.Nil {
			return domain.NewValidationError("session_id", fmt.Sprintf("paper at index %d has no session ID", i))
		}
		if paper.ArxivID == "" {
			return domain.NewValidationError("arxiv_id", fmt.Sprintf("paper at index %d has no arXiv ID", i))
		}
	}

	query := `
		INSERT INTO session_papers (
			id, session_id, arxiv_id, title, authors,
			abstract, published, pdf_url, keyword,
			status, fail_reason, page_count,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (session_id, arxiv_id) DO NOTHING`

	now := time.Now().UTC()
	batch := &pgx.Batch{}

	for _, paper := range papers {
		authorsJSON, err := json.Marshal(paper.Authors)
		if err != nil {
			return fmt.Errorf("failed to marshal authors: %w", err)
		}

		if paper.ID == uuid.Nil {
			paper.ID = uuid.New()
		}
		paper.CreatedAt = now
		paper.UpdatedAt = now

		batch.Queue(query,
			paper.ID, paper.SessionID, paper.ArxivID, paper.Title, authorsJSON,
			paper.Abstract, paper.Published, paper.PDFURL, paper.Keyword,
			paper.Status, nullString(paper.FailReason), paper.PageCount,
			now, now,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range papers {
		if _, err := br.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return domain.NewNotFoundError("session", papers[i].SessionID.String())
			}
			return fmt.Errorf("failed to create paper at index %d: %w", i, err)
		}
	}

	return nil
}

// UpdatePaperStatus records the ingestion outcome for one paper.
func (r *PgPaperRepository) UpdatePaperStatus(ctx context.Context, id uuid.UUID, status domain.PaperStatus, failReason string, pageCount int) error {
	query := `
		UPDATE session_papers
		SET status = $1,
			fail_reason = $2,
			page_count = $3,
			updated_at = $4
		WHERE id = $5`

	result, err := r.db.Exec(ctx, query,
		status, nullString(failReason), pageCount, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update paper status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("paper", id.String())
	}

	return nil
}

// ListBySession retrieves a session's papers in discovery order.
func (r *PgPaperRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Paper, error) {
	query := `
		SELECT id, session_id, arxiv_id, title, authors,
			abstract, published, pdf_url, keyword,
			status, fail_reason, page_count,
			created_at, updated_at
		FROM session_papers
		WHERE session_id = $1
		ORDER BY created_at ASC, arxiv_id ASC`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list papers: %w", err)
	}
	defer rows.Close()

	var papers []*domain.Paper
	for rows.Next() {
		paper, err := scanPaperFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating papers: %w", err)
	}

	return papers, nil
}

// scanPaperFromRows scans the current row from pgx.Rows into a Paper.
func scanPaperFromRows(rows pgx.Rows) (*domain.Paper, error) {
	var (
		paper       domain.Paper
		authorsJSON []byte
		failReason  *string
	)

	err := rows.Scan(
		&paper.ID, &paper.SessionID, &paper.ArxivID, &paper.Title, &authorsJSON,
		&paper.Abstract, &paper.Published, &paper.PDFURL, &paper.Keyword,
		&paper.Status, &failReason, &paper.PageCount,
		&paper.CreatedAt, &paper.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if failReason != nil {
		paper.FailReason = *failReason
	}
	if len(authorsJSON) > 0 {
		if err := json.Unmarshal(authorsJSON, &paper.Authors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authors: %w", err)
		}
	}

	return &paper, nil
}
