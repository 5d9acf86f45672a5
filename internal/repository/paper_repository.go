package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// PaperRepository handles per-session paper persistence. Papers belong to
// exactly one session; the (session_id, arxiv_id) pair is unique.
type PaperRepository interface {
	// CreatePapers inserts the discovered papers in a single batch.
	// Papers without an ID are assigned one. A paper whose (session, arXiv ID)
	// pair already exists is left untouched; the search stage dedupes before
	// persisting, so conflicts only occur on re-runs.
	CreatePapers(ctx context.Context, papers []*domain.Paper) error

	// UpdatePaperStatus records the ingestion outcome for one paper.
	// failReason is stored only for failed papers; pageCount only for
	// ingested ones.
	// Returns domain.ErrNotFound if no matching paper exists.
	UpdatePaperStatus(ctx context.Context, id uuid.UUID, status domain.PaperStatus, failReason string, pageCount int) error

	// ListBySession retrieves a session's papers in discovery order.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Paper, error)
}
