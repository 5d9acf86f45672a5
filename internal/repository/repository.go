// Package repository provides PostgreSQL persistence for pipeline sessions,
// papers, and stage artifacts.
//
// # Interfaces
//
//   - SessionRepository: session lifecycle, stage results, usage counters
//   - PaperRepository: per-session paper rows and status tracking
//   - ArtifactRepository: stage output storage and retrieval
//
// # Thread Safety
//
// All implementations are safe for concurrent use. The underlying pgxpool
// handles connection pooling and synchronization.
//
// # Error Handling
//
// Methods translate database failures into domain errors and wrap the cause
// with %w:
//
//   - domain.ErrNotFound: row does not exist
//   - domain.ErrAlreadyExists: unique constraint violation
//   - domain.ErrInvalidInput: rejected parameters or state transition
//
// # Usage
//
// Repositories are created once at startup and handed to the orchestrator:
//
//	db, _ := database.New(ctx, cfg, logger)
//	sessionRepo := repository.NewPgSessionRepository(db)
//	paperRepo := repository.NewPgPaperRepository(db)
//	artifactRepo := repository.NewPgArtifactRepository(db)
package repository

import (
	"github.com/helixir/paper-pipeline-service/internal/database"
)

// DBTX abstracts the query surface shared by *pgxpool.Pool and pgx.Tx, so a
// repository runs identically inside and outside a transaction. It also keeps
// the implementations mockable with pgxmock.
type DBTX = database.DBTX

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 100
	maxFilterLimit     = 1000
)

// applyPaginationDefaults clamps limit to [1, maxFilterLimit] and ensures
// offset is non-negative.
func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = defaultFilterLimit
	}
	if *limit > maxFilterLimit {
		*limit = maxFilterLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}
