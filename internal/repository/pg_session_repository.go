package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// txBeginner is an interface for types that can begin a transaction (e.g., *pgxpool.Pool, *database.DB).
// Used by UpdateSessionStatus to wrap SELECT FOR UPDATE + UPDATE in a transaction
// when the underlying DBTX is a pool rather than an existing transaction.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505" // unique_violation
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// validStatusTransitions defines the allowed status transitions for sessions.
// This is a package-level variable to avoid re-allocating on every call.
var validStatusTransitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionStatusPending: {
		domain.SessionStatusRunning,
		domain.SessionStatusFailed,
		domain.SessionStatusCancelled,
	},
	domain.SessionStatusRunning: {
		domain.SessionStatusOK,
		domain.SessionStatusInsufficient,
		domain.SessionStatusFailed,
		domain.SessionStatusCancelled,
	},
}

// Compile-time interface verification.
var _ SessionRepository = (*PgSessionRepository)(nil)

// PgSessionRepository is a PostgreSQL implementation of SessionRepository.
type PgSessionRepository struct {
	db DBTX
}

// NewPgSessionRepository creates a new PostgreSQL session repository.
func NewPgSessionRepository(db DBTX) *PgSessionRepository {
	return &PgSessionRepository{db: db}
}

// Create inserts a new pipeline session.
func (r *PgSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return domain.NewValidationError("session", "session cannot be nil")
	}
	if session.ID == uuid.Nil {
		return domain.NewValidationError("id", "session ID is required")
	}
	if strings.TrimSpace(session.Query) == "" {
		return domain.NewValidationError("query", "query is required")
	}

	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO pipeline_sessions (
			id, query, status, failure_reason, config,
			prompt_tokens, completion_tokens, total_tokens,
			papers_found_count, papers_ingested_count, papers_failed_count,
			created_at, updated_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15
		)`

	_, err = r.db.Exec(ctx, query,
		session.ID, session.Query, session.Status, nullString(session.FailureReason), configJSON,
		session.Usage.PromptTokens, session.Usage.CompletionTokens, session.Usage.TotalTokens,
		session.PapersFoundCount, session.PapersIngestedCount, session.PapersFailedCount,
		session.CreatedAt, session.UpdatedAt, session.StartedAt, session.CompletedAt,
	)

	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("session", session.ID.String())
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

const sessionColumns = `id, query, status, failure_reason, config,
		prompt_tokens, completion_tokens, total_tokens,
		papers_found_count, papers_ingested_count, papers_failed_count,
		created_at, updated_at, started_at, completed_at`

// Get retrieves a session by its ID, including its stage results.
func (r *PgSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM pipeline_sessions
		WHERE id = $1`

	row := r.db.QueryRow(ctx, query, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("session", id.String())
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	stages, err := r.listStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Stages = stages

	return session, nil
}

// List retrieves sessions matching the filter criteria.
func (r *PgSessionRepository) List(ctx context.Context, filter SessionFilter) ([]*domain.Session, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	// Build dynamic WHERE clause
	var conditions []string
	var args []interface{}
	argIndex := 1

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, s)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIndex))
		args = append(args, *filter.CreatedAfter)
		argIndex++
	}

	if filter.CreatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *filter.CreatedBefore)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Count total matching records
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM pipeline_sessions %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	// Query with pagination
	selectQuery := fmt.Sprintf(`
		SELECT `+sessionColumns+`
		FROM pipeline_sessions
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0, filter.Limit)
	for rows.Next() {
		session, err := scanSessionFromRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, totalCount, nil
}

// UpdateSessionStatus transitions the session to the given status.
//
// The transition is validated against the current status under SELECT FOR
// UPDATE, which requires a transaction for correct row-level locking. If the
// underlying DBTX is a connection pool (supports Begin), the method wraps the
// read and write in an explicit transaction; if it is already a transaction,
// it executes within it.
func (r *PgSessionRepository) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, failureReason string) error {
	if beginner, ok := r.db.(txBeginner); ok {
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for status update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		txRepo := &PgSessionRepository{db: tx}
		if err := txRepo.updateStatusInTx(ctx, id, status, failureReason); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	return r.updateStatusInTx(ctx, id, status, failureReason)
}

// updateStatusInTx performs the SELECT FOR UPDATE + UPDATE within the current
// DBTX. Must run inside a transaction for correct locking.
func (r *PgSessionRepository) updateStatusInTx(ctx context.Context, id uuid.UUID, status domain.SessionStatus, failureReason string) error {
	selectQuery := `
		SELECT status, started_at, completed_at
		FROM pipeline_sessions
		WHERE id = $1
		FOR UPDATE`

	var (
		current     domain.SessionStatus
		startedAt   *time.Time
		completedAt *time.Time
	)
	err := r.db.QueryRow(ctx, selectQuery, id).Scan(&current, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("session", id.String())
		}
		return fmt.Errorf("failed to query session for status update: %w", err)
	}

	if !isValidStatusTransition(current, status) {
		return fmt.Errorf("invalid status transition from %s to %s: %w",
			current, status, domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if status == domain.SessionStatusRunning && startedAt == nil {
		startedAt = &now
	}
	if status.IsTerminal() && completedAt == nil {
		completedAt = &now
	}

	updateQuery := `
		UPDATE pipeline_sessions SET
			status = $1,
			failure_reason = $2,
			started_at = $3,
			completed_at = $4,
			updated_at = $5
		WHERE id = $6`

	_, err = r.db.Exec(ctx, updateQuery,
		status, nullString(failureReason), startedAt, completedAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	return nil
}

// CreateStageResult inserts one stage outcome.
func (r *PgSessionRepository) CreateStageResult(ctx context.Context, result *domain.StageResult) error {
	if result == nil {
		return domain.NewValidationError("stage_result", "stage result cannot be nil")
	}
	if result.ID == uuid.Nil {
		return domain.NewValidationError("id", "stage result ID is required")
	}
	if result.SessionID == uuid.Nil {
		return domain.NewValidationError("session_id", "session ID is required")
	}
	if result.Name == "" {
		return domain.NewValidationError("name", "stage name is required")
	}

	itemsJSON, err := json.Marshal(result.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	query := `
		INSERT INTO session_stages (
			id, session_id, name, position, status,
			skip_reason, error,
			prompt_tokens, completion_tokens, total_tokens,
			items, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10,
			$11, $12, $13
		)`

	_, err = r.db.Exec(ctx, query,
		result.ID, result.SessionID, result.Name, result.Position, result.Status,
		nullString(result.SkipReason), nullString(result.Error),
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens,
		itemsJSON, result.StartedAt, result.CompletedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return domain.NewAlreadyExistsError("stage result", result.ID.String())
			case pgForeignKeyViolation:
				return domain.NewNotFoundError("session", result.SessionID.String())
			}
		}
		return fmt.Errorf("failed to create stage result: %w", err)
	}

	return nil
}

// AddSessionUsage atomically adds token usage onto the session counters.
func (r *PgSessionRepository) AddSessionUsage(ctx context.Context, id uuid.UUID, usage domain.Usage) error {
	query := `
		UPDATE pipeline_sessions
		SET prompt_tokens = prompt_tokens + $1,
			completion_tokens = completion_tokens + $2,
			total_tokens = total_tokens + $3,
			updated_at = $4
		WHERE id = $5`

	result, err := r.db.Exec(ctx, query,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to add session usage: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("session", id.String())
	}

	return nil
}

// UpdatePaperCounts sets the session's paper counters.
func (r *PgSessionRepository) UpdatePaperCounts(ctx context.Context, id uuid.UUID, found, ingested, failed int) error {
	query := `
		UPDATE pipeline_sessions
		SET papers_found_count = $1,
			papers_ingested_count = $2,
			papers_failed_count = $3,
			updated_at = $4
		WHERE id = $5`

	result, err := r.db.Exec(ctx, query,
		found, ingested, failed, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update paper counts: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("session", id.String())
	}

	return nil
}

// listStageResults loads a session's stage results in pipeline order.
func (r *PgSessionRepository) listStageResults(ctx context.Context, sessionID uuid.UUID) ([]domain.StageResult, error) {
	query := `
		SELECT id, session_id, name, position, status,
			skip_reason, error,
			prompt_tokens, completion_tokens, total_tokens,
			items, started_at, completed_at
		FROM session_stages
		WHERE session_id = $1
		ORDER BY position ASC`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	var results []domain.StageResult
	for rows.Next() {
		result, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		results = append(results, *result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage results: %w", err)
	}

	return results, nil
}

// isValidStatusTransition validates that a session status transition is allowed.
func isValidStatusTransition(from, to domain.SessionStatus) bool {
	// Terminal states cannot transition to anything.
	if from.IsTerminal() {
		return false
	}

	allowed, ok := validStatusTransitions[from]
	if !ok {
		return false
	}

	for _, s := range allowed {
		if s == to {
			return true
		}
	}

	return false
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// sessionScanDest holds the destination pointers for scanning a Session row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type sessionScanDest struct {
	session       domain.Session
	configJSON    []byte
	failureReason *string
}

// destinations returns the slice of pointers for Scan operations.
func (d *sessionScanDest) destinations() []interface{} {
	return []interface{}{
		&d.session.ID, &d.session.Query, &d.session.Status, &d.failureReason, &d.configJSON,
		&d.session.Usage.PromptTokens, &d.session.Usage.CompletionTokens, &d.session.Usage.TotalTokens,
		&d.session.PapersFoundCount, &d.session.PapersIngestedCount, &d.session.PapersFailedCount,
		&d.session.CreatedAt, &d.session.UpdatedAt, &d.session.StartedAt, &d.session.CompletedAt,
	}
}

// finalize performs post-scan processing: sets nullable fields and unmarshals JSON.
func (d *sessionScanDest) finalize() (*domain.Session, error) {
	if d.failureReason != nil {
		d.session.FailureReason = *d.failureReason
	}

	if len(d.configJSON) > 0 {
		if err := json.Unmarshal(d.configJSON, &d.session.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	return &d.session, nil
}

// scanSession scans a single row into a Session.
func scanSession(row pgx.Row) (*domain.Session, error) {
	var dest sessionScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanSessionFromRows scans the current row from pgx.Rows into a Session.
func scanSessionFromRows(rows pgx.Rows) (*domain.Session, error) {
	var dest sessionScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanStageResult scans the current row from pgx.Rows into a StageResult.
func scanStageResult(rows pgx.Rows) (*domain.StageResult, error) {
	var (
		result     domain.StageResult
		skipReason *string
		stageErr   *string
		itemsJSON  []byte
	)

	err := rows.Scan(
		&result.ID, &result.SessionID, &result.Name, &result.Position, &result.Status,
		&skipReason, &stageErr,
		&result.Usage.PromptTokens, &result.Usage.CompletionTokens, &result.Usage.TotalTokens,
		&itemsJSON, &result.StartedAt, &result.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if skipReason != nil {
		result.SkipReason = *skipReason
	}
	if stageErr != nil {
		result.Error = *stageErr
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &result.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}
	}

	return &result, nil
}

// nullString returns a pointer to the string if non-empty, otherwise nil.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
