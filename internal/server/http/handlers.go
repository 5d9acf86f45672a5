package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	minQueryLength     = 3
	maxQueryLength     = 10000
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

// createSessionRequest is the JSON request body for starting a pipeline session.
type createSessionRequest struct {
	Query               string `json:"query"`
	KeywordCount        *int   `json:"keyword_count,omitempty"`
	TargetPaperCount    *int   `json:"target_paper_count,omitempty"`
	MinSynthesisInputs  *int   `json:"min_synthesis_inputs,omitempty"`
	MaxConcurrentPapers *int   `json:"max_concurrent_papers,omitempty"`
	MaxConcurrentPages  *int   `json:"max_concurrent_pages,omitempty"`
	MaxAttempts         *int   `json:"max_attempts,omitempty"`
	LLMModel            string `json:"llm_model,omitempty"`
}

// cancelSessionRequest is the JSON request body for cancelling a session.
type cancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// createSession handles POST /sessions. It persists the session and starts
// the pipeline in the background.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Query) < minQueryLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("query must be at least %d characters", minQueryLength))
		return
	}
	if len(req.Query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("query must be at most %d characters", maxQueryLength))
		return
	}

	cfg, errMsg := s.buildSessionConfig(req)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	now := time.Now().UTC()
	session := &domain.Session{
		ID:        uuid.New(),
		Query:     req.Query,
		Status:    domain.SessionStatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.runner.Start(session); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info().
		Str("session_id", session.ID.String()).
		Str("correlation_id", observability.RequestIDFromContext(ctx)).
		Msg("session created")

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.ID.String(),
		Status:    string(session.Status),
		CreatedAt: now,
		Message:   "pipeline session started",
	})
}

// buildSessionConfig merges request overrides onto the service defaults.
// Returns a non-empty message when an override is out of range.
func (s *Server) buildSessionConfig(req createSessionRequest) (domain.SessionConfig, string) {
	cfg := s.defaults

	if req.KeywordCount != nil {
		if *req.KeywordCount < 1 || *req.KeywordCount > 20 {
			return cfg, "keyword_count must be between 1 and 20"
		}
		cfg.KeywordCount = *req.KeywordCount
	}
	if req.TargetPaperCount != nil {
		if *req.TargetPaperCount < 1 || *req.TargetPaperCount > 50 {
			return cfg, "target_paper_count must be between 1 and 50"
		}
		cfg.TargetPaperCount = *req.TargetPaperCount
	}
	if req.MinSynthesisInputs != nil {
		if *req.MinSynthesisInputs < 1 || *req.MinSynthesisInputs > 50 {
			return cfg, "min_synthesis_inputs must be between 1 and 50"
		}
		cfg.MinSynthesisInputs = *req.MinSynthesisInputs
	}
	if req.MaxConcurrentPapers != nil {
		if *req.MaxConcurrentPapers < 1 || *req.MaxConcurrentPapers > 16 {
			return cfg, "max_concurrent_papers must be between 1 and 16"
		}
		cfg.MaxConcurrentPapers = *req.MaxConcurrentPapers
	}
	if req.MaxConcurrentPages != nil {
		if *req.MaxConcurrentPages < 1 || *req.MaxConcurrentPages > 32 {
			return cfg, "max_concurrent_pages must be between 1 and 32"
		}
		cfg.MaxConcurrentPages = *req.MaxConcurrentPages
	}
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 || *req.MaxAttempts > 10 {
			return cfg, "max_attempts must be between 1 and 10"
		}
		cfg.MaxAttempts = *req.MaxAttempts
	}
	if req.LLMModel != "" {
		cfg.LLMModel = req.LLMModel
	}

	return cfg, ""
}

// getSession handles GET /sessions/{sessionID}. It returns the session with
// its stage results.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := parseUUID(w, chi.URLParam(r, "sessionID"), "session_id")
	if !ok {
		return
	}

	session, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domainSessionToResponse(session))
}

// cancelSession handles POST /sessions/{sessionID}/cancel.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := parseUUID(w, chi.URLParam(r, "sessionID"), "session_id")
	if !ok {
		return
	}

	// Parse optional reason from the request body.
	var cancelReq cancelSessionRequest
	if r.Body != nil {
		defer r.Body.Close()
		if r.ContentLength != 0 {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
			if err == nil && len(body) > 0 {
				_ = json.Unmarshal(body, &cancelReq)
			}
		}
	}

	session, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if session.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "session is already in terminal state")
		return
	}

	if s.runner.Cancel(sessionID) {
		// The running pipeline observes the cancellation and records the
		// terminal status itself.
		writeJSON(w, http.StatusAccepted, cancelSessionResponse{
			Success: true,
			Message: "cancellation requested",
			Status:  string(session.Status),
		})
		return
	}

	// Not running in this process (e.g. orphaned by a restart). Mark the
	// session cancelled directly.
	reason := cancelReq.Reason
	if reason == "" {
		reason = "cancelled via API"
	}
	if err := s.sessionRepo.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusCancelled, reason); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelSessionResponse{
		Success: true,
		Message: "session cancelled",
		Status:  string(domain.SessionStatusCancelled),
	})
}

// listSessions handles GET /sessions. It returns a paginated list of session
// summaries with optional filters.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePaginationParams(r)

	filter := repository.SessionFilter{
		Limit:  limit,
		Offset: offset,
	}

	// Optional status filter.
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		filter.Status = []domain.SessionStatus{domain.SessionStatus(statusParam)}
	}

	// Optional date filters.
	if createdAfter := r.URL.Query().Get("created_after"); createdAfter != "" {
		t, parseErr := time.Parse(time.RFC3339, createdAfter)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid created_after format: expected RFC3339")
			return
		}
		filter.CreatedAfter = &t
	}
	if createdBefore := r.URL.Query().Get("created_before"); createdBefore != "" {
		t, parseErr := time.Parse(time.RFC3339, createdBefore)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid created_before format: expected RFC3339")
			return
		}
		filter.CreatedBefore = &t
	}

	sessions, totalCount, err := s.sessionRepo.List(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]sessionSummaryResponse, len(sessions))
	for i, sess := range sessions {
		summaries[i] = domainSessionToSummary(sess)
	}

	writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions:      summaries,
		NextPageToken: encodeHTTPPageToken(offset, limit, int(totalCount)),
		TotalCount:    int(totalCount),
	})
}

// getSessionPapers handles GET /sessions/{sessionID}/papers.
func (s *Server) getSessionPapers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := parseUUID(w, chi.URLParam(r, "sessionID"), "session_id")
	if !ok {
		return
	}

	if _, err := s.sessionRepo.Get(ctx, sessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	papers, err := s.paperRepo.ListBySession(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]paperResponse, len(papers))
	for i, p := range papers {
		resp[i] = domainPaperToResponse(p)
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:     resp,
		TotalCount: len(resp),
	})
}

// listSessionArtifacts handles GET /sessions/{sessionID}/artifacts.
func (s *Server) listSessionArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := parseUUID(w, chi.URLParam(r, "sessionID"), "session_id")
	if !ok {
		return
	}

	if _, err := s.sessionRepo.Get(ctx, sessionID); err != nil {
		writeDomainError(w, err)
		return
	}

	artifacts, err := s.artifactRepo.ListBySession(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]artifactResponse, len(artifacts))
	for i, a := range artifacts {
		resp[i] = domainArtifactToResponse(a)
	}

	writeJSON(w, http.StatusOK, listArtifactsResponse{
		Artifacts:  resp,
		TotalCount: len(resp),
	})
}

// getSessionArtifact handles GET /sessions/{sessionID}/artifacts/{stage}.
// The optional key query parameter selects a secondary artifact; the empty
// key is the stage's primary artifact.
func (s *Server) getSessionArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, ok := parseUUID(w, chi.URLParam(r, "sessionID"), "session_id")
	if !ok {
		return
	}

	stage := chi.URLParam(r, "stage")
	key := r.URL.Query().Get("key")

	value, err := s.artifactRepo.Get(ctx, sessionID, stage, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, artifactResponse{
		Stage: stage,
		Key:   key,
		Value: json.RawMessage(encodeArtifactValue(value)),
	})
}

// writeDomainError maps domain errors to appropriate HTTP status codes and
// writes a JSON error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing potentially
// malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts page_size and page_token from query parameters.
// It applies default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodeHTTPPageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
