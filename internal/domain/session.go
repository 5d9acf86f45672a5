package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionConfig holds the configuration parameters for a pipeline session.
// This struct is stored as JSONB in PostgreSQL for flexibility and auditability.
type SessionConfig struct {
	// KeywordCount is the number of search keywords the rewrite stage produces.
	KeywordCount int `json:"keyword_count"`

	// TargetPaperCount is the number of papers the search stage aims to retain
	// after dedupe. Fewer surviving papers makes the session insufficient.
	TargetPaperCount int `json:"target_paper_count"`

	// MinSynthesisInputs is the minimum number of eligible methodology items
	// required before the synthesis stage runs. Default: 3.
	MinSynthesisInputs int `json:"min_synthesis_inputs"`

	// MaxConcurrentPapers bounds how many papers are ingested at once.
	MaxConcurrentPapers int `json:"max_concurrent_papers"`

	// MaxConcurrentPages bounds how many pages are OCRed at once across
	// all papers.
	MaxConcurrentPages int `json:"max_concurrent_pages"`

	// MaxAttempts is the structured-output retry budget per LLM call.
	MaxAttempts int `json:"max_attempts"`

	// KeywordDelay is the pause between consecutive keyword searches.
	// A politeness throttle toward the search API, not a contract.
	KeywordDelay time.Duration `json:"keyword_delay"`

	// MinMethodologyChars is the minimum markdown length worth sending to
	// the extraction stage. Shorter inputs are marked empty without an
	// LLM call.
	MinMethodologyChars int `json:"min_methodology_chars"`

	// LLMModel overrides the configured default model when set.
	LLMModel string `json:"llm_model,omitempty"`
}

// DefaultSessionConfig returns a SessionConfig with default values.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		KeywordCount:        4,
		TargetPaperCount:    5,
		MinSynthesisInputs:  3,
		MaxConcurrentPapers: 2,
		MaxConcurrentPages:  5,
		MaxAttempts:         3,
		KeywordDelay:        3 * time.Second,
		MinMethodologyChars: 100,
	}
}

// Session represents one run of the paper pipeline for a single query.
type Session struct {
	ID uuid.UUID `json:"id"`

	// Query is the raw research question the pipeline starts from (required).
	Query string `json:"query"`

	// Status and failure tracking.
	Status        SessionStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`

	// Config (stored as JSONB).
	Config SessionConfig `json:"config"`

	// Usage is the token usage accumulated across every stage, including
	// the final attempt of failed calls.
	Usage Usage `json:"usage"`

	// Counters maintained as stages complete.
	PapersFoundCount    int `json:"papers_found_count"`
	PapersIngestedCount int `json:"papers_ingested_count"`
	PapersFailedCount   int `json:"papers_failed_count"`

	// Timestamps.
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Stages holds per-stage results, in pipeline order. Populated on
	// read paths; not written through the session itself.
	Stages []StageResult `json:"stages,omitempty"`
}

// Duration returns the elapsed time of the session.
// Returns zero if the session has not started.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// IsActive returns true if the session is still in progress.
func (s *Session) IsActive() bool {
	return !s.Status.IsTerminal()
}

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	// Name is one of the Stage* constants.
	Name string `json:"name"`

	// Position is the zero-based index of the stage in the pipeline.
	Position int `json:"position"`

	Status     StageStatus `json:"status"`
	SkipReason string      `json:"skip_reason,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Usage is the token usage attributed to this stage.
	Usage Usage `json:"usage"`

	// Items holds per-item outcomes for batch stages, index-aligned with
	// the stage's input slice. Empty for single-item stages.
	Items []ItemResult `json:"items,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OKItems returns the items that completed successfully, preserving order.
func (r *StageResult) OKItems() []ItemResult {
	var ok []ItemResult
	for _, it := range r.Items {
		if it.Status == ItemStatusOK {
			ok = append(ok, it)
		}
	}
	return ok
}

// ItemResult records the outcome of one item within a batch stage.
type ItemResult struct {
	// Index is the item's position in the stage input. Results are always
	// index-stable: result i corresponds to input i.
	Index int `json:"index"`

	// Ref identifies the item, typically an arXiv ID.
	Ref string `json:"ref,omitempty"`

	Status ItemStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	Usage  Usage      `json:"usage"`
}

// Paper represents a paper discovered and processed within a session.
type Paper struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	// ArxivID uniquely identifies the paper within the session; the search
	// stage dedupes on it.
	ArxivID string `json:"arxiv_id"`

	Title     string     `json:"title"`
	Authors   []string   `json:"authors,omitempty"`
	Abstract  string     `json:"abstract,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	PDFURL    string     `json:"pdf_url,omitempty"`

	// Keyword is the search keyword that discovered this paper.
	Keyword string `json:"keyword,omitempty"`

	Status     PaperStatus `json:"status"`
	FailReason string      `json:"fail_reason,omitempty"`
	PageCount  int         `json:"page_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is a JSON value produced by a stage and persisted for later
// stages and for API consumers.
type Artifact struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	// Stage names the stage that produced the artifact.
	Stage string `json:"stage"`

	// Key distinguishes multiple artifacts from one stage. The empty key
	// is the stage's primary artifact.
	Key string `json:"key,omitempty"`

	// Value is the raw JSON payload.
	Value []byte `json:"value"`

	CreatedAt time.Time `json:"created_at"`
}
