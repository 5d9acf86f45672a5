// Package domain provides domain models and business logic for the Paper Pipeline Service.
package domain

// SessionStatus represents the lifecycle states of a pipeline session.
// These values must match the database enum session_status.
type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "pending"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusOK           SessionStatus = "ok"
	SessionStatusInsufficient SessionStatus = "insufficient"
	SessionStatusFailed       SessionStatus = "failed"
	SessionStatusCancelled    SessionStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state that will not change.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusOK, SessionStatusInsufficient, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidSessionStatus reports whether s is a known session status.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning, SessionStatusOK,
		SessionStatusInsufficient, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus represents the state of a single pipeline stage within a session.
// These values must match the database enum stage_status.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusOK      StageStatus = "ok"
	StageStatusPartial StageStatus = "partial"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal returns true if the stage has finished, one way or another.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusOK, StageStatusPartial, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// Succeeded returns true if the stage produced at least one usable result.
func (s StageStatus) Succeeded() bool {
	return s == StageStatusOK || s == StageStatusPartial
}

// ItemStatus represents the outcome of a single item within a batch stage.
// These values must match the database enum item_status.
type ItemStatus string

const (
	ItemStatusOK     ItemStatus = "ok"
	ItemStatusEmpty  ItemStatus = "empty"
	ItemStatusFailed ItemStatus = "failed"
)

// PaperStatus represents the processing state of a paper within a session.
type PaperStatus string

const (
	PaperStatusPending  PaperStatus = "pending"
	PaperStatusFetched  PaperStatus = "fetched"
	PaperStatusIngested PaperStatus = "ingested"
	PaperStatusFailed   PaperStatus = "failed"
)

// Stage name constants, in pipeline order.
const (
	StageQueryRewrite       = "query-rewrite"
	StagePaperSearch        = "paper-search"
	StagePaperIngest        = "paper-ingest"
	StageMarkdownEmit       = "markdown-emit"
	StageMethodologyExtract = "methodology-extract"
	StageInnovationSynth    = "innovation-synthesis"
)

// Usage accumulates token counts across LLM calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether no tokens have been recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
