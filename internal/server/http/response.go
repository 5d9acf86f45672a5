package httpserver

import (
	"encoding/json"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Session response types for JSON serialization.

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type sessionResponse struct {
	SessionID     string          `json:"session_id"`
	Query         string          `json:"query"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Usage         usageResponse   `json:"usage"`
	PapersFound   int             `json:"papers_found"`
	PapersOK      int             `json:"papers_ok"`
	PapersFailed  int             `json:"papers_failed"`
	Stages        []stageResponse `json:"stages"`
	Config        configResponse  `json:"config"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Duration      string          `json:"duration,omitempty"`
}

type stageResponse struct {
	Name        string              `json:"name"`
	Position    int                 `json:"position"`
	Status      string              `json:"status"`
	SkipReason  string              `json:"skip_reason,omitempty"`
	Error       string              `json:"error,omitempty"`
	Usage       usageResponse       `json:"usage"`
	Items       []stageItemResponse `json:"items,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

type stageItemResponse struct {
	Index  int           `json:"index"`
	Ref    string        `json:"ref,omitempty"`
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Usage  usageResponse `json:"usage"`
}

type usageResponse struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type configResponse struct {
	KeywordCount        int    `json:"keyword_count"`
	TargetPaperCount    int    `json:"target_paper_count"`
	MinSynthesisInputs  int    `json:"min_synthesis_inputs"`
	MaxConcurrentPapers int    `json:"max_concurrent_papers"`
	MaxConcurrentPages  int    `json:"max_concurrent_pages"`
	MaxAttempts         int    `json:"max_attempts"`
	LLMModel            string `json:"llm_model,omitempty"`
}

type sessionSummaryResponse struct {
	SessionID   string     `json:"session_id"`
	Query       string     `json:"query"`
	Status      string     `json:"status"`
	PapersFound int        `json:"papers_found"`
	PapersOK    int        `json:"papers_ok"`
	TotalTokens int        `json:"total_tokens"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

type listSessionsResponse struct {
	Sessions      []sessionSummaryResponse `json:"sessions"`
	NextPageToken string                   `json:"next_page_token,omitempty"`
	TotalCount    int                      `json:"total_count"`
}

type cancelSessionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type paperResponse struct {
	ID         string     `json:"id"`
	ArxivID    string     `json:"arxiv_id"`
	Title      string     `json:"title"`
	Authors    []string   `json:"authors,omitempty"`
	Abstract   string     `json:"abstract,omitempty"`
	Published  *time.Time `json:"published,omitempty"`
	PdfURL     string     `json:"pdf_url,omitempty"`
	Keyword    string     `json:"keyword,omitempty"`
	Status     string     `json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	PageCount  int        `json:"page_count"`
}

type listPapersResponse struct {
	Papers     []paperResponse `json:"papers"`
	TotalCount int             `json:"total_count"`
}

type artifactResponse struct {
	Stage     string          `json:"stage"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

type listArtifactsResponse struct {
	Artifacts  []artifactResponse `json:"artifacts"`
	TotalCount int                `json:"total_count"`
}

// Converter functions

func domainSessionToResponse(sess *domain.Session) sessionResponse {
	stages := make([]stageResponse, len(sess.Stages))
	for i := range sess.Stages {
		stages[i] = domainStageToResponse(&sess.Stages[i])
	}

	resp := sessionResponse{
		SessionID:     sess.ID.String(),
		Query:         sess.Query,
		Status:        string(sess.Status),
		FailureReason: sess.FailureReason,
		Usage:         domainUsageToResponse(sess.Usage),
		PapersFound:   sess.PapersFoundCount,
		PapersOK:      sess.PapersIngestedCount,
		PapersFailed:  sess.PapersFailedCount,
		Stages:        stages,
		Config:        domainConfigToResponse(sess.Config),
		CreatedAt:     sess.CreatedAt,
		StartedAt:     sess.StartedAt,
		CompletedAt:   sess.CompletedAt,
	}
	if d := sess.Duration(); d > 0 {
		resp.Duration = d.String()
	}
	return resp
}

func domainStageToResponse(r *domain.StageResult) stageResponse {
	items := make([]stageItemResponse, len(r.Items))
	for i, it := range r.Items {
		items[i] = stageItemResponse{
			Index:  it.Index,
			Ref:    it.Ref,
			Status: string(it.Status),
			Error:  it.Error,
			Usage:  domainUsageToResponse(it.Usage),
		}
	}
	return stageResponse{
		Name:        r.Name,
		Position:    r.Position,
		Status:      string(r.Status),
		SkipReason:  r.SkipReason,
		Error:       r.Error,
		Usage:       domainUsageToResponse(r.Usage),
		Items:       items,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func domainUsageToResponse(u domain.Usage) usageResponse {
	return usageResponse{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func domainConfigToResponse(c domain.SessionConfig) configResponse {
	return configResponse{
		KeywordCount:        c.KeywordCount,
		TargetPaperCount:    c.TargetPaperCount,
		MinSynthesisInputs:  c.MinSynthesisInputs,
		MaxConcurrentPapers: c.MaxConcurrentPapers,
		MaxConcurrentPages:  c.MaxConcurrentPages,
		MaxAttempts:         c.MaxAttempts,
		LLMModel:            c.LLMModel,
	}
}

func domainSessionToSummary(sess *domain.Session) sessionSummaryResponse {
	resp := sessionSummaryResponse{
		SessionID:   sess.ID.String(),
		Query:       sess.Query,
		Status:      string(sess.Status),
		PapersFound: sess.PapersFoundCount,
		PapersOK:    sess.PapersIngestedCount,
		TotalTokens: sess.Usage.TotalTokens,
		CreatedAt:   sess.CreatedAt,
		CompletedAt: sess.CompletedAt,
	}
	if d := sess.Duration(); d > 0 {
		resp.Duration = d.String()
	}
	return resp
}

func domainPaperToResponse(p *domain.Paper) paperResponse {
	return paperResponse{
		ID:         p.ID.String(),
		ArxivID:    p.ArxivID,
		Title:      p.Title,
		Authors:    p.Authors,
		Abstract:   p.Abstract,
		Published:  p.Published,
		PdfURL:     p.PDFURL,
		Keyword:    p.Keyword,
		Status:     string(p.Status),
		FailReason: p.FailReason,
		PageCount:  p.PageCount,
	}
}

func domainArtifactToResponse(a *domain.Artifact) artifactResponse {
	created := a.CreatedAt
	return artifactResponse{
		Stage:     a.Stage,
		Key:       a.Key,
		Value:     json.RawMessage(encodeArtifactValue(a.Value)),
		CreatedAt: &created,
	}
}

// encodeArtifactValue returns the value as-is when it is already valid JSON.
// Non-JSON payloads (markdown documents) are wrapped as a JSON string.
func encodeArtifactValue(value []byte) []byte {
	if len(value) > 0 && json.Valid(value) {
		return value
	}
	encoded, err := json.Marshal(string(value))
	if err != nil {
		return []byte(`""`)
	}
	return encoded
}
