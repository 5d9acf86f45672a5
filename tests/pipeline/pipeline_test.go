// Package pipeline provides end-to-end tests for the session pipeline: the
// real stage list and orchestrator run against in-memory stores and a
// scripted model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
)

const methodologyText = `## Methodology

The paper formulates molecular property prediction as message passing over
atom graphs. Node features are initialized from atom descriptors, edges carry
bond types, and an equivariant update rule preserves rotational symmetry.
Training uses a scaffold split with mean absolute error as the target metric.`

const proposalText = `## Proposed Direction

Combine the equivariant message passing of Module A with the scaffold-aware
sampling strategy of Module B, evaluated under the protocol of Module C. The
combination is non-obvious because symmetry constraints and data sampling are
usually tuned independently.`

const pageText = `Introduction. We study learned representations of molecules
and benchmark several message passing architectures on property prediction
tasks, reporting mean absolute error under scaffold splits across datasets.`

// scriptedCompleter answers each completion by inspecting the request: vision
// requests get a page transcription, text requests are routed on the system
// prompt. Individual replies can be overridden per test.
type scriptedCompleter struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest

	// rewriteText, when set, replaces the default keyword reply verbatim.
	rewriteText string
	keywords    string
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	var text string
	switch {
	case len(req.Images) > 0:
		text = pageText
	case strings.Contains(req.System, "keyword extraction"):
		if s.rewriteText != "" {
			text = s.rewriteText
		} else {
			text = generation.Render(generation.Payload{Path: "keywords.json", Content: s.keywords}, "json")
		}
	case strings.Contains(req.System, "methodology analyst"):
		text = generation.Render(generation.Payload{Path: "methodology.md", Content: methodologyText}, "markdown")
	case strings.Contains(req.System, "innovation strategist"):
		text = generation.Render(generation.Payload{Path: "innovation.md", Content: proposalText}, "markdown")
	default:
		return nil, fmt.Errorf("unexpected completion request")
	}

	return &llm.CompletionResponse{
		Text:  text,
		Model: "scripted-model",
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17},
	}, nil
}

func (s *scriptedCompleter) Provider() string { return "scripted" }

func (s *scriptedCompleter) Model() string { return "scripted-model" }

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type statusChange struct {
	status domain.SessionStatus
	reason string
}

// memSessionStore records every orchestrator write in memory.
type memSessionStore struct {
	mu       sync.Mutex
	statuses []statusChange
	stages   []domain.StageResult
	usage    domain.Usage
	found    int
	ingested int
	failed   int
}

func (m *memSessionStore) UpdateSessionStatus(_ context.Context, _ uuid.UUID, status domain.SessionStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusChange{status: status, reason: reason})
	return nil
}

func (m *memSessionStore) CreateStageResult(_ context.Context, result *domain.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, *result)
	return nil
}

func (m *memSessionStore) AddSessionUsage(_ context.Context, _ uuid.UUID, usage domain.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Add(usage)
	return nil
}

func (m *memSessionStore) UpdatePaperCounts(_ context.Context, _ uuid.UUID, found, ingested, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.found, m.ingested, m.failed = found, ingested, failed
	return nil
}

func (m *memSessionStore) lastStatus() statusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return statusChange{}
	}
	return m.statuses[len(m.statuses)-1]
}

type paperUpdate struct {
	status     domain.PaperStatus
	failReason string
	pageCount  int
}

type memPaperStore struct {
	mu      sync.Mutex
	created []*domain.Paper
	updates map[uuid.UUID]paperUpdate
}

func newMemPaperStore() *memPaperStore {
	return &memPaperStore{updates: make(map[uuid.UUID]paperUpdate)}
}

func (m *memPaperStore) CreatePapers(_ context.Context, papers []*domain.Paper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range papers {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
	}
	m.created = append(m.created, papers...)
	return nil
}

func (m *memPaperStore) UpdatePaperStatus(_ context.Context, id uuid.UUID, status domain.PaperStatus, failReason string, pageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = paperUpdate{status: status, failReason: failReason, pageCount: pageCount}
	return nil
}

type memArtifactStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{values: make(map[string][]byte)}
}

func (m *memArtifactStore) Put(_ context.Context, _ uuid.UUID, stage, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[stage+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (m *memArtifactStore) Get(_ context.Context, _ uuid.UUID, stage, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[stage+"/"+key]
	if !ok {
		return nil, fmt.Errorf("artifact %s/%s not found", stage, key)
	}
	return value, nil
}

func (m *memArtifactStore) has(stage, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[stage+"/"+key]
	return ok
}

type memPublisher struct {
	mu     sync.Mutex
	events []*domain.ProgressEvent
}

func (m *memPublisher) Publish(_ context.Context, event *domain.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memPublisher) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.events))
	for i, e := range m.events {
		types[i] = e.EventType
	}
	return types
}

type staticSearcher struct {
	results map[string][]*domain.Paper
}

func (s *staticSearcher) Search(_ context.Context, keyword string, _ int) ([]*domain.Paper, error) {
	return s.results[keyword], nil
}

type staticFetcher struct {
	errs map[string]error
}

func (f *staticFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return []byte("%PDF-1.5 fake"), nil
}

type pageRasterizer struct {
	pages int
}

func (r *pageRasterizer) Rasterize(_ context.Context, _ []byte) ([][]byte, error) {
	pages := make([][]byte, r.pages)
	for i := range pages {
		pages[i] = []byte{0x89, 0x50, 0x4e, 0x47, byte(i)}
	}
	return pages, nil
}

var metricsNamespaceCounter atomic.Int64

// env wires the real stages and orchestrator over the in-memory fakes.
type env struct {
	completer *scriptedCompleter
	searcher  *staticSearcher
	fetcher   *staticFetcher
	sessions  *memSessionStore
	papers    *memPaperStore
	artifacts *memArtifactStore
	publisher *memPublisher

	orchestrator *pipeline.Orchestrator
}

func newEnv(keywords []string) *env {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	e := &env{
		completer: &scriptedCompleter{keywords: fmt.Sprintf(`{"keywords": [%s]}`, strings.Join(quoted, ", "))},
		searcher:  &staticSearcher{results: map[string][]*domain.Paper{}},
		fetcher:   &staticFetcher{errs: map[string]error{}},
		sessions:  &memSessionStore{},
		papers:    newMemPaperStore(),
		artifacts: newMemArtifactStore(),
		publisher: &memPublisher{},
	}

	metrics := observability.NewMetrics(fmt.Sprintf("pipelinetest%d", metricsNamespaceCounter.Add(1)))
	stages := pipeline.NewStages(pipeline.StageDeps{
		Generator:   generation.NewClient(e.completer, zerolog.Nop(), metrics),
		Searcher:    e.searcher,
		Fetcher:     e.fetcher,
		Rasterizer:  &pageRasterizer{pages: 2},
		Papers:      e.papers,
		Sessions:    e.sessions,
		Artifacts:   e.artifacts,
		Publisher:   e.publisher,
		Logger:      zerolog.Nop(),
		Metrics:     metrics,
		VisionModel: "scripted-vision-model",
	})
	e.orchestrator = pipeline.NewOrchestrator(stages, e.sessions, e.publisher, zerolog.Nop(), metrics)
	return e
}

func newRunSession() *domain.Session {
	cfg := domain.DefaultSessionConfig()
	cfg.KeywordDelay = 0
	now := time.Now().UTC()
	return &domain.Session{
		ID:        uuid.New(),
		Query:     "How do equivariant graph networks improve molecular property prediction?",
		Status:    domain.SessionStatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func searchPaper(arxivID, title string, daysAgo int) *domain.Paper {
	published := time.Now().UTC().AddDate(0, 0, -daysAgo)
	return &domain.Paper{
		ArxivID:   arxivID,
		Title:     title,
		Authors:   []string{"A. Author"},
		Published: &published,
		PDFURL:    "https://arxiv.org/pdf/" + arxivID,
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	keywords := []string{"equivariant graph network", "molecular property prediction", "message passing", "scaffold split"}
	e := newEnv(keywords)
	e.searcher.results[keywords[0]] = []*domain.Paper{
		searchPaper("2401.00001", "Equivariant Networks", 10),
		searchPaper("2401.00002", "Molecular Benchmarks", 20),
	}
	e.searcher.results[keywords[1]] = []*domain.Paper{
		searchPaper("2401.00002", "Molecular Benchmarks", 20), // dup, dropped
		searchPaper("2401.00003", "Property Prediction at Scale", 5),
	}
	e.searcher.results[keywords[2]] = []*domain.Paper{
		searchPaper("2401.00004", "Message Passing Revisited", 1),
	}
	e.searcher.results[keywords[3]] = []*domain.Paper{
		searchPaper("2401.00005", "Scaffold Splits Reconsidered", 15),
	}

	session := newRunSession()
	require.NoError(t, e.orchestrator.Run(context.Background(), session))

	assert.Equal(t, domain.SessionStatusOK, session.Status)
	assert.Equal(t, statusChange{status: domain.SessionStatusOK}, e.sessions.lastStatus())

	// All six stages persisted in pipeline order.
	require.Len(t, e.sessions.stages, 6)
	wantStages := []string{
		domain.StageQueryRewrite, domain.StagePaperSearch, domain.StagePaperIngest,
		domain.StageMarkdownEmit, domain.StageMethodologyExtract, domain.StageInnovationSynth,
	}
	for i, stage := range e.sessions.stages {
		assert.Equal(t, wantStages[i], stage.Name)
		assert.Equal(t, i, stage.Position)
		assert.Equal(t, domain.StageStatusOK, stage.Status)
	}

	// Five unique papers discovered, newest first, all ingested at two pages.
	require.Len(t, e.papers.created, 5)
	assert.Equal(t, "2401.00004", e.papers.created[0].ArxivID)
	assert.Equal(t, 5, e.sessions.found)
	assert.Equal(t, 5, e.sessions.ingested)
	assert.Equal(t, 0, e.sessions.failed)
	for _, paper := range e.papers.created {
		update, ok := e.papers.updates[paper.ID]
		require.True(t, ok, "paper %s has no status update", paper.ArxivID)
		assert.Equal(t, domain.PaperStatusIngested, update.status)
		assert.Equal(t, 2, update.pageCount)
	}

	// Every stage left its artifact behind.
	assert.True(t, e.artifacts.has(domain.StageQueryRewrite, ""))
	assert.True(t, e.artifacts.has(domain.StagePaperSearch, ""))
	for _, paper := range e.papers.created {
		assert.True(t, e.artifacts.has(domain.StageMarkdownEmit, paper.ArxivID))
		assert.True(t, e.artifacts.has(domain.StageMethodologyExtract, paper.ArxivID))
	}
	assert.True(t, e.artifacts.has(domain.StageInnovationSynth, ""))

	// 1 rewrite + 10 page transcriptions + 5 extractions + 1 synthesis.
	assert.Equal(t, 17, e.completer.callCount())
	assert.Equal(t, 17*17, e.sessions.usage.TotalTokens)
	assert.Equal(t, e.sessions.usage, session.Usage)

	types := e.publisher.eventTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventTypeSessionStarted, types[0])
	assert.Equal(t, domain.EventTypeSessionCompleted, types[len(types)-1])
	assert.Contains(t, types, domain.EventTypePapersDiscovered)
}

func TestPipelineInsufficientPapers(t *testing.T) {
	keywords := []string{"niche topic"}
	e := newEnv(keywords)
	e.searcher.results[keywords[0]] = []*domain.Paper{
		searchPaper("2402.00001", "Lone Paper", 3),
		searchPaper("2402.00002", "Second Paper", 7),
	}

	session := newRunSession()
	require.NoError(t, e.orchestrator.Run(context.Background(), session))

	// Two papers run through the full ingest path, but synthesis needs three.
	assert.Equal(t, domain.SessionStatusInsufficient, session.Status)
	last := e.sessions.lastStatus()
	assert.Equal(t, domain.SessionStatusInsufficient, last.status)
	assert.Contains(t, last.reason, "required for synthesis")

	require.Len(t, e.sessions.stages, 6)
	synthesis := e.sessions.stages[5]
	assert.Equal(t, domain.StageStatusSkipped, synthesis.Status)
	assert.NotEmpty(t, synthesis.SkipReason)
	assert.False(t, e.artifacts.has(domain.StageInnovationSynth, ""))

	assert.Equal(t, 2, e.sessions.ingested)
	assert.Contains(t, e.publisher.eventTypes(), domain.EventTypeStageSkipped)
}

func TestPipelinePartialIngest(t *testing.T) {
	keywords := []string{"robust ingestion"}
	e := newEnv(keywords)
	e.searcher.results[keywords[0]] = []*domain.Paper{
		searchPaper("2403.00001", "Paper One", 1),
		searchPaper("2403.00002", "Paper Two", 2),
		searchPaper("2403.00003", "Paper Three", 3),
		searchPaper("2403.00004", "Paper Four", 4),
	}
	e.fetcher.errs["https://arxiv.org/pdf/2403.00002"] = errors.New("upstream returned 503")

	session := newRunSession()
	session.Config.TargetPaperCount = 4
	require.NoError(t, e.orchestrator.Run(context.Background(), session))

	// One failed paper degrades the ingest stage, not the session.
	assert.Equal(t, domain.SessionStatusOK, session.Status)
	assert.Equal(t, domain.StageStatusPartial, e.sessions.stages[2].Status)
	assert.Equal(t, 3, e.sessions.ingested)
	assert.Equal(t, 1, e.sessions.failed)

	var failedPaper *domain.Paper
	for _, p := range e.papers.created {
		if p.ArxivID == "2403.00002" {
			failedPaper = p
		}
	}
	require.NotNil(t, failedPaper)
	update := e.papers.updates[failedPaper.ID]
	assert.Equal(t, domain.PaperStatusFailed, update.status)
	assert.Contains(t, update.failReason, "pdf download failed")
	assert.False(t, e.artifacts.has(domain.StageMarkdownEmit, "2403.00002"))

	assert.True(t, e.artifacts.has(domain.StageInnovationSynth, ""))
}

func TestPipelineRewriteFailureFailsSession(t *testing.T) {
	e := newEnv(nil)
	e.completer.rewriteText = "no fenced blocks here"

	session := newRunSession()
	session.Config.MaxAttempts = 1

	err := e.orchestrator.Run(context.Background(), session)
	require.Error(t, err)

	assert.Equal(t, domain.SessionStatusFailed, session.Status)
	last := e.sessions.lastStatus()
	assert.Equal(t, domain.SessionStatusFailed, last.status)
	assert.NotEmpty(t, last.reason)

	// Only the failed rewrite stage was persisted; nothing downstream ran.
	require.Len(t, e.sessions.stages, 1)
	assert.Equal(t, domain.StageQueryRewrite, e.sessions.stages[0].Name)
	assert.Equal(t, domain.StageStatusFailed, e.sessions.stages[0].Status)
	assert.NotEmpty(t, e.sessions.stages[0].Error)
	assert.Empty(t, e.papers.created)

	types := e.publisher.eventTypes()
	assert.Contains(t, types, domain.EventTypeSessionFailed)
	assert.NotContains(t, types, domain.EventTypeSessionCompleted)
}

func TestPipelineCancellation(t *testing.T) {
	e := newEnv([]string{"anything"})

	session := newRunSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.orchestrator.Run(ctx, session)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, domain.SessionStatusCancelled, session.Status)
	assert.Equal(t, domain.SessionStatusCancelled, e.sessions.lastStatus().status)
	assert.Contains(t, e.publisher.eventTypes(), domain.EventTypeSessionCancelled)
}
