package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

var stageMetricsCounter atomic.Int64

func newStageTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("stagetest%d", stageMetricsCounter.Add(1)))
}

// fakeCompleter replays canned completions in order, repeating the last one
// once the queue is exhausted.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	replies  []fakeReply
}

type fakeReply struct {
	text string
	err  error
}

func structuredText(path, content, tag string) string {
	return generation.Render(generation.Payload{Path: path, Content: content}, tag)
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	idx := len(f.requests) - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	reply := f.replies[idx]
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.CompletionResponse{
		Text:  reply.text,
		Model: "fake-model",
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17},
	}, nil
}

func (f *fakeCompleter) Provider() string { return "fake" }

func (f *fakeCompleter) Model() string { return "fake-model" }

func (f *fakeCompleter) recorded() []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.CompletionRequest(nil), f.requests...)
}

// fakeArtifactStore keeps artifacts in memory keyed by stage and key.
type fakeArtifactStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{values: make(map[string][]byte)}
}

func artifactKey(stage, key string) string { return stage + "/" + key }

func (f *fakeArtifactStore) Put(_ context.Context, _ uuid.UUID, stage, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[artifactKey(stage, key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeArtifactStore) Get(_ context.Context, _ uuid.UUID, stage, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[artifactKey(stage, key)]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", artifactKey(stage, key))
	}
	return value, nil
}

// fakeSearcher returns canned papers per keyword.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]*domain.Paper
	errs    map[string]error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, keyword string, _ int) ([]*domain.Paper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, keyword)
	if err := f.errs[keyword]; err != nil {
		return nil, err
	}
	return f.results[keyword], nil
}

type fakeFetcher struct {
	pdfs map[string][]byte
	errs map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	pdf, ok := f.pdfs[url]
	if !ok {
		return nil, fmt.Errorf("no pdf at %s", url)
	}
	return pdf, nil
}

type fakeRasterizer struct {
	pages int
	err   error
}

func (f *fakeRasterizer) Rasterize(_ context.Context, _ []byte) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	pages := make([][]byte, f.pages)
	for i := range pages {
		pages[i] = []byte{0x89, 0x50, 0x4e, 0x47, byte(i)}
	}
	return pages, nil
}

type paperStatusUpdate struct {
	id         uuid.UUID
	status     domain.PaperStatus
	failReason string
	pageCount  int
}

type fakePaperStore struct {
	mu      sync.Mutex
	created []*domain.Paper
	updates []paperStatusUpdate
}

func (f *fakePaperStore) CreatePapers(_ context.Context, papers []*domain.Paper) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, papers...)
	return nil
}

func (f *fakePaperStore) UpdatePaperStatus(_ context.Context, id uuid.UUID, status domain.PaperStatus, failReason string, pageCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, paperStatusUpdate{id: id, status: status, failReason: failReason, pageCount: pageCount})
	return nil
}

func (f *fakePaperStore) updateFor(id uuid.UUID) (paperStatusUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u.id == id {
			return u, true
		}
	}
	return paperStatusUpdate{}, false
}

// stageHarness bundles the fakes behind a StageDeps.
type stageHarness struct {
	completer *fakeCompleter
	searcher  *fakeSearcher
	fetcher   *fakeFetcher
	raster    *fakeRasterizer
	papers    *fakePaperStore
	sessions  *fakeSessionStore
	artifacts *fakeArtifactStore
	publisher *fakePublisher
}

func newStageHarness(replies ...fakeReply) *stageHarness {
	return &stageHarness{
		completer: &fakeCompleter{replies: replies},
		searcher:  &fakeSearcher{results: map[string][]*domain.Paper{}, errs: map[string]error{}},
		fetcher:   &fakeFetcher{pdfs: map[string][]byte{}, errs: map[string]error{}},
		raster:    &fakeRasterizer{pages: 2},
		papers:    &fakePaperStore{},
		sessions:  &fakeSessionStore{},
		artifacts: newFakeArtifactStore(),
		publisher: &fakePublisher{},
	}
}

func (h *stageHarness) deps() StageDeps {
	metrics := newStageTestMetrics()
	return StageDeps{
		Generator:   generation.NewClient(h.completer, zerolog.Nop(), metrics),
		Searcher:    h.searcher,
		Fetcher:     h.fetcher,
		Rasterizer:  h.raster,
		Papers:      h.papers,
		Sessions:    h.sessions,
		Artifacts:   h.artifacts,
		Publisher:   h.publisher,
		Logger:      zerolog.Nop(),
		Metrics:     metrics,
		VisionModel: "fake-vision-model",
	}
}

func newStageState() *State {
	session := newTestSession()
	session.Config.KeywordDelay = 0
	return NewState(session)
}

func testPaper(arxivID, title string) *domain.Paper {
	return &domain.Paper{
		ID:      uuid.New(),
		ArxivID: arxivID,
		Title:   title,
		PDFURL:  "https://arxiv.org/pdf/" + arxivID,
	}
}
