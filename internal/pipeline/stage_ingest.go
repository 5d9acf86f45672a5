package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

const ocrPrompt = `Transcribe all text on this page of an academic paper. Preserve the reading order, headings, and paragraph structure. Render equations in LaTeX notation and tables as markdown tables. Do not describe figures; transcribe their captions only. Respond with the transcription and nothing else.`

// IngestStage downloads each paper's PDF, rasterizes it to page images, and
// transcribes every page with a vision model. Papers are processed under the
// paper ceiling and pages under the page ceiling. A single failed page fails
// its paper; failed papers never abort their siblings.
type IngestStage struct {
	fetcher     PDFFetcher
	rasterizer  Rasterizer
	gen         *generation.Client
	papers      PaperStore
	sessions    SessionStore
	visionModel string
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// NewIngestStage creates the paper-ingest stage.
func NewIngestStage(deps StageDeps) *IngestStage {
	return &IngestStage{
		fetcher:     deps.Fetcher,
		rasterizer:  deps.Rasterizer,
		gen:         deps.Generator,
		papers:      deps.Papers,
		sessions:    deps.Sessions,
		visionModel: deps.VisionModel,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}
}

// Name implements Stage.
func (s *IngestStage) Name() string { return domain.StagePaperIngest }

// Skip implements Stage.
func (s *IngestStage) Skip(*State) (string, bool) { return "", false }

// Run implements Stage.
func (s *IngestStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	cfg := state.Config
	session := state.Session
	papers := state.Papers

	limiter := NewLimiter(cfg.MaxConcurrentPapers, cfg.MaxConcurrentPages)
	runner := NewBatchRunner(limiter, s.logger)

	// pageTexts is index-aligned with papers; each worker writes only its
	// own slot.
	pageTexts := make([][]string, len(papers))

	items, status := runner.Run(ctx, s.Name(), len(papers), func(ctx context.Context, idx int) (domain.ItemResult, error) {
		paper := papers[idx]
		item := domain.ItemResult{Ref: paper.ArxivID, Status: domain.ItemStatusOK}
		logger := observability.WithPaperContext(s.logger, paper.ID.String(), paper.ArxivID)

		texts, usage, err := s.ingestPaper(ctx, limiter, cfg, paper, logger)
		item.Usage = usage
		if err != nil {
			s.markPaper(ctx, paper, domain.PaperStatusFailed, err.Error(), 0)
			return item, err
		}

		pageTexts[idx] = texts
		s.markPaper(ctx, paper, domain.PaperStatusIngested, "", len(texts))
		return item, nil
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ingested, failed := 0, 0
	for i, item := range items {
		if item.Status == domain.ItemStatusOK {
			ingested++
			state.Pages[papers[i].ID] = pageTexts[i]
		} else {
			failed++
		}
	}
	session.PapersIngestedCount = ingested
	session.PapersFailedCount = failed
	if err := s.sessions.UpdatePaperCounts(ctx, session.ID, session.PapersFoundCount, ingested, failed); err != nil {
		return nil, fmt.Errorf("failed to update paper counts: %w", err)
	}

	if ingested < cfg.MinSynthesisInputs {
		state.MarkInsufficient(fmt.Sprintf(
			"only %d papers ingested, %d required for synthesis",
			ingested, cfg.MinSynthesisInputs,
		))
	}

	result := &domain.StageResult{Status: status, Items: items, Usage: sumItemUsage(items)}
	if status == domain.StageStatusFailed {
		return result, fmt.Errorf("every paper failed to ingest")
	}
	return result, nil
}

// ingestPaper downloads, rasterizes, and transcribes one paper. Pages are
// transcribed concurrently under the page ceiling; the first page error fails
// the whole paper.
func (s *IngestStage) ingestPaper(ctx context.Context, limiter *Limiter, cfg domain.SessionConfig, paper *domain.Paper, logger zerolog.Logger) ([]string, domain.Usage, error) {
	var usage domain.Usage

	pdf, err := s.fetcher.Fetch(ctx, paper.PDFURL)
	if err != nil {
		return nil, usage, fmt.Errorf("pdf download failed: %w", err)
	}

	images, err := s.rasterizer.Rasterize(ctx, pdf)
	if err != nil {
		return nil, usage, fmt.Errorf("pdf rasterization failed: %w", err)
	}
	if len(images) == 0 {
		return nil, usage, fmt.Errorf("pdf produced no pages")
	}

	texts := make([]string, len(images))
	usages := make([]domain.Usage, len(images))
	errs := make([]error, len(images))

	var wg sync.WaitGroup
	for i, image := range images {
		wg.Add(1)
		go func(pageIdx int, png []byte) {
			defer wg.Done()
			errs[pageIdx] = limiter.WithPage(ctx, func() error {
				text, pageUsage, err := s.transcribePage(ctx, cfg, png)
				if err != nil {
					s.metrics.RecordPageOCRed("failed")
					return err
				}
				s.metrics.RecordPageOCRed("ok")
				texts[pageIdx] = text
				usages[pageIdx] = pageUsage
				return nil
			})
		}(i, image)
	}
	wg.Wait()

	for _, u := range usages {
		usage.Add(u)
	}
	for pageIdx, err := range errs {
		if err != nil {
			logger.Warn().Err(err).Int("page", pageIdx+1).Msg("page transcription failed")
			return nil, usage, fmt.Errorf("page %d transcription failed: %w", pageIdx+1, err)
		}
	}
	return texts, usage, nil
}

// transcribePage sends one page image through the vision model.
func (s *IngestStage) transcribePage(ctx context.Context, cfg domain.SessionConfig, png []byte) (string, domain.Usage, error) {
	result, err := s.gen.GenerateText(ctx, generation.Request{
		Operation: "page-ocr",
		Prompt:    ocrPrompt,
		Images: []llm.ImageAttachment{
			{MediaType: "image/png", Data: png},
		},
		Params:      ocrParams(s.visionModel),
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return "", domain.Usage{}, err
	}
	return result.Content, toDomainUsage(result.Usage), nil
}

// markPaper records a paper's terminal ingest status; persistence errors are
// logged, not fatal, because the in-memory state remains authoritative for
// the rest of the run.
func (s *IngestStage) markPaper(ctx context.Context, paper *domain.Paper, status domain.PaperStatus, failReason string, pageCount int) {
	paper.Status = status
	paper.FailReason = failReason
	paper.PageCount = pageCount
	if err := s.papers.UpdatePaperStatus(context.WithoutCancel(ctx), paper.ID, status, failReason, pageCount); err != nil {
		s.logger.Warn().Err(err).Str("arxiv_id", paper.ArxivID).Msg("failed to persist paper status")
	}
}

// sumItemUsage folds per-item usage into a stage total.
func sumItemUsage(items []domain.ItemResult) domain.Usage {
	var total domain.Usage
	for _, item := range items {
		total.Add(item.Usage)
	}
	return total
}
