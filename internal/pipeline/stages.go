package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// PaperSearcher finds papers for one keyword.
type PaperSearcher interface {
	Search(ctx context.Context, keyword string, maxResults int) ([]*domain.Paper, error)
}

// PDFFetcher downloads a paper's PDF.
type PDFFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Rasterizer renders a PDF into one PNG image per page.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([][]byte, error)
}

// PaperStore persists discovered papers and their processing status.
type PaperStore interface {
	CreatePapers(ctx context.Context, papers []*domain.Paper) error
	UpdatePaperStatus(ctx context.Context, id uuid.UUID, status domain.PaperStatus, failReason string, pageCount int) error
}

// StageDeps carries the shared dependencies for building the stage list.
// Stages are stateless across sessions; per-session data lives in State.
type StageDeps struct {
	Generator  *generation.Client
	Searcher   PaperSearcher
	Fetcher    PDFFetcher
	Rasterizer Rasterizer
	Papers     PaperStore
	Sessions   SessionStore
	Artifacts  ArtifactStore
	Publisher  Publisher
	Logger     zerolog.Logger
	Metrics    *observability.Metrics

	// VisionModel is the model used for page transcription.
	VisionModel string
}

// NewStages builds the pipeline's stage list in execution order.
func NewStages(deps StageDeps) []Stage {
	return []Stage{
		NewRewriteStage(deps),
		NewSearchStage(deps),
		NewIngestStage(deps),
		NewMarkdownStage(deps),
		NewExtractStage(deps),
		NewSynthesisStage(deps),
	}
}

// Sampling schedules per operation. Later attempts lower the temperature
// toward the floor, trading exploration for format compliance.
func rewriteParams(cfg domain.SessionConfig) generation.Params {
	return generation.Params{
		Temperature:      0.5,
		TemperatureFloor: 0.3,
		TemperatureStep:  0.1,
		MaxTokens:        1024,
		Model:            cfg.LLMModel,
	}
}

func extractionParams(cfg domain.SessionConfig) generation.Params {
	return generation.Params{
		Temperature:      0.2,
		TemperatureFloor: 0.1,
		TemperatureStep:  0.05,
		MaxTokens:        8192,
		Model:            cfg.LLMModel,
	}
}

func synthesisParams(cfg domain.SessionConfig) generation.Params {
	return generation.Params{
		Temperature:      0.15,
		TemperatureFloor: 0.05,
		TemperatureStep:  0.05,
		MaxTokens:        8192,
		Model:            cfg.LLMModel,
	}
}

func ocrParams(visionModel string) generation.Params {
	return generation.Params{
		Temperature: 0,
		MaxTokens:   8192,
		Model:       visionModel,
	}
}

// toDomainUsage converts provider usage into the domain representation.
func toDomainUsage(u llm.Usage) domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
