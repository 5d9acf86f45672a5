package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

const extractSystemPrompt = `You are a research methodology analyst. Given the full markdown text of an academic paper, extract its methodology: the problem formulation, the approach, the experimental setup, and the evaluation protocol. Write a self-contained markdown summary that a reader can follow without the paper.

If the paper contains no identifiable methodology, respond with the single word SKIPPED followed by a short reason.

Otherwise respond with exactly two fenced blocks. The first names the output file:

` + "```path\nmethodology.md\n```" + `

The second carries the summary:

` + "```markdown\n## Methodology\n...\n```" + `
`

// ExtractStage runs methodology extraction over every emitted document.
// Papers whose markdown is too short to carry a methodology are marked empty
// without spending a model call.
type ExtractStage struct {
	gen       *generation.Client
	artifacts ArtifactStore
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewExtractStage creates the methodology-extract stage.
func NewExtractStage(deps StageDeps) *ExtractStage {
	return &ExtractStage{
		gen:       deps.Generator,
		artifacts: deps.Artifacts,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Name implements Stage.
func (s *ExtractStage) Name() string { return domain.StageMethodologyExtract }

// Skip implements Stage.
func (s *ExtractStage) Skip(state *State) (string, bool) {
	if len(state.Markdown) == 0 {
		return "no documents were emitted", true
	}
	return "", false
}

// Run implements Stage.
func (s *ExtractStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	cfg := state.Config
	papers := state.IngestedPapers()

	limiter := NewLimiter(cfg.MaxConcurrentPapers, cfg.MaxConcurrentPages)
	runner := NewBatchRunner(limiter, s.logger)

	methodologies := make([]Methodology, len(papers))

	items, status := runner.Run(ctx, s.Name(), len(papers), func(ctx context.Context, idx int) (domain.ItemResult, error) {
		paper := papers[idx]
		item := domain.ItemResult{Ref: paper.ArxivID, Status: domain.ItemStatusOK}
		methodologies[idx] = Methodology{Paper: paper, Status: domain.ItemStatusEmpty}

		markdown := state.Markdown[paper.ID]
		if len(markdown) < cfg.MinMethodologyChars {
			s.logger.Debug().
				Str("arxiv_id", paper.ArxivID).
				Int("chars", len(markdown)).
				Msg("document too short for extraction")
			item.Status = domain.ItemStatusEmpty
			return item, nil
		}

		result, err := s.gen.Generate(ctx, generation.Request{
			Operation:   "methodology-extract",
			System:      extractSystemPrompt,
			Prompt:      fmt.Sprintf("Extract the methodology from the following paper.\n\n---\n%s\n---", markdown),
			ContentTag:  "markdown",
			Params:      extractionParams(cfg),
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			var terminal *generation.TerminalGenerationError
			if errors.As(err, &terminal) {
				item.Usage = toDomainUsage(terminal.LastUsage)
			}
			return item, err
		}
		item.Usage = toDomainUsage(result.Usage)

		if result.Skipped {
			s.logger.Info().
				Str("arxiv_id", paper.ArxivID).
				Str("reason", result.SkipReason).
				Msg("model declined methodology extraction")
			item.Status = domain.ItemStatusEmpty
			return item, nil
		}
		if len(result.Content) < cfg.MinMethodologyChars {
			item.Status = domain.ItemStatusEmpty
			return item, nil
		}

		value, err := json.Marshal(result.Content)
		if err != nil {
			return item, err
		}
		if err := s.artifacts.Put(ctx, state.Session.ID, s.Name(), paper.ArxivID, value); err != nil {
			return item, fmt.Errorf("failed to store methodology for %s: %w", paper.ArxivID, err)
		}

		methodologies[idx] = Methodology{Paper: paper, Content: result.Content, Status: domain.ItemStatusOK}
		return item, nil
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, m := range methodologies {
		if m.Paper != nil {
			state.Methodologies = append(state.Methodologies, m)
		}
	}

	result := &domain.StageResult{Status: status, Items: items, Usage: sumItemUsage(items)}
	if status == domain.StageStatusFailed {
		msg := "no methodologies were extracted"
		if allItemsFailed(items) {
			msg = "every methodology extraction failed"
		}
		return result, errors.New(msg)
	}
	return result, nil
}
