package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// extractedTextHeading separates the metadata header from the transcribed
// pages in an emitted document. Downstream consumers locate the body by it.
const extractedTextHeading = "## Extracted Text"

// MarkdownStage assembles each ingested paper's page transcriptions into a
// single markdown document. It is purely mechanical; no model calls.
type MarkdownStage struct {
	artifacts ArtifactStore
	logger    zerolog.Logger
}

// NewMarkdownStage creates the markdown-emit stage.
func NewMarkdownStage(deps StageDeps) *MarkdownStage {
	return &MarkdownStage{artifacts: deps.Artifacts, logger: deps.Logger}
}

// Name implements Stage.
func (s *MarkdownStage) Name() string { return domain.StageMarkdownEmit }

// Skip implements Stage.
func (s *MarkdownStage) Skip(state *State) (string, bool) {
	if len(state.IngestedPapers()) == 0 {
		return "no papers were ingested", true
	}
	return "", false
}

// Run implements Stage.
func (s *MarkdownStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	papers := state.IngestedPapers()
	items := make([]domain.ItemResult, 0, len(papers))

	for i, paper := range papers {
		item := domain.ItemResult{Index: i, Ref: paper.ArxivID, Status: domain.ItemStatusOK}
		doc := renderPaperDocument(paper, state.Pages[paper.ID])

		value, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document for %s: %w", paper.ArxivID, err)
		}
		if err := s.artifacts.Put(ctx, state.Session.ID, s.Name(), paper.ArxivID, value); err != nil {
			return nil, fmt.Errorf("failed to store document for %s: %w", paper.ArxivID, err)
		}
		state.Markdown[paper.ID] = doc
		items = append(items, item)
	}

	s.logger.Info().Int("documents", len(items)).Msg("markdown documents emitted")
	return &domain.StageResult{Status: domain.StageStatusOK, Items: items}, nil
}

// renderPaperDocument produces the per-paper markdown document: a metadata
// header followed by the transcribed pages in order.
func renderPaperDocument(paper *domain.Paper, pages []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", paper.Title)
	fmt.Fprintf(&b, "- arXiv: %s\n", paper.ArxivID)
	if len(paper.Authors) > 0 {
		fmt.Fprintf(&b, "- Authors: %s\n", strings.Join(paper.Authors, ", "))
	}
	if paper.Published != nil {
		fmt.Fprintf(&b, "- Published: %s\n", paper.Published.Format(time.DateOnly))
	}
	if paper.Keyword != "" {
		fmt.Fprintf(&b, "- Found via: %s\n", paper.Keyword)
	}
	b.WriteString("\n")
	b.WriteString(extractedTextHeading)
	b.WriteString("\n\n")

	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(page))
	}
	b.WriteString("\n")

	return b.String()
}
