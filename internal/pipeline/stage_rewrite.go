package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
)

const rewriteSystemPrompt = `You are a research keyword extraction specialist with deep expertise in academic literature search. Your task is to rewrite a natural language research query into precise, searchable keywords for querying the arXiv API.

Guidelines:
1. Extract specific, searchable academic terms and phrases.
2. Avoid overly broad or generic terms (e.g., "study", "research", "analysis").
3. Prefer established scientific nomenclature used in the field.
4. Consider multi-word phrases that function as single concepts (e.g., "graph neural network").

You MUST respond with exactly two fenced code blocks and nothing else:

` + "```path\nkeywords.json\n```\n\n```json\n{\"keywords\": [\"keyword1\", \"keyword2\"]}\n```"

// rewriteOutput is the expected content of the rewrite stage's json block.
type rewriteOutput struct {
	Keywords []string `json:"keywords"`
}

// RewriteStage turns the session query into search keywords using a single
// structured generation call.
type RewriteStage struct {
	gen       *generation.Client
	artifacts ArtifactStore
	logger    zerolog.Logger
}

// NewRewriteStage creates the query-rewrite stage.
func NewRewriteStage(deps StageDeps) *RewriteStage {
	return &RewriteStage{
		gen:       deps.Generator,
		artifacts: deps.Artifacts,
		logger:    deps.Logger,
	}
}

// Name implements Stage.
func (s *RewriteStage) Name() string { return domain.StageQueryRewrite }

// Skip implements Stage. The rewrite stage always runs.
func (s *RewriteStage) Skip(*State) (string, bool) { return "", false }

// Run implements Stage.
func (s *RewriteStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	cfg := state.Config
	prompt := fmt.Sprintf(
		"Rewrite the following research query into exactly %d arXiv search keywords.\n\nQuery:\n---\n%s\n---",
		cfg.KeywordCount, state.Session.Query,
	)

	result, err := s.gen.Generate(ctx, generation.Request{
		Operation:   domain.StageQueryRewrite,
		System:      rewriteSystemPrompt,
		Prompt:      prompt,
		ContentTag:  "json",
		Params:      rewriteParams(cfg),
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if result.Skipped {
		return &domain.StageResult{Status: domain.StageStatusFailed, Usage: toDomainUsage(result.Usage)},
			fmt.Errorf("model declined to rewrite query: %s", result.SkipReason)
	}

	var out rewriteOutput
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		return &domain.StageResult{Status: domain.StageStatusFailed, Usage: toDomainUsage(result.Usage)},
			fmt.Errorf("rewrite output is not valid JSON: %w", err)
	}
	keywords := dedupeStrings(out.Keywords)
	if len(keywords) == 0 {
		return &domain.StageResult{Status: domain.StageStatusFailed, Usage: toDomainUsage(result.Usage)},
			fmt.Errorf("rewrite output contains no keywords")
	}
	if len(keywords) > cfg.KeywordCount {
		keywords = keywords[:cfg.KeywordCount]
	}

	value, err := json.Marshal(rewriteOutput{Keywords: keywords})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keywords artifact: %w", err)
	}
	if err := s.artifacts.Put(ctx, state.Session.ID, s.Name(), "", value); err != nil {
		return nil, fmt.Errorf("failed to store keywords artifact: %w", err)
	}

	state.Keywords = keywords
	return &domain.StageResult{
		Status: domain.StageStatusOK,
		Usage:  toDomainUsage(result.Usage),
	}, nil
}

// dedupeStrings removes empty and duplicate entries, preserving order.
func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
