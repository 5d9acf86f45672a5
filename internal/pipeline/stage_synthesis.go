package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/generation"
)

// synthesisSampleSize is how many methodologies are combined per synthesis.
const synthesisSampleSize = 3

const synthesisSystemPrompt = `You are a research innovation strategist. You will receive the methodologies of several papers, labelled Module A, Module B, and so on. Propose a novel research direction that combines ideas across the modules: state the combined idea, why the combination is non-obvious, and a concrete experimental plan to validate it.

If the modules are too similar or too disjoint to combine meaningfully, respond with the single word SKIPPED followed by a short reason.

Otherwise respond with exactly two fenced blocks. The first names the output file:

` + "```path\ninnovation.md\n```" + `

The second carries the proposal:

` + "```markdown\n## Proposed Direction\n...\n```" + `
`

// SynthesisStage samples extracted methodologies and asks the model for a
// cross-paper innovation proposal, the session's final artifact.
type SynthesisStage struct {
	gen       *generation.Client
	artifacts ArtifactStore
	logger    zerolog.Logger
}

// NewSynthesisStage creates the innovation-synthesis stage.
func NewSynthesisStage(deps StageDeps) *SynthesisStage {
	return &SynthesisStage{gen: deps.Generator, artifacts: deps.Artifacts, logger: deps.Logger}
}

// Name implements Stage.
func (s *SynthesisStage) Name() string { return domain.StageInnovationSynth }

// Skip implements Stage.
func (s *SynthesisStage) Skip(state *State) (string, bool) {
	eligible := len(state.EligibleMethodologies())
	if eligible < state.Config.MinSynthesisInputs {
		reason := fmt.Sprintf(
			"only %d methodologies extracted, %d required for synthesis",
			eligible, state.Config.MinSynthesisInputs,
		)
		state.MarkInsufficient(reason)
		return reason, true
	}
	return "", false
}

// Run implements Stage.
func (s *SynthesisStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	cfg := state.Config
	sample := sampleMethodologies(state.EligibleMethodologies(), synthesisSampleSize)

	refs := make([]string, len(sample))
	for i, m := range sample {
		refs[i] = m.Paper.ArxivID
	}
	s.logger.Info().Strs("papers", refs).Msg("synthesizing innovation proposal")

	result, err := s.gen.Generate(ctx, generation.Request{
		Operation:   "innovation-synthesis",
		System:      synthesisSystemPrompt,
		Prompt:      renderSynthesisPrompt(sample),
		ContentTag:  "markdown",
		Params:      synthesisParams(cfg),
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return &domain.StageResult{Status: domain.StageStatusFailed}, err
	}

	item := domain.ItemResult{Ref: strings.Join(refs, "+"), Status: domain.ItemStatusOK, Usage: toDomainUsage(result.Usage)}
	usage := item.Usage

	if result.Skipped {
		state.MarkInsufficient(fmt.Sprintf("synthesis declined: %s", result.SkipReason))
		item.Status = domain.ItemStatusEmpty
		item.Error = result.SkipReason
		return &domain.StageResult{
			Status: domain.StageStatusOK,
			Items:  []domain.ItemResult{item},
			Usage:  usage,
		}, nil
	}

	proposal := struct {
		Papers  []string `json:"papers"`
		Path    string   `json:"path"`
		Content string   `json:"content"`
	}{Papers: refs, Path: result.Path, Content: result.Content}

	value, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal: %w", err)
	}
	if err := s.artifacts.Put(ctx, state.Session.ID, s.Name(), "", value); err != nil {
		return nil, fmt.Errorf("failed to store proposal: %w", err)
	}

	return &domain.StageResult{
		Status: domain.StageStatusOK,
		Items:  []domain.ItemResult{item},
		Usage:  usage,
	}, nil
}

// sampleMethodologies picks up to n methodologies uniformly without
// replacement, preserving discovery order in the result.
func sampleMethodologies(pool []Methodology, n int) []Methodology {
	if len(pool) <= n {
		return pool
	}
	indices := rand.Perm(len(pool))[:n]
	sort.Ints(indices)
	picked := make([]Methodology, 0, n)
	for _, idx := range indices {
		picked = append(picked, pool[idx])
	}
	return picked
}

// renderSynthesisPrompt labels each methodology Module A, Module B, ... and
// concatenates them for the model.
func renderSynthesisPrompt(sample []Methodology) string {
	var b strings.Builder
	b.WriteString("Combine the following methodologies into a novel research direction.\n")
	for i, m := range sample {
		fmt.Fprintf(&b, "\n## Module %c: %s (%s)\n\n%s\n", 'A'+i, m.Paper.Title, m.Paper.ArxivID, m.Content)
	}
	return b.String()
}
