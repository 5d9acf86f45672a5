package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// SearchStage queries the paper source once per keyword, dedupes the hits by
// arXiv ID, keeps the most recent papers up to the session target, and
// persists them. Keyword searches run sequentially with a politeness delay
// between them.
type SearchStage struct {
	searcher  PaperSearcher
	papers    PaperStore
	sessions  SessionStore
	artifacts ArtifactStore
	publisher Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewSearchStage creates the paper-search stage.
func NewSearchStage(deps StageDeps) *SearchStage {
	return &SearchStage{
		searcher:  deps.Searcher,
		papers:    deps.Papers,
		sessions:  deps.Sessions,
		artifacts: deps.Artifacts,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Name implements Stage.
func (s *SearchStage) Name() string { return domain.StagePaperSearch }

// Skip implements Stage. The search stage always runs; a missing keyword list
// means the rewrite stage already failed the session.
func (s *SearchStage) Skip(*State) (string, bool) { return "", false }

// Run implements Stage.
func (s *SearchStage) Run(ctx context.Context, state *State) (*domain.StageResult, error) {
	cfg := state.Config
	session := state.Session

	// Per-keyword results are discovery order; papers accumulate across
	// keywords with first-seen winning on duplicate arXiv IDs.
	items := make([]domain.ItemResult, len(state.Keywords))
	seen := make(map[string]*domain.Paper)
	var discovered []*domain.Paper
	duplicates := 0

	for i, keyword := range state.Keywords {
		items[i] = domain.ItemResult{Index: i, Ref: keyword, Status: domain.ItemStatusOK}

		if i > 0 && cfg.KeywordDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.KeywordDelay):
			}
		}

		logger := observability.WithSearchContext(s.logger, keyword)
		found, err := s.searcher.Search(ctx, keyword, cfg.TargetPaperCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Msg("keyword search failed")
			items[i].Status = domain.ItemStatusFailed
			items[i].Error = err.Error()
			continue
		}
		if len(found) == 0 {
			items[i].Status = domain.ItemStatusEmpty
		}

		for _, paper := range found {
			if _, dup := seen[paper.ArxivID]; dup {
				duplicates++
				continue
			}
			paper.SessionID = session.ID
			paper.Keyword = keyword
			paper.Status = domain.PaperStatusFetched
			seen[paper.ArxivID] = paper
			discovered = append(discovered, paper)
		}
	}

	status := AggregateStatus(items)
	if len(discovered) == 0 {
		msg := "no papers found for any keyword"
		if allItemsFailed(items) {
			msg = "every keyword search failed"
		}
		return &domain.StageResult{Status: domain.StageStatusFailed, Items: items},
			fmt.Errorf("%s", msg)
	}

	// Most recent first; papers without a publication date sort last.
	sort.SliceStable(discovered, func(a, b int) bool {
		pa, pb := discovered[a].Published, discovered[b].Published
		switch {
		case pa == nil:
			return false
		case pb == nil:
			return true
		default:
			return pa.After(*pb)
		}
	})
	if len(discovered) > cfg.TargetPaperCount {
		discovered = discovered[:cfg.TargetPaperCount]
	}

	// Below the synthesis floor is the stronger reason; below target still
	// marks the session insufficient even though synthesis can proceed.
	switch {
	case len(discovered) < cfg.MinSynthesisInputs:
		state.MarkInsufficient(fmt.Sprintf(
			"only %d papers found, %d required for synthesis",
			len(discovered), cfg.MinSynthesisInputs,
		))
	case len(discovered) < cfg.TargetPaperCount:
		state.MarkInsufficient(fmt.Sprintf(
			"only %d papers found, target is %d",
			len(discovered), cfg.TargetPaperCount,
		))
	}

	if err := s.papers.CreatePapers(ctx, discovered); err != nil {
		return nil, fmt.Errorf("failed to persist papers: %w", err)
	}
	session.PapersFoundCount = len(discovered)
	if err := s.sessions.UpdatePaperCounts(ctx, session.ID, len(discovered), 0, 0); err != nil {
		return nil, fmt.Errorf("failed to update paper counts: %w", err)
	}

	value, err := json.Marshal(discovered)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal papers artifact: %w", err)
	}
	if err := s.artifacts.Put(ctx, session.ID, s.Name(), "", value); err != nil {
		return nil, fmt.Errorf("failed to store papers artifact: %w", err)
	}

	state.Papers = discovered
	s.metrics.RecordPapersDiscovered(len(discovered))
	s.metrics.RecordPaperDuplicates(duplicates)
	s.publishDiscovered(ctx, state)

	return &domain.StageResult{Status: status, Items: items}, nil
}

func allItemsFailed(items []domain.ItemResult) bool {
	for _, item := range items {
		if item.Status != domain.ItemStatusFailed {
			return false
		}
	}
	return true
}

func (s *SearchStage) publishDiscovered(ctx context.Context, state *State) {
	if s.publisher == nil {
		return
	}
	event, err := domain.NewProgressEvent(domain.EventTypePapersDiscovered, state.Session.ID, domain.SessionEventPayload{
		Status:      state.Session.Status,
		PapersFound: len(state.Papers),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build papers event")
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish papers event")
	}
}
