package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ItemWorker processes one batch item identified by its index. The returned
// ItemResult's Index is set by the runner; workers fill Ref, Status, Usage and
// any per-item error text. A returned error marks the item failed.
type ItemWorker func(ctx context.Context, index int) (domain.ItemResult, error)

// BatchRunner fans a worker out over a batch under the paper ceiling. Results
// are index-stable and per-item failures never abort siblings.
type BatchRunner struct {
	limiter *Limiter
	logger  zerolog.Logger
}

// NewBatchRunner creates a batch runner using the given limiter.
func NewBatchRunner(limiter *Limiter, logger zerolog.Logger) *BatchRunner {
	return &BatchRunner{limiter: limiter, logger: logger}
}

// Run executes worker for each of n items concurrently, bounded by the paper
// ceiling. The returned slice has exactly n entries and results[i] corresponds
// to item i. Panics and errors inside a worker mark that item failed.
func (r *BatchRunner) Run(ctx context.Context, stage string, n int, worker ItemWorker) ([]domain.ItemResult, domain.StageStatus) {
	results := make([]domain.ItemResult, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.runItem(ctx, stage, idx, worker)
		}(i)
	}
	wg.Wait()

	return results, AggregateStatus(results)
}

// runItem runs one item inside a paper slot with panic isolation.
func (r *BatchRunner) runItem(ctx context.Context, stage string, idx int, worker ItemWorker) (result domain.ItemResult) {
	result = domain.ItemResult{Index: idx, Status: domain.ItemStatusFailed}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("stage", stage).
				Int("item_index", idx).
				Interface("panic", p).
				Msg("batch item panicked")
			result = domain.ItemResult{
				Index:  idx,
				Ref:    result.Ref,
				Status: domain.ItemStatusFailed,
				Error:  fmt.Sprintf("panic: %v", p),
			}
		}
	}()

	err := r.limiter.WithPaper(ctx, func() error {
		item, err := worker(ctx, idx)
		item.Index = idx
		if err != nil {
			item.Status = domain.ItemStatusFailed
			if item.Error == "" {
				item.Error = err.Error()
			}
		}
		result = item
		return nil
	})
	if err != nil {
		// Slot acquisition failed, usually cancellation.
		result.Error = err.Error()
	}
	return result
}

// AggregateStatus folds item results into a stage status: ok when every item
// succeeded, failed when none did, partial otherwise. Empty items are
// non-successes, so a batch of only empty results folds to failed.
func AggregateStatus(items []domain.ItemResult) domain.StageStatus {
	if len(items) == 0 {
		return domain.StageStatusOK
	}

	succeeded := 0
	for _, item := range items {
		if item.Status == domain.ItemStatusOK {
			succeeded++
		}
	}

	switch succeeded {
	case len(items):
		return domain.StageStatusOK
	case 0:
		return domain.StageStatusFailed
	default:
		return domain.StageStatusPartial
	}
}
