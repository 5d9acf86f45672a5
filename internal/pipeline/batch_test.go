package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

func newTestRunner() *BatchRunner {
	return NewBatchRunner(NewLimiter(4, 4), zerolog.Nop())
}

func TestBatchRunnerResultsAreIndexStable(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	const n = 12

	results, status := runner.Run(context.Background(), "test-stage", n, func(_ context.Context, idx int) (domain.ItemResult, error) {
		return domain.ItemResult{Ref: fmt.Sprintf("item-%d", idx), Status: domain.ItemStatusOK}, nil
	})

	require.Len(t, results, n)
	assert.Equal(t, domain.StageStatusOK, status)
	for i, item := range results {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, fmt.Sprintf("item-%d", i), item.Ref)
	}
}

func TestBatchRunnerIsolatesPanics(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	panicAt := map[int]bool{2: true, 5: true}

	results, status := runner.Run(context.Background(), "test-stage", 8, func(_ context.Context, idx int) (domain.ItemResult, error) {
		if panicAt[idx] {
			panic(fmt.Sprintf("worker %d exploded", idx))
		}
		return domain.ItemResult{Status: domain.ItemStatusOK}, nil
	})

	require.Len(t, results, 8)
	assert.Equal(t, domain.StageStatusPartial, status)
	for i, item := range results {
		if panicAt[i] {
			assert.Equal(t, domain.ItemStatusFailed, item.Status)
			assert.Contains(t, item.Error, "panic")
		} else {
			assert.Equal(t, domain.ItemStatusOK, item.Status)
		}
	}
}

func TestBatchRunnerMarksWorkerErrorsFailed(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()

	results, status := runner.Run(context.Background(), "test-stage", 3, func(_ context.Context, idx int) (domain.ItemResult, error) {
		item := domain.ItemResult{Ref: fmt.Sprintf("item-%d", idx), Status: domain.ItemStatusOK}
		if idx == 1 {
			return item, errors.New("download failed")
		}
		return item, nil
	})

	assert.Equal(t, domain.StageStatusPartial, status)
	assert.Equal(t, domain.ItemStatusFailed, results[1].Status)
	assert.Equal(t, "download failed", results[1].Error)
	// Ref set by the worker survives the failure.
	assert.Equal(t, "item-1", results[1].Ref)
}

func TestBatchRunnerZeroItems(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()

	results, status := runner.Run(context.Background(), "test-stage", 0, func(_ context.Context, _ int) (domain.ItemResult, error) {
		t.Error("worker must not run for an empty batch")
		return domain.ItemResult{}, nil
	})

	assert.Empty(t, results)
	assert.Equal(t, domain.StageStatusOK, status)
}

func TestAggregateStatus(t *testing.T) {
	t.Parallel()

	ok := domain.ItemResult{Status: domain.ItemStatusOK}
	empty := domain.ItemResult{Status: domain.ItemStatusEmpty}
	failed := domain.ItemResult{Status: domain.ItemStatusFailed}

	tests := []struct {
		name  string
		items []domain.ItemResult
		want  domain.StageStatus
	}{
		{name: "no items", items: nil, want: domain.StageStatusOK},
		{name: "all ok", items: []domain.ItemResult{ok, ok}, want: domain.StageStatusOK},
		{name: "empty is a non-success", items: []domain.ItemResult{ok, empty}, want: domain.StageStatusPartial},
		{name: "all empty", items: []domain.ItemResult{empty, empty}, want: domain.StageStatusFailed},
		{name: "some failed", items: []domain.ItemResult{ok, failed, empty}, want: domain.StageStatusPartial},
		{name: "all failed", items: []domain.ItemResult{failed, failed}, want: domain.StageStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, AggregateStatus(tt.items))
		})
	}
}
