// Package pipeline contains the session orchestrator: the ordered stage list,
// the bounded-concurrency batch runner, and the six stage implementations that
// turn a research query into paper artifacts.
package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds pipeline concurrency with two independent ceilings: one for
// batch items (papers) and one for nested sub-items (pages). Acquisition
// blocks until a slot frees or the context is cancelled.
type Limiter struct {
	papers *semaphore.Weighted
	pages  *semaphore.Weighted
}

// NewLimiter creates a limiter with the given ceilings. Non-positive ceilings
// are clamped to 1.
func NewLimiter(maxPapers, maxPages int) *Limiter {
	if maxPapers <= 0 {
		maxPapers = 1
	}
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Limiter{
		papers: semaphore.NewWeighted(int64(maxPapers)),
		pages:  semaphore.NewWeighted(int64(maxPages)),
	}
}

// WithPaper runs fn while holding a paper slot. The slot is released on every
// path out of fn, including panic.
func (l *Limiter) WithPaper(ctx context.Context, fn func() error) error {
	if err := l.papers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.papers.Release(1)
	return fn()
}

// WithPage runs fn while holding a page slot. The slot is released on every
// path out of fn, including panic.
func (l *Limiter) WithPage(ctx context.Context, fn func() error) error {
	if err := l.pages.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.pages.Release(1)
	return fn()
}
