package ingest

import (
	"context"
	"runtime"
	"time"
)

// clockStride is how many nodes are processed between clock reads.
const clockStride = 256

// pacer bounds the unit of work between yields and reports coarse progress.
type pacer struct {
	budget     time.Duration
	foreground func() bool
	yield      func(ctx context.Context) error
	every      int
	progress   func(done, total int)

	total int
	done  int
	last  time.Time
}

func (ix *Indexer) newPacer(progress func(done, total int), total int) *pacer {
	yield := ix.cfg.Yield
	if yield == nil {
		yield = func(ctx context.Context) error {
			runtime.Gosched()
			return ctx.Err()
		}
	}
	return &pacer{
		budget:     ix.cfg.YieldBudget,
		foreground: ix.cfg.Foreground,
		yield:      yield,
		every:      ix.cfg.ProgressEvery,
		progress:   progress,
		total:      total,
		last:       time.Now(),
	}
}

// step accounts for one processed node and yields when the budget is spent.
// It never yields while the host is backgrounded.
func (p *pacer) step(ctx context.Context) error {
	p.done++
	if p.progress != nil && p.every > 0 && p.done%p.every == 0 {
		p.progress(p.done, max(p.total, p.done))
	}
	if p.done%clockStride != 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Since(p.last) < p.budget {
		return nil
	}
	if p.foreground != nil && !p.foreground() {
		p.last = time.Now()
		return nil
	}
	err := p.yield(ctx)
	p.last = time.Now()
	return err
}

func (p *pacer) finish() {
	if p.progress != nil {
		p.progress(p.done, max(p.total, p.done))
	}
}
