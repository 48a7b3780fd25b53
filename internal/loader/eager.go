package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/ingest"
	"golang.org/x/sync/errgroup"
)

// Stage labels reported through ProgressFunc.
const (
	StageFetch = "fetch"
	StageIndex = "index"
)

// Result is a materialized tree plus any tolerated shard failures.
type Result struct {
	Tree    *graph.Tree
	Loaded  int
	Partial *PartialLoadError
}

// LoadAll fetches every shard of m, merges them in manifest order and indexes
// the result into a new tree. It succeeds when at least one shard loaded;
// failed shards are reported in Result.Partial. When none loaded the error
// wraps ErrTotalLoadFailure.
func (l *Loader) LoadAll(ctx context.Context, m *api.Manifest, alloc *graph.IDAllocator) (*Result, error) {
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no files", graph.ErrStructural)
	}
	total := len(m.Files)
	// Each shard owns its slot, so merge order never depends on completion order.
	bodies := make([]any, total)
	errs := make([]error, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency())
	var done atomic.Int32
	l.progress(StageFetch, 0, total)
	for i, f := range m.Files {
		g.Go(func() error {
			body, err := l.cfg.Cache.Get(gctx, f.Filename)
			if err == nil {
				err = checkShard(f.Filename, body)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs[i] = err
				l.log.Warn().Err(err).Str("file", f.Filename).Msg("shard failed")
			} else {
				bodies[i] = body
			}
			l.progress(StageFetch, int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ok := make([]any, 0, total)
	partial := &PartialLoadError{Total: total}
	for i, f := range m.Files {
		if errs[i] != nil {
			partial.Failed = append(partial.Failed, f.Filename)
			partial.Errs = append(partial.Errs, errs[i])
			continue
		}
		ok = append(ok, bodies[i])
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("%w: all %d shards failed: %w", ErrTotalLoadFailure, total, errors.Join(partial.Errs...))
	}
	res := &Result{Loaded: len(ok)}
	if len(partial.Failed) > 0 {
		res.Partial = partial
		l.log.Warn().Int("failed", len(partial.Failed)).Int("total", total).Msg("partial load")
	}

	merged, err := ingest.MergeShards(ok, m.RootName)
	if err != nil {
		return nil, err
	}
	opts := ingest.RootOptions(alloc)
	opts.Progress = func(done, total int) { l.progress(StageIndex, done, total) }
	frag, err := l.cfg.Indexer.Index(ctx, merged, opts)
	if err != nil {
		return nil, err
	}
	t, err := graph.NewTreeFromFragment(frag, alloc)
	if err != nil {
		return nil, err
	}
	res.Tree = t
	l.log.Info().Int("shards", res.Loaded).Int("nodes", t.Len()).Msg("eager load complete")
	return res, nil
}

// checkShard rejects bodies no schema can read.
func checkShard(filename string, body any) error {
	switch body.(type) {
	case map[string]any, []any:
		return nil
	default:
		return fmt.Errorf("%w: %s: %w", chunk.ErrParse, filename, ingest.ErrShape)
	}
}
