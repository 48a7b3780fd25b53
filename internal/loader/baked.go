package loader

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/ingest"
	"golang.org/x/sync/errgroup"
)

// StageRehydrate is reported while flat records are linked.
const StageRehydrate = "rehydrate"

// LoadBaked fetches every flat file of a pre-laid-out dataset and rehydrates
// one tree. IDs are split across files, so any failed file is fatal.
func (l *Loader) LoadBaked(ctx context.Context, m *api.BakedManifest, alloc *graph.IDAllocator) (*graph.Tree, error) {
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: baked manifest lists no files", graph.ErrStructural)
	}
	total := len(m.Files)
	parts := make([][]api.FlatNode, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency())
	var done atomic.Int32
	l.progress(StageFetch, 0, total)
	for i, f := range m.Files {
		g.Go(func() error {
			body, err := l.cfg.Cache.Get(gctx, f.Filename)
			if err != nil {
				return fmt.Errorf("baked file %s: %w", f.Filename, err)
			}
			flat, err := ingest.DecodeFlat(body)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", chunk.ErrParse, f.Filename, err)
			}
			parts[i] = flat
			l.progress(StageFetch, int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, p := range parts {
		n += len(p)
	}
	all := make([]api.FlatNode, 0, n)
	for _, p := range parts {
		all = append(all, p...)
	}
	if m.TotalNodes > 0 && m.TotalNodes != n {
		l.log.Warn().Int("declared", m.TotalNodes).Int("read", n).Msg("baked node count mismatch")
	}

	l.progress(StageRehydrate, 0, n)
	t, err := l.cfg.Indexer.Rehydrate(ctx, all, alloc)
	if err != nil {
		return nil, err
	}
	l.progress(StageRehydrate, n, n)
	l.log.Info().Int("files", total).Int("nodes", t.Len()).Msg("baked load complete")
	return t, nil
}
