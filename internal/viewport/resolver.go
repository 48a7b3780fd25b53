// Package viewport resolves the stubs a viewer can currently see.
package viewport

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/ingest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	MinConcurrency       = 3
	DefaultStubMargin    = 1.5
	DefaultPrewarmMargin = 2.5
)

// TreeSource yields the tree of the current session. graph.HotSwap
// implements it.
type TreeSource interface {
	Current() *graph.Tree
}

// Config wires a Resolver.
type Config struct {
	Trees   TreeSource
	Cache   *chunk.Cache
	Indexer *ingest.Indexer

	Concurrency   int
	StubMargin    float64
	PrewarmMargin float64

	// Normalize shapes a fetched body into a structured subtree rooted at
	// the stub's name. Nil means ingest.NormalizeSubtree.
	Normalize func(body any, stubName string) (map[string]any, error)

	// OnResolved runs after each stub is grafted, outside the tree lock.
	OnResolved func(t *graph.Tree, id graph.NodeID)
	Logger     zerolog.Logger
}

// Resolver fetches visible stubs and splices their subtrees in place.
type Resolver struct {
	cfg   Config
	log   zerolog.Logger
	group singleflight.Group
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Concurrency < MinConcurrency {
		cfg.Concurrency = MinConcurrency
	}
	if cfg.StubMargin <= 0 {
		cfg.StubMargin = DefaultStubMargin
	}
	if cfg.PrewarmMargin <= 0 {
		cfg.PrewarmMargin = DefaultPrewarmMargin
	}
	if cfg.Indexer == nil {
		cfg.Indexer = ingest.NewIndexer(ingest.IndexerConfig{Logger: cfg.Logger})
	}
	if cfg.Normalize == nil {
		cfg.Normalize = ingest.NormalizeSubtree
	}
	return &Resolver{cfg: cfg, log: cfg.Logger}
}

type candidate struct {
	id   graph.NodeID
	dist float64
}

// candidates walks the tree and returns the unresolved stubs whose circles
// meet the stub rectangle, nearest to the viewport center first. Nodes
// outside the wider prewarm rectangle are not descended into; nodes without
// layout are invisible.
func (r *Resolver) candidates(t *graph.Tree, view Rect) []candidate {
	stubRect := view.Expand(r.cfg.StubMargin)
	warmRect := view.Expand(r.cfg.PrewarmMargin)

	var out []candidate
	t.Read(func(v graph.View) {
		v.Walk(v.Root(), func(n *graph.Node) bool {
			l := n.Layout
			if l == nil {
				return false
			}
			if n.IsStub() && !n.Loading && stubRect.IntersectsCircle(l.X, l.Y, l.R) {
				out = append(out, candidate{id: n.ID, dist: view.Distance(l.X, l.Y)})
			}
			// Skeleton stubs can hold stub children of their own.
			return warmRect.IntersectsCircle(l.X, l.Y, l.R)
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

// ResolveVisible resolves every stub visible in view with bounded
// concurrency and returns how many were resolved. A failing stub is logged
// and left retryable; it never aborts the others.
func (r *Resolver) ResolveVisible(ctx context.Context, view Rect) (int, error) {
	t := r.cfg.Trees.Current()
	if t == nil {
		return 0, nil
	}
	cands := r.candidates(t, view)
	scanCandidates.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return 0, nil
	}

	var resolved atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := r.resolve(ctx, t, c.id)
			if err != nil {
				r.log.Warn().Err(err).Int64("node", int64(c.id)).Msg("stub resolution failed")
				return nil
			}
			if ok {
				resolved.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // per-stub errors are logged above
	return int(resolved.Load()), ctx.Err()
}

// Resolve resolves one stub of the current tree. Concurrent calls for the
// same node share one resolution. Resolving a node that is not a stub
// returns graph.ErrNotStub and changes nothing.
func (r *Resolver) Resolve(ctx context.Context, id graph.NodeID) error {
	t := r.cfg.Trees.Current()
	if t == nil {
		return graph.ErrNotFound
	}
	_, err := r.resolve(ctx, t, id)
	return err
}

// resolve reports true only to the caller whose flight did the work, so
// concurrent scans never count the same stub twice. Flights are keyed by
// tree as well as node, since ids repeat across loads.
func (r *Resolver) resolve(ctx context.Context, t *graph.Tree, id graph.NodeID) (bool, error) {
	ran := false
	v, err, _ := r.group.Do(fmt.Sprintf("%p/%d", t, id), func() (any, error) {
		ran = true
		return r.resolveOnce(ctx, t, id)
	})
	ok, _ := v.(bool)
	return ran && ok, err
}

// resolveOnce runs Stub -> Loading -> Resolved, or back to Stub on failure.
// It reports false when another resolver already holds the stub.
func (r *Resolver) resolveOnce(ctx context.Context, t *graph.Tree, id graph.NodeID) (bool, error) {
	ok, err := t.MarkLoading(id)
	if err != nil || !ok {
		return false, err
	}
	if err := r.fill(ctx, t, id); err != nil {
		t.ClearLoading(id)
		stubFailuresTotal.Inc()
		return false, err
	}
	stubsResolvedTotal.Inc()
	if r.cfg.OnResolved != nil {
		r.cfg.OnResolved(t, id)
	}
	return true, nil
}

func (r *Resolver) fill(ctx context.Context, t *graph.Tree, id graph.NodeID) error {
	stub, err := t.Get(id)
	if err != nil {
		return err
	}
	if stub.Stub == nil {
		return graph.ErrNotStub
	}
	var existing []string
	t.Read(func(v graph.View) {
		for _, c := range stub.Children {
			if n := v.Node(c); n != nil {
				existing = append(existing, n.Name)
			}
		}
	})

	body, err := r.cfg.Cache.Get(ctx, stub.Stub.ChunkFile)
	if err != nil {
		return err
	}
	sub, err := r.cfg.Normalize(body, stub.Name)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", chunk.ErrParse, stub.Stub.ChunkFile, err)
	}
	opts := ingest.StubOptions(t.Allocator(), stub, existing)
	if stub.Parent != graph.NoNode {
		if opts.PathPrefix, err = t.Breadcrumb(stub.Parent); err != nil {
			return err
		}
	}
	frag, err := r.cfg.Indexer.Index(ctx, sub, opts)
	if err != nil {
		return err
	}
	if err := t.Graft(id, frag); err != nil {
		return err
	}
	r.log.Debug().
		Int64("node", int64(id)).
		Str("file", stub.Stub.ChunkFile).
		Int("added", len(frag.Nodes)-1).
		Msg("stub resolved")
	return nil
}
