// Package session runs one load of a dataset end to end. It detects what
// kind of manifest it was given, materializes the tree, hands it to the
// layout and render collaborators, and resolves stubs on demand afterwards.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/config"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/ingest"
	"github.com/agentic-research/taxa/internal/loader"
	"github.com/agentic-research/taxa/internal/viewport"
	"github.com/rs/zerolog"
)

// Kind names how a manifest was materialized.
type Kind string

const (
	KindEager  Kind = "eager"  // every shard fetched and merged
	KindLazy   Kind = "lazy"   // stub skeleton from manifest paths
	KindInline Kind = "inline" // manifest carries the top of the tree with lazy placeholders
	KindBaked  Kind = "baked"  // flat arrays with precomputed layout
)

// Load stages, 1-based as reported in Progress.
const (
	stageManifest = iota + 1
	stageFetch
	stageBuild
	stageLayout
	stageCount = stageLayout
)

// Progress is one report for a progress sink.
type Progress struct {
	Ratio  float64 // completion of the current stage in [0, 1]
	Label  string
	Stage  int
	Stages int
}

// LayoutFunc positions the nodes of t and returns the layout diameter.
type LayoutFunc func(t *graph.Tree) (float64, error)

// Options wires a Session to its collaborators. Only Fetcher is required.
type Options struct {
	Config  config.Config
	Fetcher chunk.Fetcher

	// Layout runs after every materialization and every stub resolution.
	// Baked datasets arrive laid out and skip it on load.
	Layout LayoutFunc
	// RebuildIndex runs after Layout whenever the tree changed shape.
	RebuildIndex func(t *graph.Tree)
	// Progress receives every report of every load.
	Progress func(Progress)
	// Foreground reports whether the host is visible; see ingest.IndexerConfig.
	Foreground func() bool
	// Parallelism overrides the detected CPU count for fetch concurrency.
	Parallelism int
	Logger      zerolog.Logger
}

// Result describes a finished load.
type Result struct {
	Kind     Kind
	Tree     *graph.Tree
	Diameter float64
	// Partial lists failed shards of an eager load that still succeeded.
	Partial *loader.PartialLoadError
}

// Session owns the live tree and everything that mutates it.
type Session struct {
	opts Options
	cfg  config.Config
	log  zerolog.Logger

	cache    *chunk.Cache
	indexer  *ingest.Indexer
	resolver *viewport.Resolver
	trees    *graph.HotSwap

	// inline is set while the current tree came from an inline manifest,
	// whose chunk files use the same hybrid node shape.
	inline atomic.Bool

	loadMu   sync.Mutex
	layoutMu sync.Mutex
}

// New builds a session. No tree exists until the first Load.
func New(opts Options) (*Session, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("session: no fetcher")
	}
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		opts:  opts,
		cfg:   cfg,
		log:   opts.Logger.With().Str("component", "session").Logger(),
		trees: graph.NewHotSwap(nil),
	}
	cache, err := chunk.NewCache(chunk.CacheConfig{
		Fetcher: opts.Fetcher,
		Retry:   s.retryPolicy(),
		Size:    cfg.CacheSize,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	s.indexer = ingest.NewIndexer(ingest.IndexerConfig{
		MaxNameLen:    cfg.MaxNameLen,
		YieldBudget:   cfg.YieldBudget,
		ProgressEvery: cfg.ProgressEvery,
		Foreground:    opts.Foreground,
		Logger:        opts.Logger,
	})
	s.resolver = viewport.NewResolver(viewport.Config{
		Trees:         s.trees,
		Cache:         cache,
		Indexer:       s.indexer,
		Concurrency:   cfg.ResolverConcurrency,
		StubMargin:    cfg.StubMargin,
		PrewarmMargin: cfg.PrewarmMargin,
		Normalize:     s.normalizeSubtree,
		OnResolved:    s.onResolved,
		Logger:        opts.Logger,
	})
	return s, nil
}

func (s *Session) retryPolicy() chunk.RetryPolicy {
	return chunk.RetryPolicy{
		MaxRetries:      s.cfg.MaxRetries,
		InitialInterval: s.cfg.BackoffInitial,
		MaxInterval:     s.cfg.BackoffMax,
		Timeout:         s.cfg.FetchTimeout,
	}
}

// Tree returns the live tree, or nil before the first successful load.
func (s *Session) Tree() *graph.Tree { return s.trees.Current() }

// Load materializes the dataset described by manifestFile and makes it the
// live tree. A failed load leaves the previous tree in place.
func (s *Session) Load(ctx context.Context, manifestFile string) (*Result, error) {
	return s.load(ctx, manifestFile, s.opts.Progress)
}

func (s *Session) load(ctx context.Context, manifestFile string, sink func(Progress)) (*Result, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	report := func(stage int, label string, done, total int) {
		if sink == nil {
			return
		}
		ratio := 1.0
		if total > 0 {
			ratio = float64(done) / float64(total)
		}
		sink(Progress{Ratio: ratio, Label: label, Stage: stage, Stages: stageCount})
	}

	report(stageManifest, "Fetching manifest", 0, 1)
	raw, err := chunk.Read(ctx, s.opts.Fetcher, manifestFile, s.retryPolicy(), s.log)
	if err != nil {
		return nil, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", chunk.ErrParse, manifestFile, err)
	}
	kind := detect(probe, s.cfg.Mode)
	report(stageManifest, "Fetching manifest", 1, 1)
	s.log.Info().Str("manifest", manifestFile).Str("kind", string(kind)).Msg("loading dataset")

	// A new load discards everything the previous one fetched.
	s.cache.Purge()
	ld := loader.New(loader.Config{
		Cache:               s.cache,
		Indexer:             s.indexer,
		ConcurrencyFloor:    s.cfg.ConcurrencyFloor,
		ConcurrencyCeiling:  s.cfg.ConcurrencyCeiling,
		ConcurrencyFallback: s.cfg.ConcurrencyFallback,
		Parallelism:         s.opts.Parallelism,
		Logger:              s.opts.Logger,
		Progress: func(stage string, done, total int) {
			switch stage {
			case loader.StageFetch:
				report(stageFetch, "Fetching shards", done, total)
			case loader.StageIndex:
				report(stageBuild, "Indexing", done, total)
			case loader.StageRehydrate:
				report(stageBuild, "Rehydrating", done, total)
			}
		},
	})

	alloc := graph.NewIDAllocator(0)
	res := &Result{Kind: kind}
	switch kind {
	case KindBaked:
		var m api.BakedManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", chunk.ErrParse, manifestFile, err)
		}
		if res.Tree, err = ld.LoadBaked(ctx, &m, alloc); err != nil {
			return nil, err
		}
		res.Diameter = m.LayoutSize
	case KindInline:
		if res.Tree, err = s.loadInline(ctx, manifestFile, raw, alloc, report); err != nil {
			return nil, err
		}
	case KindLazy:
		var m api.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", chunk.ErrParse, manifestFile, err)
		}
		report(stageBuild, "Building skeleton", 0, len(m.Files))
		if res.Tree, err = loader.BuildSkeleton(&m, alloc, s.cfg.MaxNameLen, s.opts.Logger); err != nil {
			return nil, err
		}
		report(stageBuild, "Building skeleton", len(m.Files), len(m.Files))
	default:
		var m api.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", chunk.ErrParse, manifestFile, err)
		}
		out, err := ld.LoadAll(ctx, &m, alloc)
		if err != nil {
			return nil, err
		}
		res.Tree, res.Partial = out.Tree, out.Partial
	}

	if kind != KindBaked && s.opts.Layout != nil {
		report(stageLayout, "Computing layout", 0, 1)
		s.layoutMu.Lock()
		res.Diameter, err = s.opts.Layout(res.Tree)
		s.layoutMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("layout: %w", err)
		}
	}
	report(stageLayout, "Ready", 1, 1)

	s.inline.Store(kind == KindInline)
	s.trees.Swap(res.Tree)
	if kind == KindEager || kind == KindBaked {
		// Nothing left to resolve; the bodies are dead weight.
		s.cache.Purge()
	}
	if s.opts.RebuildIndex != nil {
		s.opts.RebuildIndex(res.Tree)
	}
	st := res.Tree.Stats()
	s.log.Info().
		Str("kind", string(kind)).
		Int("nodes", st.Nodes).
		Int("stubs", st.Stubs).
		Int("leaves", st.Leaves).
		Msg("dataset loaded")
	return res, nil
}

func (s *Session) loadInline(ctx context.Context, manifestFile string, raw []byte, alloc *graph.IDAllocator, report func(int, string, int, int)) (*graph.Tree, error) {
	body, err := chunk.ParseJSON(manifestFile, raw)
	if err != nil {
		return nil, err
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w: %T", chunk.ErrParse, manifestFile, ingest.ErrShape, body)
	}
	opts := ingest.RootOptions(alloc)
	opts.Progress = func(done, total int) { report(stageBuild, "Indexing", done, total) }
	frag, err := s.indexer.Index(ctx, ingest.ExpandInline(m), opts)
	if err != nil {
		return nil, err
	}
	return graph.NewTreeFromFragment(frag, alloc)
}

// detect picks the load kind from the manifest's top-level keys. Baked and
// inline manifests are recognized by shape; mode only chooses between eager
// and lazy for path manifests.
func detect(probe map[string]json.RawMessage, mode string) Kind {
	if _, ok := probe["layout_size"]; ok {
		return KindBaked
	}
	_, hasName := probe["name"]
	_, hasChildren := probe["children"]
	if hasName || hasChildren {
		return KindInline
	}
	if filesLackPaths(probe["files"]) {
		return KindBaked
	}
	switch mode {
	case config.ModeEager:
		return KindEager
	case config.ModeLazy:
		return KindLazy
	}
	var version string
	_ = json.Unmarshal(probe["version"], &version)
	if strings.HasPrefix(version, "lazy") {
		return KindLazy
	}
	return KindEager
}

func filesLackPaths(raw json.RawMessage) bool {
	var files []map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &files) != nil || len(files) == 0 {
		return false
	}
	for _, f := range files {
		if _, ok := f["path"]; ok {
			return false
		}
	}
	return true
}

func (s *Session) normalizeSubtree(body any, stubName string) (map[string]any, error) {
	sub, err := ingest.NormalizeSubtree(body, stubName)
	if err != nil || !s.inline.Load() {
		return sub, err
	}
	return ingest.ExpandInline(sub), nil
}

// onResolved re-runs the collaborators after a stub grew a subtree.
func (s *Session) onResolved(t *graph.Tree, id graph.NodeID) {
	if s.opts.Layout != nil {
		s.layoutMu.Lock()
		_, err := s.opts.Layout(t)
		s.layoutMu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Int64("node", int64(id)).Msg("layout after resolution failed")
		}
	}
	if s.opts.RebuildIndex != nil {
		s.opts.RebuildIndex(t)
	}
}

// ResolveVisible resolves the stubs visible in view on the live tree.
func (s *Session) ResolveVisible(ctx context.Context, view viewport.Rect) (int, error) {
	return s.resolver.ResolveVisible(ctx, view)
}

// Scheduler returns a debounced viewport scheduler bound to this session.
// Close it when the viewer goes away.
func (s *Session) Scheduler(ctx context.Context, onScan func(view viewport.Rect, resolved int, err error)) *viewport.Scheduler {
	return viewport.NewScheduler(ctx, s.resolver, viewport.SchedulerConfig{
		Delay:          s.cfg.Debounce,
		RescanFraction: s.cfg.RescanFraction,
		OnScan:         onScan,
		Logger:         s.opts.Logger,
	})
}

// FindByPath returns the node reached from the root by the names in the
// breadcrumb path, resolving any stub whose children are needed on the way.
// When the root is synthetic the path may leave out its name.
func (s *Session) FindByPath(ctx context.Context, path string) (graph.NodeID, error) {
	t := s.trees.Current()
	segs := api.SplitPath(path)
	if t == nil || len(segs) == 0 {
		return graph.NoNode, fmt.Errorf("%w: %q", graph.ErrNotFound, path)
	}
	for i := range segs {
		segs[i] = ingest.TruncateName(segs[i], s.cfg.MaxNameLen)
	}
	cur := t.Root()
	root, err := t.Get(cur)
	if err != nil {
		return graph.NoNode, err
	}
	switch {
	case root.Name == segs[0]:
		segs = segs[1:]
	case !t.SyntheticRoot():
		return graph.NoNode, fmt.Errorf("%w: %q: root is %q", graph.ErrNotFound, path, root.Name)
	}
	for _, seg := range segs {
		next, err := t.FindChild(cur, seg)
		if errors.Is(err, graph.ErrNotFound) {
			n, gerr := t.Get(cur)
			if gerr != nil {
				return graph.NoNode, gerr
			}
			if !n.IsStub() {
				return graph.NoNode, fmt.Errorf("%w: %q: no %q under %q", graph.ErrNotFound, path, seg, n.Name)
			}
			if err := s.resolver.Resolve(ctx, cur); err != nil {
				return graph.NoNode, fmt.Errorf("resolve %q: %w", n.Name, err)
			}
			next, err = t.FindChild(cur, seg)
		}
		if err != nil {
			return graph.NoNode, fmt.Errorf("%w: %q: no %q", err, path, seg)
		}
		cur = next
	}
	return cur, nil
}
