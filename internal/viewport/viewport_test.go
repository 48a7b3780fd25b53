package viewport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() chunk.RetryPolicy {
	return chunk.RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Timeout: time.Second}
}

type fixture struct {
	tree    *graph.Tree
	swap    *graph.HotSwap
	res     *Resolver
	fetches atomic.Int32
	fail    atomic.Bool
	mu      sync.Mutex
	files   map[string]string
}

// lifeTree builds Life at the origin with two stub kingdoms:
// Animalia on the left, Plantae on the right.
func lifeTree(t *testing.T) *graph.Tree {
	t.Helper()
	tree := graph.NewTree(graph.NewIDAllocator(0))
	require.NoError(t, tree.AddRoot(&graph.Node{ID: 0, Name: "Life", Layout: &graph.Layout{X: 0, Y: 0, R: 100}}))
	require.NoError(t, tree.AddNode(&graph.Node{
		ID: 1, Name: "Animalia", Level: 1, Parent: 0,
		Stub:   &graph.StubRef{ChunkPath: "Life > Animalia", ChunkFile: "animalia.json"},
		Layout: &graph.Layout{X: -50, Y: 0, R: 40},
	}))
	require.NoError(t, tree.AddNode(&graph.Node{
		ID: 2, Name: "Plantae", Level: 1, Parent: 0,
		Stub:   &graph.StubRef{ChunkPath: "Life > Plantae", ChunkFile: "plantae.json"},
		Layout: &graph.Layout{X: 50, Y: 0, R: 40},
	}))
	tree.RecomputeLeafCounts()
	require.NoError(t, tree.Validate())
	return tree
}

// newFixture serves the kingdoms of lifeTree from memory.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{files: map[string]string{
		"animalia.json": `{"name":"Animalia","children":[{"name":"Chordata"}]}`,
		"plantae.json":  `{"Plantae":{"Bryophyta":null,"Tracheophyta":null,"Chlorophyta":null}}`,
	}}

	tree := lifeTree(t)

	f := chunk.FetcherFunc(func(ctx context.Context, name string) ([]byte, error) {
		fx.fetches.Add(1)
		if fx.fail.Load() {
			return nil, chunk.ErrMissing
		}
		fx.mu.Lock()
		defer fx.mu.Unlock()
		body, ok := fx.files[name]
		if !ok {
			return nil, chunk.ErrMissing
		}
		return []byte(body), nil
	})
	cache, err := chunk.NewCache(chunk.CacheConfig{Fetcher: f, Retry: fastRetry()})
	require.NoError(t, err)

	fx.tree = tree
	fx.swap = graph.NewHotSwap(tree)
	fx.res = NewResolver(Config{Trees: fx.swap, Cache: cache})
	return fx
}

func TestRect(t *testing.T) {
	r := Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}
	assert.Equal(t, Rect{MinX: -15, MinY: -15, MaxX: 15, MaxY: 15}, r.Expand(1.5))
	assert.True(t, r.IntersectsCircle(0, 0, 1))
	assert.True(t, r.IntersectsCircle(15, 0, 5))
	assert.False(t, r.IntersectsCircle(15, 15, 5))
	assert.InDelta(t, 5.0, r.Distance(3, 4), 1e-9)

	assert.True(t, near(r, Rect{MinX: -9, MinY: -10, MaxX: 11, MaxY: 10}, 0.1))
	assert.False(t, near(r, Rect{MinX: -5, MinY: -10, MaxX: 15, MaxY: 10}, 0.1))
	assert.False(t, near(r, r.Expand(2), 0.1), "zoom counts as movement")
}

func TestResolve_KeepsIdentity(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.res.Resolve(context.Background(), 1))

	n, err := fx.tree.Get(1)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeID(1), n.ID)
	assert.False(t, n.IsStub())
	assert.False(t, n.Loading)
	require.Len(t, n.Children, 1)

	child, err := fx.tree.Get(n.Children[0])
	require.NoError(t, err)
	assert.Equal(t, "Chordata", child.Name)
	assert.Equal(t, 2, child.Level)
	assert.Equal(t, graph.NodeID(3), child.ID, "new ids continue after the existing tree")

	crumb, err := fx.tree.Breadcrumb(child.ID)
	require.NoError(t, err)
	assert.Equal(t, "Life > Animalia > Chordata", crumb)
	require.NoError(t, fx.tree.Validate())
}

func TestResolve_RepairsAncestorLeafCounts(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.res.Resolve(context.Background(), 2))

	plantae, err := fx.tree.Get(2)
	require.NoError(t, err)
	assert.Equal(t, 3, plantae.LeafCount)
	root, err := fx.tree.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 4, root.LeafCount)
	require.NoError(t, fx.tree.Validate())
}

func TestResolve_NonStubIsRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.res.Resolve(ctx, 1))
	before := fx.tree.Len()

	assert.ErrorIs(t, fx.res.Resolve(ctx, 1), graph.ErrNotStub)
	assert.ErrorIs(t, fx.res.Resolve(ctx, 0), graph.ErrNotStub)
	assert.Equal(t, before, fx.tree.Len())
	n, err := fx.tree.Get(1)
	require.NoError(t, err)
	assert.Len(t, n.Children, 1, "no duplicated children")
}

func TestResolve_FailureLeavesStubRetryable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fail.Store(true)

	err := fx.res.Resolve(ctx, 1)
	require.Error(t, err)
	n, err := fx.tree.Get(1)
	require.NoError(t, err)
	assert.True(t, n.IsStub())
	assert.False(t, n.Loading)

	fx.fail.Store(false)
	require.NoError(t, fx.res.Resolve(ctx, 1))
	n, err = fx.tree.Get(1)
	require.NoError(t, err)
	assert.False(t, n.IsStub())
}

func TestResolve_SameIDOnNewTreeIsNotShared(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := chunk.FetcherFunc(func(ctx context.Context, name string) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return []byte(`{"name":"Animalia","children":[{"name":"Chordata"}]}`), nil
	})
	cache, err := chunk.NewCache(chunk.CacheConfig{Fetcher: f, Retry: fastRetry()})
	require.NoError(t, err)

	old := lifeTree(t)
	swap := graph.NewHotSwap(old)
	res := NewResolver(Config{Trees: swap, Cache: cache})
	ctx := context.Background()

	oldDone := make(chan error, 1)
	go func() { oldDone <- res.Resolve(ctx, 1) }()
	<-started

	fresh := lifeTree(t)
	swap.Swap(fresh)
	freshDone := make(chan error, 1)
	go func() { freshDone <- res.Resolve(ctx, 1) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-oldDone)
	require.NoError(t, <-freshDone)
	for _, tree := range []*graph.Tree{old, fresh} {
		n, err := tree.Get(1)
		require.NoError(t, err)
		assert.False(t, n.IsStub())
		assert.Len(t, n.Children, 1)
		require.NoError(t, tree.Validate())
	}
}

func TestResolveVisible_BothStubs(t *testing.T) {
	fx := newFixture(t)

	n, err := fx.res.ResolveVisible(context.Background(), Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, fx.tree.Stubs())
	assert.Equal(t, 7, fx.tree.Len())
	require.NoError(t, fx.tree.Validate())

	n, err = fx.res.ResolveVisible(context.Background(), Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(2), fx.fetches.Load())
}

func TestResolveVisible_NothingInView(t *testing.T) {
	fx := newFixture(t)

	n, err := fx.res.ResolveVisible(context.Background(), Rect{MinX: 1000, MinY: 1000, MaxX: 1010, MaxY: 1010})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, fx.fetches.Load())
	assert.Len(t, fx.tree.Stubs(), 2)
}

func TestResolveVisible_OneFailureDoesNotAbortBatch(t *testing.T) {
	fx := newFixture(t)
	fx.mu.Lock()
	delete(fx.files, "plantae.json")
	fx.mu.Unlock()

	n, err := fx.res.ResolveVisible(context.Background(), Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []graph.NodeID{2}, fx.tree.Stubs())
}

func TestCandidates_NearestFirst(t *testing.T) {
	fx := newFixture(t)

	cands := fx.res.candidates(fx.tree, Rect{MinX: -5, MinY: -10, MaxX: 25, MaxY: 10})
	require.Len(t, cands, 2)
	assert.Equal(t, graph.NodeID(2), cands[0].id)
	assert.Equal(t, graph.NodeID(1), cands[1].id)

	cands = fx.res.candidates(fx.tree, Rect{MinX: 60, MinY: -5, MaxX: 70, MaxY: 5})
	require.Len(t, cands, 1, "Animalia is outside the stub margin")
	assert.Equal(t, graph.NodeID(2), cands[0].id)
}

func TestResolveVisible_ConcurrentScansKeepIDsUnique(t *testing.T) {
	tree := graph.NewTree(graph.NewIDAllocator(0))
	require.NoError(t, tree.AddRoot(&graph.Node{ID: 0, Name: "Life", Layout: &graph.Layout{R: 1000}}))
	files := map[string]string{}
	for i := 1; i <= 30; i++ {
		file := fmt.Sprintf("g%d.json", i)
		files[file] = fmt.Sprintf(`{"name":"G%d","children":[{"name":"a"},{"name":"b","children":[{"name":"c"}]}]}`, i)
		require.NoError(t, tree.AddNode(&graph.Node{
			ID: graph.NodeID(i), Name: fmt.Sprintf("G%d", i), Level: 1, Parent: 0,
			Stub:   &graph.StubRef{ChunkFile: file},
			Layout: &graph.Layout{X: float64(i), R: 1},
		}))
	}
	tree.RecomputeLeafCounts()

	cache, err := chunk.NewCache(chunk.CacheConfig{
		Fetcher: chunk.FetcherFunc(func(ctx context.Context, name string) ([]byte, error) {
			time.Sleep(time.Millisecond)
			return []byte(files[name]), nil
		}),
		Retry: fastRetry(),
	})
	require.NoError(t, err)
	res := NewResolver(Config{Trees: graph.NewHotSwap(tree), Cache: cache, Concurrency: 8})

	view := Rect{MinX: -50, MinY: -50, MaxX: 50, MaxY: 50}
	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := res.ResolveVisible(context.Background(), view)
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), total.Load(), "each stub resolved exactly once")
	assert.Equal(t, 1+30*4, tree.Len())
	require.NoError(t, tree.Validate())
	root, err := tree.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 60, root.LeafCount)
}

func TestScheduler_Debounces(t *testing.T) {
	fx := newFixture(t)
	scans := make(chan Rect, 10)
	s := NewScheduler(context.Background(), fx.res, SchedulerConfig{
		Delay:          20 * time.Millisecond,
		RescanFraction: 0.1,
		OnScan:         func(view Rect, resolved int, err error) { scans <- view },
	})
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Notify(Rect{MinX: float64(i) - 40, MinY: -10, MaxX: float64(i) + 40, MaxY: 10})
	}
	select {
	case v := <-scans:
		assert.Equal(t, -31.0, v.MinX, "only the last viewport is scanned")
	case <-time.After(2 * time.Second):
		t.Fatal("no scan")
	}

	// A tiny move does not rescan.
	s.Notify(Rect{MinX: -30.5, MinY: -10, MaxX: 49.5, MaxY: 10})
	select {
	case <-scans:
		t.Fatal("unexpected rescan")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(2), fx.fetches.Load())
}

func TestScheduler_CloseStopsScans(t *testing.T) {
	fx := newFixture(t)
	var scans atomic.Int32
	s := NewScheduler(context.Background(), fx.res, SchedulerConfig{
		Delay:  10 * time.Millisecond,
		OnScan: func(Rect, int, error) { scans.Add(1) },
	})
	s.Notify(Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10})
	s.Close()
	s.Notify(Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, scans.Load())
}

var _ TreeSource = (*graph.HotSwap)(nil)

func TestResolve_EmptySource(t *testing.T) {
	res := NewResolver(Config{Trees: graph.NewHotSwap(nil)})
	err := res.Resolve(context.Background(), 1)
	assert.True(t, errors.Is(err, graph.ErrNotFound))
	n, err := res.ResolveVisible(context.Background(), Rect{})
	assert.NoError(t, err)
	assert.Zero(t, n)
}
