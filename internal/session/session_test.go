package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/config"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/viewport"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 0
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = time.Millisecond
	cfg.FetchTimeout = time.Second
	return cfg
}

// recorder counts collaborator calls. Its layout puts every node at the
// origin so any viewport around it sees every stub.
type recorder struct {
	mu       sync.Mutex
	layouts  int
	rebuilds int
}

func (r *recorder) layout(t *graph.Tree) (float64, error) {
	r.mu.Lock()
	r.layouts++
	r.mu.Unlock()
	all := map[graph.NodeID]graph.Layout{}
	t.Read(func(v graph.View) {
		v.Walk(v.Root(), func(n *graph.Node) bool {
			all[n.ID] = graph.Layout{R: 10}
			return true
		})
	})
	t.SetLayouts(all)
	return 20, nil
}

func (r *recorder) rebuild(*graph.Tree) {
	r.mu.Lock()
	r.rebuilds++
	r.mu.Unlock()
}

func newSession(t *testing.T, files map[string]string) (*Session, *recorder) {
	t.Helper()
	fs := memfs.New()
	for name, body := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(body), 0o644))
	}
	rec := &recorder{}
	s, err := New(Options{
		Config:       testConfig(),
		Fetcher:      chunk.NewFSFetcher(fs),
		Layout:       rec.layout,
		RebuildIndex: rec.rebuild,
		Parallelism:  2,
	})
	require.NoError(t, err)
	return s, rec
}

func eagerFiles() map[string]string {
	return map[string]string{
		"manifest.json": `{"version":"1.0","root_name":"Life","files":[
			{"path":"Life > Animalia","filename":"animalia.json"},
			{"path":"Life > Plantae","filename":"plantae.json"}]}`,
		"animalia.json": `{"name":"Life","children":[{"name":"Animalia","children":[{"name":"Chordata"},{"name":"Mollusca"}]}]}`,
		"plantae.json":  `{"Life":{"Plantae":{"Bryophyta":null}}}`,
	}
}

func lazyFiles() map[string]string {
	return map[string]string{
		"manifest.json": `{"version":"lazy-path","root_name":"Life","files":[
			{"path":"Life > Animalia","filename":"animalia.json"},
			{"path":"Life > Plantae","filename":"plantae.json.gz"}]}`,
		"animalia.json": `{"name":"Animalia","children":[{"name":"Chordata","children":[{"name":"Mammalia"}]}]}`,
	}
}

func TestNew_RequiresFetcher(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ResolverConcurrency = 1
	_, err := New(Options{Config: cfg, Fetcher: chunk.NewFSFetcher(memfs.New())})
	assert.ErrorContains(t, err, "resolver_concurrency")
}

func TestLoad_Eager(t *testing.T) {
	s, rec := newSession(t, eagerFiles())

	res, err := s.Load(context.Background(), "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, KindEager, res.Kind)
	assert.Nil(t, res.Partial)
	assert.Equal(t, 20.0, res.Diameter)
	require.NoError(t, res.Tree.Validate())

	st := res.Tree.Stats()
	assert.Equal(t, 6, st.Nodes)
	assert.Equal(t, 3, st.Leaves)
	assert.Zero(t, st.Stubs)
	assert.Same(t, res.Tree, s.Tree())
	assert.Equal(t, 1, rec.layouts)
	assert.Equal(t, 1, rec.rebuilds)
	assert.Zero(t, s.cache.Len(), "eager bodies are released")
}

func TestLoad_LazyThenFindByPath(t *testing.T) {
	s, rec := newSession(t, lazyFiles())
	ctx := context.Background()

	res, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, KindLazy, res.Kind)
	assert.Equal(t, 3, res.Tree.Stats().Nodes)
	assert.Equal(t, 2, res.Tree.Stats().Stubs)

	id, err := s.FindByPath(ctx, "Life > Animalia > Chordata > Mammalia")
	require.NoError(t, err)
	n, err := res.Tree.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Mammalia", n.Name)
	assert.Equal(t, 3, n.Level)
	require.NoError(t, res.Tree.Validate())
	assert.Equal(t, 1, res.Tree.Stats().Stubs, "only Animalia was resolved")
	assert.Equal(t, 2, rec.layouts, "load plus one resolution")

	_, err = s.FindByPath(ctx, "Life > Fungi")
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = s.FindByPath(ctx, "Life > Animalia > Arthropoda")
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = s.FindByPath(ctx, "Biota")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = s.FindByPath(ctx, "Life > Plantae > Bryophyta")
	assert.ErrorIs(t, err, chunk.ErrMissing, "a stub that cannot be fetched surfaces its error")
}

func TestLoad_LazySyntheticRoot(t *testing.T) {
	s, _ := newSession(t, map[string]string{
		"manifest.json": `{"version":"lazy-path","root_name":"Biota","files":[
			{"path":"Eukarya > Animalia","filename":"animalia.json"},
			{"path":"Bacteria","filename":"bacteria.json"}]}`,
		"animalia.json": `{"name":"Animalia","children":[{"name":"Chordata"}]}`,
	})
	ctx := context.Background()

	res, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)
	require.True(t, res.Tree.SyntheticRoot())
	for _, id := range res.Tree.Stubs() {
		n, err := res.Tree.Get(id)
		require.NoError(t, err)
		crumb, err := res.Tree.Breadcrumb(id)
		require.NoError(t, err)
		assert.Equal(t, crumb, n.Stub.ChunkPath)
	}

	id, err := s.FindByPath(ctx, "Eukarya > Animalia > Chordata")
	require.NoError(t, err, "paths may leave out the synthetic root")
	crumb, err := res.Tree.Breadcrumb(id)
	require.NoError(t, err)
	assert.Equal(t, "Biota > Eukarya > Animalia > Chordata", crumb)

	full, err := s.FindByPath(ctx, "Biota > Eukarya > Animalia > Chordata")
	require.NoError(t, err)
	assert.Equal(t, id, full)

	_, err = s.FindByPath(ctx, "Archaea")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestLoad_ModeOverride(t *testing.T) {
	files := eagerFiles()
	s, _ := newSession(t, files)
	s.cfg.Mode = config.ModeLazy

	res, err := s.Load(context.Background(), "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, KindLazy, res.Kind)
}

func TestLoad_Inline(t *testing.T) {
	s, _ := newSession(t, map[string]string{
		"manifest.json": `{"name":"Life","level":0,"version":"lazy-1.0","total_nodes":6,
			"children":[
				{"name":"Animalia","level":1,"Chordata":{"level":2,"lazy":true,"id":"chordata_01.json"}},
				{"name":"Plantae","level":1}],
			"files":[{"name":"Chordata","file":"chordata_01.json","descendants":3}]}`,
		"chordata_01.json": `{"name":"Chordata","level":2,"children":[{"name":"Mammalia","level":3,"Primates":{"level":4}}]}`,
	})
	ctx := context.Background()

	res, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, KindInline, res.Kind)
	st := res.Tree.Stats()
	assert.Equal(t, 4, st.Nodes)
	assert.Equal(t, 1, st.Stubs)

	stubID, err := res.Tree.FindChild(mustFind(t, s, "Life > Animalia"), "Chordata")
	require.NoError(t, err)
	stub, err := res.Tree.Get(stubID)
	require.NoError(t, err)
	require.NotNil(t, stub.Stub)
	assert.Equal(t, "Life > Animalia > Chordata", stub.Stub.ChunkPath)

	id, err := s.FindByPath(ctx, "Life > Animalia > Chordata > Mammalia > Primates")
	require.NoError(t, err)
	n, err := res.Tree.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, n.Level)
	require.NoError(t, res.Tree.Validate())
	assert.Equal(t, 2, res.Tree.Stats().Leaves)
}

func mustFind(t *testing.T, s *Session, path string) graph.NodeID {
	t.Helper()
	id, err := s.FindByPath(context.Background(), path)
	require.NoError(t, err)
	return id
}

func TestLoad_Baked(t *testing.T) {
	s, rec := newSession(t, map[string]string{
		"manifest.json": `{"version":"1.0","layout_size":800,"total_nodes":3,
			"files":[{"filename":"flat_0.json","nodes_count":3,"size_bytes":10}]}`,
		"flat_0.json": `[
			{"id":0,"parent_id":null,"name":"Life","level":0,"x":0,"y":0,"r":400},
			{"id":1,"parent_id":0,"name":"Animalia","level":1,"x":-100,"y":0,"r":50},
			{"id":2,"parent_id":0,"name":"Plantae","level":1,"x":100,"y":0,"r":50}]`,
	})

	res, err := s.Load(context.Background(), "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, KindBaked, res.Kind)
	assert.Equal(t, 800.0, res.Diameter)
	assert.Equal(t, 2, res.Tree.Stats().Leaves)
	assert.Zero(t, rec.layouts, "baked data arrives laid out")
	assert.Equal(t, 1, rec.rebuilds)

	n, err := res.Tree.Get(1)
	require.NoError(t, err)
	require.NotNil(t, n.Layout)
	assert.Equal(t, -100.0, n.Layout.X)
}

func TestLoad_FailureKeepsPreviousTree(t *testing.T) {
	files := eagerFiles()
	files["broken.json"] = `{"version":`
	s, _ := newSession(t, files)
	ctx := context.Background()

	res, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)

	_, err = s.Load(ctx, "broken.json")
	assert.ErrorIs(t, err, chunk.ErrParse)
	_, err = s.Load(ctx, "absent.json")
	assert.ErrorIs(t, err, chunk.ErrMissing)
	assert.Same(t, res.Tree, s.Tree())
}

func TestResolveVisible(t *testing.T) {
	files := lazyFiles()
	files["plantae.json"] = `{"Bryophyta":null,"Chlorophyta":null}`
	files["manifest.json"] = `{"version":"lazy-path","files":[
		{"path":"Life > Animalia","filename":"animalia.json"},
		{"path":"Life > Plantae","filename":"plantae.json"}]}`
	s, rec := newSession(t, files)
	ctx := context.Background()

	_, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)

	n, err := s.ResolveVisible(ctx, viewport.Rect{MinX: -50, MinY: -50, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tree := s.Tree()
	require.NoError(t, tree.Validate())
	st := tree.Stats()
	assert.Zero(t, st.Stubs)
	assert.Equal(t, 3, st.Leaves)
	assert.Equal(t, 3, rec.layouts)
}

func TestScheduler(t *testing.T) {
	s, _ := newSession(t, lazyFiles())
	ctx := context.Background()
	_, err := s.Load(ctx, "manifest.json")
	require.NoError(t, err)

	scans := make(chan int, 4)
	sched := s.Scheduler(ctx, func(_ viewport.Rect, resolved int, _ error) { scans <- resolved })
	defer sched.Close()

	sched.Notify(viewport.Rect{MinX: -50, MinY: -50, MaxX: 50, MaxY: 50})
	select {
	case n := <-scans:
		assert.Equal(t, 1, n, "Animalia resolves, Plantae's file is missing")
	case <-time.After(5 * time.Second):
		t.Fatal("scan never ran")
	}
}

func TestStart_StreamsProgress(t *testing.T) {
	s, _ := newSession(t, eagerFiles())

	var sinkCalls int
	var mu sync.Mutex
	s.opts.Progress = func(Progress) {
		mu.Lock()
		sinkCalls++
		mu.Unlock()
	}

	job := s.Start(context.Background(), "manifest.json")
	var reports []Progress
	for p := range job.Progress() {
		reports = append(reports, p)
	}
	res, err := job.Wait()
	require.NoError(t, err)
	assert.Equal(t, KindEager, res.Kind)

	require.NotEmpty(t, reports)
	assert.Equal(t, Progress{Ratio: 1, Label: "Ready", Stage: stageCount, Stages: stageCount}, reports[len(reports)-1])
	assert.Equal(t, stageManifest, reports[0].Stage)
	stages := map[int]bool{}
	for _, p := range reports {
		stages[p.Stage] = true
		assert.LessOrEqual(t, p.Ratio, 1.0)
	}
	assert.True(t, stages[stageFetch])
	assert.True(t, stages[stageBuild])

	mu.Lock()
	assert.Equal(t, len(reports), sinkCalls)
	mu.Unlock()
}

func TestDetect(t *testing.T) {
	probe := func(s string) map[string]json.RawMessage {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		return m
	}
	cases := []struct {
		name     string
		manifest string
		mode     string
		want     Kind
	}{
		{"baked by layout size", `{"layout_size":10,"files":[]}`, config.ModeAuto, KindBaked},
		{"baked by pathless files", `{"version":"1.0","files":[{"filename":"a.json"}]}`, config.ModeLazy, KindBaked},
		{"inline tree", `{"name":"Life","children":[],"files":[{"file":"a.json"}]}`, config.ModeEager, KindInline},
		{"lazy version", `{"version":"lazy-1.0","files":[{"path":"Life","filename":"a.json"}]}`, config.ModeAuto, KindLazy},
		{"plain version", `{"version":"1.0","files":[{"path":"Life","filename":"a.json"}]}`, config.ModeAuto, KindEager},
		{"forced eager", `{"version":"lazy-1.0","files":[{"path":"Life","filename":"a.json"}]}`, config.ModeEager, KindEager},
		{"forced lazy", `{"version":"1.0","files":[{"path":"Life","filename":"a.json"}]}`, config.ModeLazy, KindLazy},
		{"no files", `{"version":"1.0"}`, config.ModeAuto, KindEager},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detect(probe(tc.manifest), tc.mode))
		})
	}
}
