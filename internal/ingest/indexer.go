package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxNameLen    = 100
	DefaultYieldBudget   = 20 * time.Millisecond
	DefaultProgressEvery = 10000
)

var errNoAllocator = errors.New("index: no id allocator")

// IndexerConfig tunes the cooperative indexing loop.
type IndexerConfig struct {
	MaxNameLen    int           // names are truncated to this many runes
	YieldBudget   time.Duration // work between yields
	ProgressEvery int           // nodes between progress reports
	// Foreground reports whether the host is visible. Nil means always.
	Foreground func() bool
	// Yield hands control back to the host scheduler. Nil means runtime.Gosched.
	Yield  func(ctx context.Context) error
	Logger zerolog.Logger
}

// Indexer turns raw nested {name, children} data into graph nodes.
type Indexer struct {
	cfg IndexerConfig
	log zerolog.Logger
}

func NewIndexer(cfg IndexerConfig) *Indexer {
	if cfg.MaxNameLen <= 0 {
		cfg.MaxNameLen = DefaultMaxNameLen
	}
	if cfg.YieldBudget <= 0 {
		cfg.YieldBudget = DefaultYieldBudget
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Indexer{cfg: cfg, log: cfg.Logger}
}

// IndexOptions places the indexed subtree.
type IndexOptions struct {
	Alloc *graph.IDAllocator
	// ResetIDs restarts the allocator before indexing (fresh session).
	ResetIDs bool
	// Parent of the subtree root; graph.NoNode for a tree root.
	Parent graph.NodeID
	// StartDepth is the level of the subtree root.
	StartDepth int
	// Adopt makes the subtree root reuse AdoptID instead of a fresh ID, so a
	// stub keeps its identity when its body is indexed.
	Adopt   bool
	AdoptID graph.NodeID
	// SkipChildren drops root children with these names (already present
	// under the adopted node).
	SkipChildren map[string]bool
	// PathPrefix is the breadcrumb of Parent. Placeholder stubs found in
	// the input get chunk paths below it.
	PathPrefix string
	Progress   func(done, total int)
}

// RootOptions indexes a whole new tree.
func RootOptions(alloc *graph.IDAllocator) IndexOptions {
	return IndexOptions{Alloc: alloc, Parent: graph.NoNode}
}

// StubOptions indexes a fetched body in place of stub, continuing its depth
// and keeping its ID.
func StubOptions(alloc *graph.IDAllocator, stub graph.Node, existing []string) IndexOptions {
	opts := IndexOptions{
		Alloc:      alloc,
		Parent:     stub.Parent,
		StartDepth: stub.Level,
		Adopt:      true,
		AdoptID:    stub.ID,
	}
	if len(existing) > 0 {
		opts.SkipChildren = make(map[string]bool, len(existing))
		for _, name := range existing {
			opts.SkipChildren[name] = true
		}
	}
	return opts
}

type frame struct {
	raw    map[string]any
	parent int // index into the output slice, -1 for the subtree root
	level  int
}

// Index walks raw depth-first with an explicit stack and returns the indexed
// nodes as a detached fragment in preorder. Only name, children and the lazy
// placeholder markers are read from the input; every other field is dropped.
// A childless node marked {"lazy": true, "id": file} becomes a stub that
// resolves from file. Leaf counts are filled in by a second bottom-up pass.
// raw is never mutated.
func (ix *Indexer) Index(ctx context.Context, raw any, opts IndexOptions) (*graph.Fragment, error) {
	root, ok := asObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: index root is %T, want object", graph.ErrStructural, raw)
	}
	if opts.Alloc == nil {
		return nil, errNoAllocator
	}
	if opts.ResetIDs {
		opts.Alloc.Reset()
	}
	total := 0
	if opts.Progress != nil {
		total = CountNodes(root)
	}
	p := ix.newPacer(opts.Progress, total)

	nodes := make([]*graph.Node, 0, max(total, 64))
	parents := make([]int, 0, cap(nodes))
	stack := []frame{{raw: root, parent: -1, level: opts.StartDepth}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &graph.Node{
			Name:     ix.nameOf(f.raw),
			Level:    f.level,
			Children: []graph.NodeID{},
		}
		if f.parent < 0 {
			n.Parent = opts.Parent
			if opts.Adopt {
				n.ID = opts.AdoptID
			} else {
				n.ID = opts.Alloc.Next()
			}
		} else {
			n.ID = opts.Alloc.Next()
			parent := nodes[f.parent]
			n.Parent = parent.ID
			parent.Children = append(parent.Children, n.ID)
		}
		idx := len(nodes)
		nodes = append(nodes, n)
		parents = append(parents, f.parent)

		if file, ok := placeholder(f.raw); ok && (f.parent >= 0 || !opts.Adopt) {
			n.Stub = &graph.StubRef{ChunkFile: file, ChunkPath: chunkPath(nodes, parents, idx, opts.PathPrefix)}
		}

		kids := childrenOf(f.raw)
		for i := len(kids) - 1; i >= 0; i-- {
			child, ok := asObject(kids[i])
			if !ok {
				continue
			}
			if f.parent < 0 && opts.SkipChildren[ix.nameOf(child)] {
				continue
			}
			stack = append(stack, frame{raw: child, parent: idx, level: f.level + 1})
		}

		if err := p.step(ctx); err != nil {
			return nil, err
		}
	}

	// Reverse preorder visits every child before its parent.
	sums := make([]int, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if len(n.Children) == 0 {
			n.LeafCount = 1
		} else {
			n.LeafCount = sums[i]
		}
		if pi := parents[i]; pi >= 0 {
			sums[pi] += n.LeafCount
		}
	}
	p.finish()

	ix.log.Debug().Int("nodes", len(nodes)).Int64("root", int64(nodes[0].ID)).Msg("indexed subtree")
	return &graph.Fragment{Root: nodes[0].ID, Nodes: nodes}, nil
}

// CountNodes counts the nodes of a raw structured tree.
func CountNodes(raw any) int {
	root, ok := asObject(raw)
	if !ok {
		return 0
	}
	count := 0
	stack := []map[string]any{root}
	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count++
		for _, c := range childrenOf(m) {
			if child, ok := asObject(c); ok {
				stack = append(stack, child)
			}
		}
	}
	return count
}

// placeholder reports the chunk file of a lazy placeholder node.
func placeholder(m map[string]any) (string, bool) {
	if lazy, _ := m["lazy"].(bool); !lazy || len(childrenOf(m)) > 0 {
		return "", false
	}
	file, _ := m["id"].(string)
	return file, file != ""
}

// chunkPath builds the breadcrumb of nodes[idx] from the fragment's parent
// links. Placeholders are rare, so this walks up instead of tracking paths.
func chunkPath(nodes []*graph.Node, parents []int, idx int, prefix string) string {
	var segs []string
	for i := idx; i >= 0; i = parents[i] {
		segs = append(segs, nodes[i].Name)
	}
	if prefix != "" {
		segs = append(segs, prefix)
	}
	slices.Reverse(segs)
	return api.JoinPath(segs...)
}

func (ix *Indexer) nameOf(m map[string]any) string {
	return TruncateName(stringify(m["name"]), ix.cfg.MaxNameLen)
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// TruncateName cuts s to at most limit runes. A limit of 0 or less keeps s.
func TruncateName(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := 0
	for i := range s {
		if runes == limit {
			return s[:i]
		}
		runes++
	}
	return s
}

func childrenOf(m map[string]any) []any {
	kids, _ := m["children"].([]any)
	return kids
}

// asObject accepts node objects and bare strings (a leaf given by name).
func asObject(v any) (map[string]any, bool) {
	switch n := v.(type) {
	case map[string]any:
		return n, true
	case string:
		return map[string]any{"name": n}, true
	default:
		return nil, false
	}
}
