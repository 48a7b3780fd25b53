package loader

import (
	"fmt"

	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/agentic-research/taxa/internal/ingest"
	"github.com/rs/zerolog"
)

type skelNode struct {
	name   string
	kids   []*skelNode
	byName map[string]*skelNode
	stub   *graph.StubRef
}

func (s *skelNode) child(name string) *skelNode {
	if c, ok := s.byName[name]; ok {
		return c
	}
	c := &skelNode{name: name, byName: map[string]*skelNode{}}
	s.kids = append(s.kids, c)
	s.byName[name] = c
	return c
}

// BuildSkeleton builds the shape implied by the manifest paths without
// fetching any body. The deepest node of each entry's path becomes a stub
// pointing at the entry's file; intermediate nodes are created as needed.
// When the paths do not share a first segment they are hung under a
// synthetic root named after the manifest, and the tree is marked so.
//
// Segments are truncated to maxNameLen runes (0 means
// ingest.DefaultMaxNameLen) like every other node name.
func BuildSkeleton(m *api.Manifest, alloc *graph.IDAllocator, maxNameLen int, log zerolog.Logger) (*graph.Tree, error) {
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no files", graph.ErrStructural)
	}
	if maxNameLen <= 0 {
		maxNameLen = ingest.DefaultMaxNameLen
	}
	paths := make([][]string, len(m.Files))
	firsts := map[string]bool{}
	for i, f := range m.Files {
		segs := api.SplitPath(f.Path)
		if len(segs) == 0 {
			return nil, fmt.Errorf("%w: file %s has an empty path", graph.ErrStructural, f.Filename)
		}
		for j := range segs {
			segs[j] = ingest.TruncateName(segs[j], maxNameLen)
		}
		paths[i] = segs
		firsts[segs[0]] = true
	}

	var root *skelNode
	synthetic := len(firsts) > 1
	if synthetic {
		root = &skelNode{name: ingest.TruncateName(m.Root(), maxNameLen), byName: map[string]*skelNode{}}
	} else {
		root = &skelNode{name: paths[0][0], byName: map[string]*skelNode{}}
		for i := range paths {
			paths[i] = paths[i][1:]
		}
	}

	for i, f := range m.Files {
		cur := root
		crumb := []string{root.name}
		for _, seg := range paths[i] {
			cur = cur.child(seg)
			crumb = append(crumb, seg)
		}
		if cur.stub != nil {
			log.Warn().Str("path", f.Path).Str("file", f.Filename).Str("kept", cur.stub.ChunkFile).Msg("duplicate manifest path")
			continue
		}
		cur.stub = &graph.StubRef{ChunkPath: api.JoinPath(crumb...), ChunkFile: f.Filename}
	}

	t, err := emitSkeleton(root, alloc)
	if err != nil {
		return nil, err
	}
	if synthetic {
		t.MarkSyntheticRoot()
	}
	return t, nil
}

// emitSkeleton assigns IDs in preorder and adopts the result as a tree.
func emitSkeleton(root *skelNode, alloc *graph.IDAllocator) (*graph.Tree, error) {
	type item struct {
		s      *skelNode
		parent int
		level  int
	}
	var nodes []*graph.Node
	var parents []int
	stack := []item{{s: root, parent: -1}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &graph.Node{
			ID:       alloc.Next(),
			Name:     it.s.name,
			Level:    it.level,
			Parent:   graph.NoNode,
			Children: []graph.NodeID{},
			Stub:     it.s.stub,
		}
		if it.parent >= 0 {
			p := nodes[it.parent]
			n.Parent = p.ID
			p.Children = append(p.Children, n.ID)
		}
		idx := len(nodes)
		nodes = append(nodes, n)
		parents = append(parents, it.parent)
		for i := len(it.s.kids) - 1; i >= 0; i-- {
			stack = append(stack, item{s: it.s.kids[i], parent: idx, level: it.level + 1})
		}
	}

	sums := make([]int, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if len(n.Children) == 0 {
			n.LeafCount = 1
		} else {
			n.LeafCount = sums[i]
		}
		if p := parents[i]; p >= 0 {
			sums[p] += n.LeafCount
		}
	}
	return graph.NewTreeFromFragment(&graph.Fragment{Root: nodes[0].ID, Nodes: nodes}, alloc)
}
