package ingest

import (
	"context"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/taxa/api"
	"github.com/agentic-research/taxa/internal/graph"
)

// DecodeFlat converts a parsed flat-array file into records.
func DecodeFlat(raw any) ([]api.FlatNode, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: flat file is %T, want array", ErrShape, raw)
	}
	out := make([]api.FlatNode, 0, len(arr))
	for i, v := range arr {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: record %d is %T", ErrShape, i, v)
		}
		id, ok := toInt64(m["id"])
		if !ok {
			return nil, fmt.Errorf("%w: record %d has no integer id", ErrShape, i)
		}
		rec := api.FlatNode{
			ID:    id,
			Name:  stringify(m["name"]),
			Level: int(toFloat(m["level"])),
			X:     toFloat(m["x"]),
			Y:     toFloat(m["y"]),
			R:     toFloat(m["r"]),
		}
		if p, ok := toInt64(m["parent_id"]); ok {
			rec.ParentID = &p
		} else if m["parent_id"] != nil {
			return nil, fmt.Errorf("%w: record %d has malformed parent_id", ErrShape, i)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// maxIDSpread bounds how sparse flat ids may be: every id must be below
// maxIDSpread times the record count.
const maxIDSpread = 4

// Rehydrate rebuilds a tree from flat records with precomputed layout.
//
// The first record without a parent is the root; further parentless records
// and records whose parent is missing are dropped with a warning, together
// with everything only reachable through them. Levels are recomputed from
// the root. The allocator is advanced past the largest input ID so later
// additions cannot collide.
func (ix *Indexer) Rehydrate(ctx context.Context, flat []api.FlatNode, alloc *graph.IDAllocator) (*graph.Tree, error) {
	if len(flat) == 0 {
		return nil, fmt.Errorf("%w: no records", graph.ErrStructural)
	}
	if alloc == nil {
		return nil, errNoAllocator
	}

	var maxID int64 = -1
	for _, f := range flat {
		if f.ID < 0 {
			return nil, fmt.Errorf("%w: negative id %d", graph.ErrStructural, f.ID)
		}
		maxID = max(maxID, f.ID)
	}
	if maxID > math.MaxUint32 || maxID >= int64(len(flat))*maxIDSpread {
		return nil, fmt.Errorf("%w: id %d out of range for %d records", graph.ErrStructural, maxID, len(flat))
	}

	lookup := make([]*graph.Node, maxID+1)
	for _, f := range flat {
		if lookup[f.ID] != nil {
			return nil, fmt.Errorf("%w: duplicate id %d", graph.ErrStructural, f.ID)
		}
		lookup[f.ID] = &graph.Node{
			ID:       graph.NodeID(f.ID),
			Name:     TruncateName(f.Name, ix.cfg.MaxNameLen),
			Level:    f.Level,
			Parent:   graph.NoNode,
			Children: []graph.NodeID{},
			Layout:   &graph.Layout{X: f.X, Y: f.Y, R: f.R},
		}
	}

	root := graph.NoNode
	extraRoots, orphans := 0, 0
	for _, f := range flat {
		n := lookup[f.ID]
		if f.ParentID == nil {
			if root == graph.NoNode {
				root = n.ID
			} else {
				extraRoots++
			}
			continue
		}
		pid := *f.ParentID
		if pid < 0 || pid > maxID || lookup[pid] == nil || pid == f.ID {
			orphans++
			continue
		}
		n.Parent = graph.NodeID(pid)
		lookup[pid].Children = append(lookup[pid].Children, n.ID)
	}
	if root == graph.NoNode {
		return nil, fmt.Errorf("%w: no record without a parent", graph.ErrStructural)
	}

	p := ix.newPacer(nil, len(flat))
	seen := roaring.New()
	order := make([]*graph.Node, 0, len(flat))
	lookup[root].Level = 0
	stack := []graph.NodeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.CheckedAdd(uint32(id)) {
			continue
		}
		n := lookup[id]
		if n.Parent != graph.NoNode {
			n.Level = lookup[n.Parent].Level + 1
		}
		order = append(order, n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
		if err := p.step(ctx); err != nil {
			return nil, err
		}
	}

	if dropped := len(flat) - len(order); dropped > 0 {
		ix.log.Warn().
			Int("dropped", dropped).
			Int("extra_roots", extraRoots).
			Int("orphans", orphans).
			Msg("flat records unreachable from root")
	}

	sums := make(map[graph.NodeID]int, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if len(n.Children) == 0 {
			n.LeafCount = 1
		} else {
			n.LeafCount = sums[n.ID]
		}
		if n.Parent != graph.NoNode {
			sums[n.Parent] += n.LeafCount
		}
	}

	t, err := graph.NewTreeFromFragment(&graph.Fragment{Root: root, Nodes: order}, alloc)
	if err != nil {
		return nil, err
	}
	alloc.AdvanceTo(graph.NodeID(maxID + 1))
	return t, nil
}
