package graph

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/taxa/api"
)

// Tree is the materialized hierarchy: a flat arena of nodes indexed by NodeID.
//
// Tree enforces a single-writer discipline. Every mutation takes the write
// lock and leaves the tree consistent (leaf counts repaired, stub state
// settled) before releasing it, so readers holding the read lock only ever
// observe whole resolutions.
type Tree struct {
	mu    sync.RWMutex
	nodes []*Node
	root  NodeID
	count int
	alloc *IDAllocator

	// synthetic is set when the root joins top-level groups that share no
	// common ancestor in the source data.
	synthetic bool
}

// Stats summarizes a tree.
type Stats struct {
	Nodes    int
	Stubs    int
	Loading  int
	Leaves   int
	MaxDepth int
}

// NewTree returns an empty tree. A nil allocator gets a fresh one starting at 0.
func NewTree(alloc *IDAllocator) *Tree {
	if alloc == nil {
		alloc = NewIDAllocator(0)
	}
	return &Tree{root: NoNode, alloc: alloc}
}

// NewTreeFromFragment adopts an indexed fragment as a whole new tree.
// The allocator is advanced past the largest ID in the fragment.
func NewTreeFromFragment(f *Fragment, alloc *IDAllocator) (*Tree, error) {
	if f == nil || len(f.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", ErrStructural)
	}
	t := NewTree(alloc)
	maxID := NoNode
	for _, n := range f.Nodes {
		if n.ID < 0 {
			return nil, fmt.Errorf("%w: negative id %d", ErrStructural, n.ID)
		}
		maxID = max(maxID, n.ID)
	}
	t.nodes = make([]*Node, maxID+1)
	for _, n := range f.Nodes {
		if t.nodes[n.ID] != nil {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrStructural, n.ID)
		}
		t.nodes[n.ID] = n
	}
	if f.Root < 0 || f.Root > maxID || t.nodes[f.Root] == nil {
		return nil, fmt.Errorf("%w: fragment root %d missing", ErrStructural, f.Root)
	}
	t.nodes[f.Root].Parent = NoNode
	t.root = f.Root
	t.count = len(f.Nodes)
	t.alloc.AdvanceTo(maxID + 1)
	return t, nil
}

// MarkSyntheticRoot records that the root only joins unrelated top-level
// groups, so paths may omit its name.
func (t *Tree) MarkSyntheticRoot() {
	t.mu.Lock()
	t.synthetic = true
	t.mu.Unlock()
}

// SyntheticRoot reports whether MarkSyntheticRoot was called.
func (t *Tree) SyntheticRoot() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synthetic
}

// Allocator returns the session allocator shared by everything that adds nodes.
func (t *Tree) Allocator() *IDAllocator { return t.alloc }

// Root returns the root ID, or NoNode for an empty tree.
func (t *Tree) Root() NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Len returns the number of materialized nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// AddRoot installs n as the root. A tree has exactly one root.
func (t *Tree) AddRoot(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root != NoNode {
		return fmt.Errorf("%w: root already set", ErrStructural)
	}
	n.Parent = NoNode
	if err := t.insertLocked(n); err != nil {
		return err
	}
	t.root = n.ID
	return nil
}

// AddNode inserts n and appends it to its parent's children.
func (t *Tree) AddNode(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent := t.nodeLocked(n.Parent)
	if parent == nil {
		return fmt.Errorf("add %d: parent %d: %w", n.ID, n.Parent, ErrNotFound)
	}
	if err := t.insertLocked(n); err != nil {
		return err
	}
	parent.Children = append(parent.Children, n.ID)
	return nil
}

// insertLocked places n in the arena. Must be called with t.mu held.
func (t *Tree) insertLocked(n *Node) error {
	if n.ID < 0 {
		return fmt.Errorf("%w: negative id %d", ErrStructural, n.ID)
	}
	if int(n.ID) >= len(t.nodes) {
		grown := make([]*Node, max(int(n.ID)+1, 2*len(t.nodes)))
		copy(grown, t.nodes)
		t.nodes = grown
	}
	if t.nodes[n.ID] != nil {
		return fmt.Errorf("%w: id %d already in use", ErrStructural, n.ID)
	}
	t.nodes[n.ID] = n
	t.count++
	t.alloc.AdvanceTo(n.ID + 1)
	return nil
}

func (t *Tree) nodeLocked(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Get returns a snapshot copy of a node.
func (t *Tree) Get(id NodeID) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodeLocked(id)
	if n == nil {
		return Node{}, ErrNotFound
	}
	return n.clone(), nil
}

// Read runs fn with the read lock held. fn must not retain or mutate nodes.
func (t *Tree) Read(fn func(v View)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(View{t: t})
}

// FindChild returns the child of parent with the given name.
func (t *Tree) FindChild(parent NodeID, name string) (NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.nodeLocked(parent)
	if p == nil {
		return NoNode, ErrNotFound
	}
	for _, c := range p.Children {
		if child := t.nodeLocked(c); child != nil && child.Name == name {
			return c, nil
		}
	}
	return NoNode, ErrNotFound
}

// Breadcrumb returns the canonical path of a node: its ancestors' names
// joined with api.PathSeparator. The root's breadcrumb is its own name.
func (t *Tree) Breadcrumb(id NodeID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var segs []string
	for cur := id; cur != NoNode; {
		n := t.nodeLocked(cur)
		if n == nil {
			return "", ErrNotFound
		}
		segs = append(segs, n.Name)
		cur = n.Parent
	}
	slices.Reverse(segs)
	return api.JoinPath(segs...), nil
}

// MarkLoading moves a stub into the Loading state. It returns false when
// the stub is already loading, so only one caller fetches a given stub.
func (t *Tree) MarkLoading(id NodeID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodeLocked(id)
	if n == nil {
		return false, ErrNotFound
	}
	if !n.IsStub() {
		return false, ErrNotStub
	}
	if n.Loading {
		return false, nil
	}
	n.Loading = true
	return true, nil
}

// ClearLoading returns a stub to the retryable Stub state after a failure.
func (t *Tree) ClearLoading(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.nodeLocked(id); n != nil {
		n.Loading = false
	}
}

// Graft resolves stub id in place with an indexed fragment whose root was
// allocated as id. The node keeps its identity; the fragment root's name and
// children are merged onto it, its stub fields are cleared, and leaf counts
// are repaired up to the root, all within one critical section.
//
// Children the stub already had (skeleton placeholders for nested manifest
// entries) are kept ahead of the fetched children.
func (t *Tree) Graft(id NodeID, f *Fragment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodeLocked(id)
	if n == nil {
		return ErrNotFound
	}
	if !n.IsStub() {
		return ErrNotStub
	}
	froot := f.RootNode()
	if froot == nil || f.Root != id || froot.ID != id {
		return fmt.Errorf("%w: fragment root does not adopt stub %d", ErrStructural, id)
	}
	for _, m := range f.Nodes[1:] {
		if existing := t.nodeLocked(m.ID); existing != nil {
			return fmt.Errorf("%w: id %d already in use", ErrStructural, m.ID)
		}
	}
	for _, m := range f.Nodes[1:] {
		if err := t.insertLocked(m); err != nil {
			return err
		}
	}

	if froot.Name != "" {
		n.Name = froot.Name
	}
	n.Children = append(n.Children, froot.Children...)
	n.Stub = nil
	n.Loading = false
	n.LeafCount = t.leafSumLocked(n)
	t.repairLocked(n.Parent)
	return nil
}

// RepairAncestors recomputes leaf counts from id up to the root.
func (t *Tree) RepairAncestors(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.repairLocked(id)
}

func (t *Tree) repairLocked(id NodeID) {
	for cur := id; cur != NoNode; {
		n := t.nodeLocked(cur)
		if n == nil {
			return
		}
		n.LeafCount = t.leafSumLocked(n)
		cur = n.Parent
	}
}

func (t *Tree) leafSumLocked(n *Node) int {
	if len(n.Children) == 0 {
		return 1
	}
	sum := 0
	for _, c := range n.Children {
		if child := t.nodeLocked(c); child != nil {
			sum += child.LeafCount
		}
	}
	return sum
}

// RecomputeLeafCounts recomputes every leaf count bottom-up.
func (t *Tree) RecomputeLeafCounts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	order := t.preorderLocked()
	for i := len(order) - 1; i >= 0; i-- {
		n := t.nodes[order[i]]
		n.LeafCount = t.leafSumLocked(n)
	}
}

// preorderLocked lists reachable IDs with an explicit stack. Reversing the
// result visits children before parents.
func (t *Tree) preorderLocked() []NodeID {
	if t.root == NoNode {
		return nil
	}
	order := make([]NodeID, 0, t.count)
	stack := []NodeID{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodeLocked(id)
		if n == nil {
			continue
		}
		order = append(order, id)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return order
}

// SetLayout attaches layout fields to one node.
func (t *Tree) SetLayout(id NodeID, l Layout) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodeLocked(id)
	if n == nil {
		return ErrNotFound
	}
	n.Layout = &l
	return nil
}

// SetLayouts attaches layout fields in one critical section. Unknown IDs are skipped.
func (t *Tree) SetLayouts(layouts map[NodeID]Layout) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, l := range layouts {
		if n := t.nodeLocked(id); n != nil {
			n.Layout = &l
		}
	}
}

// Stubs lists unresolved stub IDs in preorder.
func (t *Tree) Stubs() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NodeID
	for _, id := range t.preorderLocked() {
		if t.nodes[id].IsStub() {
			out = append(out, id)
		}
	}
	return out
}

// Stats walks the tree once and summarizes it.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s Stats
	for _, id := range t.preorderLocked() {
		n := t.nodes[id]
		s.Nodes++
		if n.IsStub() {
			s.Stubs++
		}
		if n.Loading {
			s.Loading++
		}
		s.MaxDepth = max(s.MaxDepth, n.Level)
	}
	if r := t.nodeLocked(t.root); r != nil {
		s.Leaves = r.LeafCount
	}
	return s
}

// Validate checks the structural invariants: one root, each node reachable
// exactly once with a matching parent link, unique IDs, levels one deeper
// than the parent, consistent leaf counts, and Loading only on stubs.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == NoNode {
		return fmt.Errorf("%w: no root", ErrStructural)
	}
	root := t.nodeLocked(t.root)
	if root == nil || root.Parent != NoNode {
		return fmt.Errorf("%w: root %d missing or has a parent", ErrStructural, t.root)
	}

	seen := roaring.New()
	order := make([]NodeID, 0, t.count)
	stack := []NodeID{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id < 0 || int64(id) > math.MaxUint32 {
			return fmt.Errorf("%w: id %d out of range", ErrStructural, id)
		}
		if !seen.CheckedAdd(uint32(id)) {
			return fmt.Errorf("%w: node %d reachable twice", ErrStructural, id)
		}
		n := t.nodeLocked(id)
		if n.ID != id {
			return fmt.Errorf("%w: arena slot %d holds id %d", ErrStructural, id, n.ID)
		}
		if n.Loading && !n.IsStub() {
			return fmt.Errorf("node %d: loading but not a stub", id)
		}
		order = append(order, id)
		for _, c := range n.Children {
			child := t.nodeLocked(c)
			if child == nil {
				return fmt.Errorf("%w: node %d has missing child %d", ErrStructural, id, c)
			}
			if child.Parent != id {
				return fmt.Errorf("%w: node %d parent is %d, want %d", ErrStructural, c, child.Parent, id)
			}
			if child.Level != n.Level+1 {
				return fmt.Errorf("node %d level %d, want %d", c, child.Level, n.Level+1)
			}
			stack = append(stack, c)
		}
	}
	if int(seen.GetCardinality()) != t.count {
		return fmt.Errorf("%w: %d reachable nodes, %d stored", ErrStructural, seen.GetCardinality(), t.count)
	}

	leaves := make(map[NodeID]int, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		n := t.nodes[order[i]]
		want := 1
		if len(n.Children) > 0 {
			want = 0
			for _, c := range n.Children {
				want += leaves[c]
			}
		}
		if n.LeafCount != want {
			return fmt.Errorf("node %d leaf count %d, want %d", n.ID, n.LeafCount, want)
		}
		leaves[n.ID] = want
	}
	return nil
}

// View is read access to a tree while its read lock is held.
type View struct {
	t *Tree
}

// Root returns the root ID.
func (v View) Root() NodeID { return v.t.root }

// Node returns the live node or nil. Callers must not mutate it.
func (v View) Node(id NodeID) *Node { return v.t.nodeLocked(id) }

// Walk visits nodes depth-first from start with an explicit stack.
// Children of a node are visited only when fn returns true for it.
func (v View) Walk(start NodeID, fn func(n *Node) bool) {
	stack := []NodeID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := v.t.nodeLocked(id)
		if n == nil {
			continue
		}
		if !fn(n) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}
