package graph

import (
	"errors"
	"sync/atomic"
)

var (
	ErrNotFound = errors.New("node not found")
	ErrNotStub  = errors.New("node is not a stub")

	// ErrStructural marks input that cannot form a tree (empty input,
	// no root, dangling ids). Retrying cannot fix it.
	ErrStructural = errors.New("structural error")
)

// NodeID indexes a node in a Tree's arena. IDs are unique per load session.
type NodeID int64

// NoNode is the parent of the root.
const NoNode NodeID = -1

// Layout holds position fields owned by the layout collaborator.
// The materializer only carries them; it never interprets them except for
// viewport intersection tests.
type Layout struct {
	X, Y, R float64
}

// StubRef marks an unresolved subtree and says where to fetch it.
type StubRef struct {
	ChunkPath string // canonical breadcrumb used for manifest lookup
	ChunkFile string // file that resolves this node
}

// Node is a tree vertex. Children and Parent are arena indices, not pointers.
//
// A node is a stub while Stub is non-nil. Resolution is a variant transition:
// Stub becomes nil and Children receive the fetched subtree.
type Node struct {
	ID        NodeID
	Name      string
	Level     int
	Parent    NodeID
	Children  []NodeID
	LeafCount int
	Stub      *StubRef
	Loading   bool
	Layout    *Layout
}

// IsStub reports whether the node's subtree has not been fetched yet.
func (n *Node) IsStub() bool { return n.Stub != nil }

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

func (n *Node) clone() Node {
	c := *n
	if n.Children != nil {
		c.Children = append([]NodeID(nil), n.Children...)
	}
	if n.Stub != nil {
		s := *n.Stub
		c.Stub = &s
	}
	if n.Layout != nil {
		l := *n.Layout
		c.Layout = &l
	}
	return c
}

// IDAllocator issues monotonically increasing node IDs for one load session.
// It is safe for concurrent use; concurrent stub resolutions share one allocator.
type IDAllocator struct {
	next atomic.Int64
}

// NewIDAllocator returns an allocator whose first ID is start.
func NewIDAllocator(start NodeID) *IDAllocator {
	a := &IDAllocator{}
	a.next.Store(int64(start))
	return a
}

// Next returns a fresh ID.
func (a *IDAllocator) Next() NodeID {
	return NodeID(a.next.Add(1) - 1)
}

// Peek returns the ID the next call to Next will issue.
func (a *IDAllocator) Peek() NodeID {
	return NodeID(a.next.Load())
}

// AdvanceTo guarantees every later ID is >= id. It never moves backwards.
func (a *IDAllocator) AdvanceTo(id NodeID) {
	for {
		cur := a.next.Load()
		if cur >= int64(id) {
			return
		}
		if a.next.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// Reset restarts the sequence at zero. Only valid before any tree uses it.
func (a *IDAllocator) Reset() {
	a.next.Store(0)
}

// Fragment is a detached batch of freshly indexed nodes, in preorder.
// Nodes[0] is the fragment root. Fragments are built off-lock and spliced
// into a Tree in a single critical section.
type Fragment struct {
	Root  NodeID
	Nodes []*Node
}

// RootNode returns the first node of the fragment.
func (f *Fragment) RootNode() *Node {
	if len(f.Nodes) == 0 {
		return nil
	}
	return f.Nodes[0]
}
