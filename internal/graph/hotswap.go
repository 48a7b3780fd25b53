package graph

import (
	"sync"
)

// HotSwap holds the tree of the current load session. A new session swaps
// in a fresh tree; the previous one is discarded whole.
type HotSwap struct {
	mu      sync.RWMutex
	current *Tree
}

func NewHotSwap(initial *Tree) *HotSwap {
	return &HotSwap{current: initial}
}

// Swap atomically replaces the current tree and returns the old one.
func (h *HotSwap) Swap(t *Tree) *Tree {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.current
	h.current = t
	return old
}

// Current returns the live tree, or nil before the first load.
func (h *HotSwap) Current() *Tree {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}
