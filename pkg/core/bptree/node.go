package bptree

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"unsafe"
)

// node is the structural contract shared by leaves and internal nodes.
type node[K cmp.Ordered] interface {
	header() *nodeHeader[K]
	isLeaf() bool
}

// nodeHeader holds what every node carries: its sorted keys, its handles to
// the parent and same-level siblings, and the lock guarding its arrays.
// More than order keys is a transient overflow resolved by a split.
type nodeHeader[K cmp.Ordered] struct {
	id     NodeID
	order  int
	keys   []K
	parent NodeID
	left   NodeID
	right  NodeID
	arena  *arena[K]
	mu     sync.RWMutex
}

func (h *nodeHeader[K]) header() *nodeHeader[K] { return h }

func (h *nodeHeader[K]) ID() NodeID { return h.id }

func (h *nodeHeader[K]) KeyCount() int { return len(h.keys) }

// Key returns the i-th key. The caller must hold the node's lock.
func (h *nodeHeader[K]) Key(i int) K {
	h.checkIndex(i)
	return h.keys[i]
}

func (h *nodeHeader[K]) isOverflow() bool {
	return len(h.keys) > h.order
}

// searchIndex returns the position of key, or the position it would be
// inserted at.
func (h *nodeHeader[K]) searchIndex(key K) int {
	idx, _ := slices.BinarySearch(h.keys, key)
	return idx
}

func (h *nodeHeader[K]) checkIndex(i int) {
	if i < 0 || i >= len(h.keys) {
		panic(fmt.Sprintf("bptree: node %d index %d out of range [0,%d)", h.id, i, len(h.keys)))
	}
}

// relinkRight points the old right neighbour's left handle at newID. The
// neighbour is locked after h, keeping lock order left to right.
func (h *nodeHeader[K]) relinkRight(newID NodeID) {
	if h.right == nilNode {
		return
	}
	nb := h.arena.get(h.right).header()
	nb.mu.Lock()
	nb.left = newID
	nb.mu.Unlock()
}

// keySize is the number of bytes a key contributes to a leaf's byte count.
func keySize[K cmp.Ordered](key K) int64 {
	if s, ok := any(key).(string); ok {
		return int64(len(s))
	}
	return int64(unsafe.Sizeof(key))
}
