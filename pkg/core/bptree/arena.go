package bptree

import (
	"cmp"
	"fmt"
	"sync"
)

// NodeID is a handle into a tree's node arena. Parent and sibling links are
// stored as handles so that nodes never own each other.
type NodeID uint32

const nilNode NodeID = 0

type arena[K cmp.Ordered] struct {
	mu    sync.RWMutex
	nodes []node[K] // slot 0 is reserved for nilNode
}

func newArena[K cmp.Ordered]() *arena[K] {
	return &arena[K]{nodes: make([]node[K], 1, 64)}
}

// alloc registers n and assigns its handle. The node is not reachable by
// readers until some other node links to the returned id.
func (a *arena[K]) alloc(n node[K]) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := NodeID(len(a.nodes))
	n.header().id = id
	a.nodes = append(a.nodes, n)
	return id
}

func (a *arena[K]) get(id NodeID) node[K] {
	if id == nilNode {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.nodes) {
		panic(fmt.Sprintf("bptree: dangling node handle %d (arena size %d)", id, len(a.nodes)))
	}
	return a.nodes[id]
}

func (a *arena[K]) leaf(id NodeID) *LeafNode[K] {
	n := a.get(id)
	l, ok := n.(*LeafNode[K])
	if !ok {
		panic(fmt.Sprintf("bptree: node %d is not a leaf", id))
	}
	return l
}

func (a *arena[K]) internal(id NodeID) *internalNode[K] {
	n := a.get(id)
	in, ok := n.(*internalNode[K])
	if !ok {
		panic(fmt.Sprintf("bptree: node %d is not an internal node", id))
	}
	return in
}

func (a *arena[K]) size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes) - 1
}

// release drops every node. Handles issued before release become dangling.
func (a *arena[K]) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.nodes)
	a.nodes = a.nodes[:1]
}
