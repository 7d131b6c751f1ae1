// Package bptree implements the concurrent B+Tree that backs one domain of
// the index.
//
// Keys map to lists of opaque tuples. Any number of range scans may run
// concurrently with inserts: scans descend and walk the leaf chain with lock
// coupling, while inserts are serialized per tree and write-lock only the
// nodes they change. Keys only ever move right during a split, so a scan
// that lands on a node just before it splits still reaches every key by
// following right-sibling links.
package bptree

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

const MinOrder = 2

type Tree[K cmp.Ordered] struct {
	order        int
	templateMode bool
	arena        *arena[K]
	root         atomic.Uint32

	writeMu  sync.Mutex
	tuples   atomic.Int64
	bytes    atomic.Int64
	splits   atomic.Int64
	released atomic.Bool
}

type Stats struct {
	Order    int   `json:"order"`
	Depth    int   `json:"depth"`
	Nodes    int   `json:"nodes"`
	Leaves   int   `json:"leaves"`
	Tuples   int64 `json:"tuples"`
	Bytes    int64 `json:"bytes"`
	Splits   int64 `json:"splits"`
	Template bool  `json:"template"`
}

// New returns an empty tree whose nodes hold at most order keys.
func New[K cmp.Ordered](order int) *Tree[K] {
	if order < MinOrder {
		order = MinOrder
	}
	t := &Tree[K]{
		order: order,
		arena: newArena[K](),
	}
	root := newLeaf[K](t.arena, order)
	t.root.Store(uint32(root.id))
	return t
}

// NewFromTemplate builds a tree with the same internal routing structure as
// src but empty leaves. Inserts into it never split, so a hot tree opened
// from a well-shaped predecessor skips all structural work.
func NewFromTemplate[K cmp.Ordered](src *Tree[K]) *Tree[K] {
	src.writeMu.Lock()
	defer src.writeMu.Unlock()

	t := &Tree[K]{
		order:        src.order,
		templateMode: true,
		arena:        newArena[K](),
	}
	var levels [][]*nodeHeader[K]
	rootID := t.cloneSkeleton(src, NodeID(src.root.Load()), nilNode, 0, &levels)
	for _, level := range levels {
		for i, h := range level {
			if i > 0 {
				h.left = level[i-1].id
			}
			if i+1 < len(level) {
				h.right = level[i+1].id
			}
		}
	}
	t.root.Store(uint32(rootID))
	return t
}

func (t *Tree[K]) cloneSkeleton(src *Tree[K], srcID, parent NodeID, depth int, levels *[][]*nodeHeader[K]) NodeID {
	if len(*levels) <= depth {
		*levels = append(*levels, nil)
	}
	var h *nodeHeader[K]
	switch n := src.arena.get(srcID).(type) {
	case *LeafNode[K]:
		h = &newLeaf[K](t.arena, t.order).nodeHeader
	case *internalNode[K]:
		in := newInternal[K](t.arena, t.order)
		in.keys = append(in.keys, n.keys...)
		h = &in.nodeHeader
		(*levels)[depth] = append((*levels)[depth], h)
		for _, c := range n.children {
			in.children = append(in.children, t.cloneSkeleton(src, c, in.id, depth+1, levels))
		}
		h.parent = parent
		return h.id
	}
	h.parent = parent
	(*levels)[depth] = append((*levels)[depth], h)
	return h.id
}

func (t *Tree[K]) Order() int { return t.order }

func (t *Tree[K]) TemplateMode() bool { return t.templateMode }

func (t *Tree[K]) TupleCount() int64 { return t.tuples.Load() }

func (t *Tree[K]) BytesCount() int64 { return t.bytes.Load() }

// Insert stores tuple under key. Inserts on one tree are serialized; they
// may run concurrently with any number of searches.
func (t *Tree[K]) Insert(key K, tuple []byte) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.released.Load() {
		panic("bptree: insert into released tree")
	}

	leaf := t.findLeafExclusive(key)
	leaf.mu.Lock()
	before := leaf.bytesCount.Load()
	right := leaf.InsertKeyTuples(key, tuple, t.templateMode)
	delta := leaf.bytesCount.Load() - before
	if right != nil {
		delta += right.bytesCount.Load()
	}
	leaf.mu.Unlock()

	t.tuples.Add(1)
	t.bytes.Add(delta)
	if right != nil {
		t.splits.Add(1)
		t.insertIntoParent(&leaf.nodeHeader, right.keys[0], right.id)
	}
}

// findLeafExclusive descends without locks. Only the writer (holding
// writeMu) mutates nodes, so the writer itself can read them freely.
func (t *Tree[K]) findLeafExclusive(key K) *LeafNode[K] {
	n := t.arena.get(NodeID(t.root.Load()))
	for !n.isLeaf() {
		n = t.arena.get(n.(*internalNode[K]).childFor(key))
	}
	return n.(*LeafNode[K])
}

// insertIntoParent pushes separator and the new right node into left's
// parent, splitting upward as long as parents overflow. No child lock is
// held while a parent lock is taken.
func (t *Tree[K]) insertIntoParent(left *nodeHeader[K], separator K, rightID NodeID) {
	for {
		if left.parent == nilNode {
			root := newInternal[K](t.arena, t.order)
			root.keys = append(root.keys, separator)
			root.children = append(root.children, left.id, rightID)
			left.parent = root.id
			t.arena.get(rightID).header().parent = root.id
			t.root.Store(uint32(root.id))
			return
		}

		p := t.arena.internal(left.parent)
		p.mu.Lock()
		p.insertChild(left.id, separator, rightID)
		t.arena.get(rightID).header().parent = p.id
		if !p.isOverflow() {
			p.mu.Unlock()
			return
		}
		promoted, r := p.split()
		p.mu.Unlock()

		t.splits.Add(1)
		left, separator, rightID = &p.nodeHeader, promoted, r.id
	}
}

// findLeafShared descends with lock coupling and returns the leaf that may
// hold key, read-locked.
func (t *Tree[K]) findLeafShared(key K) *LeafNode[K] {
	n := t.arena.get(NodeID(t.root.Load()))
	n.header().mu.RLock()
	for !n.isLeaf() {
		child := t.arena.get(n.(*internalNode[K]).childFor(key))
		child.header().mu.RLock()
		n.header().mu.RUnlock()
		n = child
	}
	return n.(*LeafNode[K])
}

// Search returns every tuple stored under key in insertion order.
func (t *Tree[K]) Search(key K) [][]byte {
	return t.SearchRange(key, key)
}

// SearchRange returns the tuples of every key in [leftKey, rightKey],
// ascending by key and then by insertion order. An inverted range yields
// an empty result.
func (t *Tree[K]) SearchRange(leftKey, rightKey K) [][]byte {
	if leftKey > rightKey || t.released.Load() {
		return nil
	}
	return t.findLeafShared(leftKey).SearchRange(leftKey, rightKey)
}

// Release drops every node. The caller must make sure no search is running.
func (t *Tree[K]) Release() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.released.Swap(true) {
		return
	}
	t.arena.release()
	t.tuples.Store(0)
	t.bytes.Store(0)
}

func (t *Tree[K]) Released() bool { return t.released.Load() }

func (t *Tree[K]) Stats() Stats {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	s := Stats{
		Order:    t.order,
		Tuples:   t.tuples.Load(),
		Bytes:    t.bytes.Load(),
		Splits:   t.splits.Load(),
		Template: t.templateMode,
	}
	if t.released.Load() {
		return s
	}
	s.Nodes = t.arena.size()
	n := t.arena.get(NodeID(t.root.Load()))
	s.Depth = 1
	for !n.isLeaf() {
		n = t.arena.get(n.(*internalNode[K]).children[0])
		s.Depth++
	}
	for l := n.(*LeafNode[K]); l != nil; {
		s.Leaves++
		if l.right == nilNode {
			break
		}
		l = t.arena.leaf(l.right)
	}
	return s
}

// Validate checks the structural invariants of the whole tree: sorted keys,
// parent and sibling handles, tuple/offset parity, byte accounting, overall
// key order along the leaf chain and that no node lock is held. It must run
// while no search is in flight.
func (t *Tree[K]) Validate() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.released.Load() {
		return nil
	}

	rootID := NodeID(t.root.Load())
	if p := t.arena.get(rootID).header().parent; p != nilNode {
		return fmt.Errorf("bptree: root %d has parent %d", rootID, p)
	}

	level := []NodeID{rootID}
	for len(level) > 0 {
		var next []NodeID
		for i, id := range level {
			n := t.arena.get(id)
			h := n.header()
			if !h.mu.TryLock() {
				return fmt.Errorf("bptree: node %d is still locked", id)
			}
			h.mu.Unlock()

			var wantLeft, wantRight NodeID
			if i > 0 {
				wantLeft = level[i-1]
			}
			if i+1 < len(level) {
				wantRight = level[i+1]
			}
			if h.left != wantLeft || h.right != wantRight {
				return fmt.Errorf("bptree: node %d siblings (%d, %d), want (%d, %d)",
					id, h.left, h.right, wantLeft, wantRight)
			}
			if !t.templateMode && h.isOverflow() {
				return fmt.Errorf("bptree: node %d holds %d keys, order %d", id, len(h.keys), t.order)
			}

			switch n := n.(type) {
			case *LeafNode[K]:
				if err := n.validate(); err != nil {
					return err
				}
			case *internalNode[K]:
				if err := n.validate(); err != nil {
					return err
				}
				next = append(next, n.children...)
			}
		}
		level = next
	}
	return t.validateLeafChain()
}

func (t *Tree[K]) validateLeafChain() error {
	n := t.arena.get(NodeID(t.root.Load()))
	for !n.isLeaf() {
		n = t.arena.get(n.(*internalNode[K]).children[0])
	}

	var (
		keys           []K
		tuples, nbytes int64
	)
	for l := n.(*LeafNode[K]); ; l = t.arena.leaf(l.right) {
		keys = append(keys, l.keys...)
		tuples += l.tupleCount.Load()
		nbytes += l.bytesCount.Load()
		if l.right == nilNode {
			break
		}
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			return fmt.Errorf("bptree: leaf chain out of order at %v", keys[i])
		}
	}
	if tuples != t.tuples.Load() {
		return fmt.Errorf("bptree: leaves hold %d tuples, tree counted %d", tuples, t.tuples.Load())
	}
	if nbytes != t.bytes.Load() {
		return fmt.Errorf("bptree: leaves hold %d bytes, tree counted %d", nbytes, t.bytes.Load())
	}
	return nil
}

// Keys returns every distinct key in ascending order.
func (t *Tree[K]) Keys() []K {
	var keys []K
	if t.released.Load() {
		return keys
	}
	n := t.arena.get(NodeID(t.root.Load()))
	n.header().mu.RLock()
	for !n.isLeaf() {
		child := t.arena.get(n.(*internalNode[K]).children[0])
		child.header().mu.RLock()
		n.header().mu.RUnlock()
		n = child
	}
	l := n.(*LeafNode[K])
	for {
		keys = append(keys, l.keys...)
		next := l.hop()
		if next == nil {
			l.mu.RUnlock()
			return slices.Clip(keys)
		}
		l = next
	}
}
