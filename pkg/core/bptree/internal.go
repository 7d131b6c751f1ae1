package bptree

import (
	"cmp"
	"fmt"
	"slices"
)

// internalNode routes a descent: children[i] holds keys below keys[i],
// children[i+1] holds keys from keys[i] upward.
type internalNode[K cmp.Ordered] struct {
	nodeHeader[K]
	children []NodeID
}

func newInternal[K cmp.Ordered](a *arena[K], order int) *internalNode[K] {
	in := &internalNode[K]{
		nodeHeader: nodeHeader[K]{
			order: order,
			keys:  make([]K, 0, order+1),
			arena: a,
		},
		children: make([]NodeID, 0, order+2),
	}
	a.alloc(in)
	return in
}

func (in *internalNode[K]) isLeaf() bool { return false }

func (in *internalNode[K]) childFor(key K) NodeID {
	idx, found := slices.BinarySearch(in.keys, key)
	if found {
		idx++
	}
	return in.children[idx]
}

// insertChild places separator and rightID directly after leftID.
func (in *internalNode[K]) insertChild(leftID NodeID, separator K, rightID NodeID) {
	pos := slices.Index(in.children, leftID)
	if pos < 0 {
		panic(fmt.Sprintf("bptree: node %d is not a child of %d", leftID, in.id))
	}
	in.keys = slices.Insert(in.keys, pos, separator)
	in.children = slices.Insert(in.children, pos+1, rightID)
}

// split moves the upper half into a new right sibling and returns the
// promoted median, which belongs to neither half.
func (in *internalNode[K]) split() (K, *internalNode[K]) {
	mid := len(in.keys) / 2
	promoted := in.keys[mid]
	r := newInternal[K](in.arena, in.order)

	r.keys = append(r.keys, in.keys[mid+1:]...)
	r.children = append(r.children, in.children[mid+1:]...)
	for _, c := range r.children {
		in.arena.get(c).header().parent = r.id
	}

	r.parent = in.parent
	r.left = in.id
	r.right = in.right
	in.relinkRight(r.id)

	clear(in.keys[mid:])
	clear(in.children[mid+1:])
	in.keys = in.keys[:mid]
	in.children = in.children[:mid+1]

	in.right = r.id
	return promoted, r
}

func (in *internalNode[K]) validate() error {
	if len(in.children) != len(in.keys)+1 {
		return fmt.Errorf("bptree: internal node %d has %d keys and %d children",
			in.id, len(in.keys), len(in.children))
	}
	for i := 1; i < len(in.keys); i++ {
		if in.keys[i-1] >= in.keys[i] {
			return fmt.Errorf("bptree: internal node %d keys not ascending at %d", in.id, i)
		}
	}
	for _, c := range in.children {
		if p := in.arena.get(c).header().parent; p != in.id {
			return fmt.Errorf("bptree: child %d of node %d points at parent %d", c, in.id, p)
		}
	}
	return nil
}
