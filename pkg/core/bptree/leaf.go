package bptree

import (
	"cmp"
	"fmt"
	"sync/atomic"
)

// offsetEntrySize is the width of one entry in a leaf's offset table.
const offsetEntrySize = 4

// LeafNode stores, per key, every tuple inserted under that key in arrival
// order, together with a parallel table of tuple lengths.
//
// tupleCount and bytesCount are kept with atomics so they can be read for
// telemetry without taking the node lock.
type LeafNode[K cmp.Ordered] struct {
	nodeHeader[K]
	tuples     [][][]byte
	offsets    [][]int32
	tupleCount atomic.Int64
	bytesCount atomic.Int64
}

func newLeaf[K cmp.Ordered](a *arena[K], order int) *LeafNode[K] {
	l := &LeafNode[K]{
		nodeHeader: nodeHeader[K]{
			order: order,
			keys:  make([]K, 0, order+1),
			arena: a,
		},
		tuples:  make([][][]byte, 0, order+1),
		offsets: make([][]int32, 0, order+1),
	}
	a.alloc(l)
	return l
}

func (l *LeafNode[K]) isLeaf() bool { return true }

func (l *LeafNode[K]) TupleCount() int64 { return l.tupleCount.Load() }

func (l *LeafNode[K]) BytesCount() int64 { return l.bytesCount.Load() }

// Tuples returns the tuples stored under the i-th key.
// The caller must hold the node's lock.
func (l *LeafNode[K]) Tuples(i int) [][]byte {
	l.checkIndex(i)
	return l.tuples[i]
}

// Offsets returns the tuple lengths stored under the i-th key.
// The caller must hold the node's lock.
func (l *LeafNode[K]) Offsets(i int) []int32 {
	l.checkIndex(i)
	return l.offsets[i]
}

// Search returns the index of key, or -1.
func (l *LeafNode[K]) Search(key K) int {
	idx := l.searchIndex(key)
	if idx < len(l.keys) && l.keys[idx] == key {
		return idx
	}
	return -1
}

// InsertKeyTuples appends tuple under key, creating the key slot if needed.
// The caller must hold the node's write lock.
//
// When the insert overflows the node and templateMode is off, the node is
// split and the new right sibling is returned; its first key is the
// separator the caller must push to the parent. In templateMode the tuple
// is committed but the node is never split.
func (l *LeafNode[K]) InsertKeyTuples(key K, tuple []byte, templateMode bool) *LeafNode[K] {
	idx := l.searchIndex(key)
	if idx == len(l.keys) || l.keys[idx] != key {
		l.keys = append(l.keys, key)
		copy(l.keys[idx+1:], l.keys[idx:])
		l.keys[idx] = key

		l.tuples = append(l.tuples, nil)
		copy(l.tuples[idx+1:], l.tuples[idx:])
		l.tuples[idx] = make([][]byte, 0, 1)

		l.offsets = append(l.offsets, nil)
		copy(l.offsets[idx+1:], l.offsets[idx:])
		l.offsets[idx] = make([]int32, 0, 1)

		l.bytesCount.Add(keySize(key))
	}

	l.tuples[idx] = append(l.tuples[idx], tuple)
	l.offsets[idx] = append(l.offsets[idx], int32(len(tuple)))
	l.tupleCount.Add(1)
	l.bytesCount.Add(int64(len(tuple)) + offsetEntrySize)

	if !templateMode && l.isOverflow() {
		return l.split()
	}
	return nil
}

// split moves keys [mid, n) with their tuples and counters into a new right
// sibling. The sibling is complete before l.right is pointed at it.
func (l *LeafNode[K]) split() *LeafNode[K] {
	mid := len(l.keys) / 2
	r := newLeaf[K](l.arena, l.order)

	var movedTuples, movedBytes int64
	for i := mid; i < len(l.keys); i++ {
		r.keys = append(r.keys, l.keys[i])
		r.tuples = append(r.tuples, l.tuples[i])
		r.offsets = append(r.offsets, l.offsets[i])

		movedTuples += int64(len(l.tuples[i]))
		movedBytes += slotBytes(l.keys[i], l.tuples[i])
	}
	r.tupleCount.Store(movedTuples)
	r.bytesCount.Store(movedBytes)

	r.parent = l.parent
	r.left = l.id
	r.right = l.right
	l.relinkRight(r.id)

	clear(l.keys[mid:])
	clear(l.tuples[mid:])
	clear(l.offsets[mid:])
	l.keys = l.keys[:mid]
	l.tuples = l.tuples[:mid]
	l.offsets = l.offsets[:mid]
	l.tupleCount.Add(-movedTuples)
	l.bytesCount.Add(-movedBytes)

	l.right = r.id
	return r
}

// SearchRange collects the tuples of every key in [leftKey, rightKey],
// walking right across sibling leaves.
//
// The caller must hold l's read lock; SearchRange always releases the last
// lock it holds before returning. Each hop takes the next leaf's read lock
// before dropping the current one, so at most two leaves are locked at once.
// Leaves with no keys are skipped.
func (l *LeafNode[K]) SearchRange(leftKey, rightKey K) [][]byte {
	cur := l
	defer func() { cur.mu.RUnlock() }()

	var result [][]byte
	if leftKey > rightKey {
		return result
	}

	idx := cur.searchIndex(leftKey)
	for idx >= len(cur.keys) {
		next := cur.hop()
		if next == nil {
			return result
		}
		cur = next
		idx = cur.searchIndex(leftKey)
	}

	for cur.keys[idx] <= rightKey {
		result = append(result, cur.tuples[idx]...)
		idx++
		for idx >= len(cur.keys) {
			next := cur.hop()
			if next == nil {
				return result
			}
			cur = next
			idx = 0
		}
	}
	return result
}

// hop hands l's read lock over to its right sibling. At the end of the chain
// it returns nil and l stays locked.
func (l *LeafNode[K]) hop() *LeafNode[K] {
	if l.right == nilNode {
		return nil
	}
	next := l.arena.leaf(l.right)
	next.mu.RLock()
	l.mu.RUnlock()
	return next
}

// recount recomputes the byte and tuple totals from the stored slots.
func (l *LeafNode[K]) recount() (tuples, bytes int64) {
	for i, k := range l.keys {
		tuples += int64(len(l.tuples[i]))
		bytes += slotBytes(k, l.tuples[i])
	}
	return tuples, bytes
}

func (l *LeafNode[K]) validate() error {
	if len(l.tuples) != len(l.keys) || len(l.offsets) != len(l.keys) {
		return fmt.Errorf("bptree: leaf %d has %d keys, %d tuple lists, %d offset lists",
			l.id, len(l.keys), len(l.tuples), len(l.offsets))
	}
	for i := range l.keys {
		if i > 0 && l.keys[i-1] >= l.keys[i] {
			return fmt.Errorf("bptree: leaf %d keys not ascending at %d", l.id, i)
		}
		if len(l.tuples[i]) != len(l.offsets[i]) {
			return fmt.Errorf("bptree: leaf %d slot %d has %d tuples and %d offsets",
				l.id, i, len(l.tuples[i]), len(l.offsets[i]))
		}
		for j, t := range l.tuples[i] {
			if int32(len(t)) != l.offsets[i][j] {
				return fmt.Errorf("bptree: leaf %d slot %d offset %d is %d, tuple has %d bytes",
					l.id, i, j, l.offsets[i][j], len(t))
			}
		}
	}
	tuples, bytes := l.recount()
	if tuples != l.tupleCount.Load() {
		return fmt.Errorf("bptree: leaf %d tuple count %d, stored %d", l.id, l.tupleCount.Load(), tuples)
	}
	if bytes != l.bytesCount.Load() {
		return fmt.Errorf("bptree: leaf %d byte count %d, stored %d", l.id, l.bytesCount.Load(), bytes)
	}
	return nil
}

func slotBytes[K cmp.Ordered](key K, tuples [][]byte) int64 {
	n := keySize(key)
	for _, t := range tuples {
		n += int64(len(t)) + offsetEntrySize
	}
	return n
}
