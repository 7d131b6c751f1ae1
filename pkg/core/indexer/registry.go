package indexer

import (
	"cmp"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"rtindex/pkg/core/bptree"
	"rtindex/pkg/core/structure"
	"rtindex/pkg/domain"
)

// treeHandle is one registered domain tree. start never changes after
// registration and orders the registry; the rest of the domain may widen
// while the tree is hot.
//
// Scans and inserts hold pins for reading; CleanTree takes it for writing so
// that a tree is only released once every in-flight scan has finished.
type treeHandle[K cmp.Ordered] struct {
	id     string
	start  int64
	tree   *bptree.Tree[K]
	domain atomic.Pointer[domain.Domain[K]]
	sealed atomic.Bool
	// keys filters point queries; every key is added before it is inserted
	keys *structure.BloomFilter[K]

	pins   sync.RWMutex
	closed bool
}

func newTreeHandle[K cmp.Ordered](id string, tree *bptree.Tree[K], d domain.Domain[K], keys *structure.BloomFilter[K]) *treeHandle[K] {
	h := &treeHandle[K]{id: id, start: d.Time.Start, tree: tree, keys: keys}
	h.domain.Store(&d)
	return h
}

func (h *treeHandle[K]) Domain() domain.Domain[K] {
	return *h.domain.Load()
}

func (h *treeHandle[K]) setDomain(d domain.Domain[K]) {
	h.domain.Store(&d)
}

func (h *treeHandle[K]) pin() bool {
	h.pins.RLock()
	if h.closed {
		h.pins.RUnlock()
		return false
	}
	return true
}

func (h *treeHandle[K]) unpin() {
	h.pins.RUnlock()
}

// reclaim waits for every pin to be released, then frees the tree.
func (h *treeHandle[K]) reclaim() {
	h.pins.Lock()
	defer h.pins.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.tree.Release()
}

// registry maps domains to trees, ordered by time domain start.
type registry[K cmp.Ordered] struct {
	mu    sync.RWMutex
	trees *btree.BTreeG[*treeHandle[K]]
}

func handleLess[K cmp.Ordered](a, b *treeHandle[K]) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.id < b.id
}

func newRegistry[K cmp.Ordered]() *registry[K] {
	return &registry[K]{trees: btree.NewG(16, handleLess[K])}
}

func (r *registry[K]) add(h *treeHandle[K]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees.ReplaceOrInsert(h)
}

// remove unregisters the tree whose current domain equals d.
func (r *registry[K]) remove(d domain.Domain[K]) *treeHandle[K] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *treeHandle[K]
	r.trees.AscendGreaterOrEqual(&treeHandle[K]{start: d.Time.Start}, func(h *treeHandle[K]) bool {
		if h.start != d.Time.Start {
			return false
		}
		if h.Domain() == d {
			found = h
			return false
		}
		return true
	})
	if found != nil {
		r.trees.Delete(found)
	}
	return found
}

// intersecting returns the trees a query over [left, right] and window must
// visit, oldest first.
func (r *registry[K]) intersecting(left, right K, window *domain.TimeDomain) []*treeHandle[K] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*treeHandle[K]
	r.trees.Ascend(func(h *treeHandle[K]) bool {
		if window != nil && h.start > window.End {
			return false
		}
		if h.Domain().Intersects(left, right, window) {
			out = append(out, h)
		}
		return true
	})
	return out
}

func (r *registry[K]) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := false
	r.trees.Ascend(func(h *treeHandle[K]) bool {
		found = h.id == id
		return !found
	})
	return found
}

func (r *registry[K]) all() []*treeHandle[K] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*treeHandle[K], 0, r.trees.Len())
	r.trees.Ascend(func(h *treeHandle[K]) bool {
		out = append(out, h)
		return true
	})
	return out
}

func (r *registry[K]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trees.Len()
}
