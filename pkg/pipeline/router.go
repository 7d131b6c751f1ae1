// Package pipeline connects the indexer's event channel to the rest of the
// process: boundary updates go to the catalog, query results go back to
// whoever is waiting for them, and retention evicts cold trees.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rtindex/pkg/catalog"
	"rtindex/pkg/common"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/domain"
)

type Key = common.KeyType

// Indexer is the part of *indexer.Indexer the pipeline drives.
type Indexer interface {
	Events() <-chan indexer.Event
	Ingest(ctx context.Context, rec indexer.Record[Key]) error
	Submit(ctx context.Context, q indexer.SubQuery[Key]) error
	CleanTree(d domain.Domain[Key])
	Domains() []indexer.TreeInfo[Key]
	Live(treeID string) bool
}

const catalogWriteTimeout = 2 * time.Second

// Router is the single consumer of an Indexer's events.
type Router struct {
	ix      Indexer
	catalog *catalog.Catalog
	// catMu orders boundary upserts against removals so an evicted tree
	// never comes back from a late event
	catMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	waiters map[int64]chan [][]byte

	done chan struct{}
}

// NewRouter starts consuming ix's events. cat may be nil.
func NewRouter(ix Indexer, cat *catalog.Catalog) *Router {
	r := &Router{
		ix:      ix,
		catalog: cat,
		waiters: make(map[int64]chan [][]byte),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Done is closed once the event channel has been drained.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func (r *Router) run() {
	defer close(r.done)
	for ev := range r.ix.Events() {
		switch e := ev.(type) {
		case indexer.DomainBoundaryUpdate[Key]:
			r.recordBoundary(e)
		case indexer.QueryResultReady:
			r.deliver(e)
		default:
			log.Printf("[Router] Unknown event kind %s", ev.Kind())
		}
	}

	// the indexer is gone; nobody will answer what is still pending
	r.mu.Lock()
	for id, ch := range r.waiters {
		close(ch)
		delete(r.waiters, id)
	}
	r.mu.Unlock()
}

func (r *Router) recordBoundary(e indexer.DomainBoundaryUpdate[Key]) {
	if r.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), catalogWriteTimeout)
	defer cancel()

	r.catMu.Lock()
	defer r.catMu.Unlock()
	if !r.ix.Live(e.TreeID) {
		log.Printf("[Router] Ignoring boundary of evicted tree %s", e.TreeID)
		return
	}
	if err := r.catalog.Upsert(ctx, catalog.EntryFor(e.TreeID, e.Domain, e.Sealed)); err != nil {
		log.Printf("[Catalog] Failed to record %s: %v", e.TreeID, err)
	}
}

func (r *Router) deliver(e indexer.QueryResultReady) {
	r.mu.Lock()
	ch, ok := r.waiters[e.QueryID]
	delete(r.waiters, e.QueryID)
	r.mu.Unlock()

	if !ok {
		log.Printf("[Router] Dropping result of abandoned query %d (%d tuples)", e.QueryID, len(e.Tuples))
		return
	}
	ch <- e.Tuples
}

func (r *Router) register() (int64, chan [][]byte) {
	id := r.nextID.Add(1)
	ch := make(chan [][]byte, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *Router) abandon(id int64) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Query submits one sub-query and waits for its result.
func (r *Router) Query(ctx context.Context, left, right Key, window *domain.TimeDomain) ([][]byte, error) {
	id, ch := r.register()
	if err := r.ix.Submit(ctx, indexer.SubQuery[Key]{QueryID: id, Left: left, Right: right, TimeWindow: window}); err != nil {
		r.abandon(id)
		return nil, err
	}
	select {
	case tuples, ok := <-ch:
		if !ok {
			return nil, indexer.ErrClosed
		}
		return tuples, nil
	case <-ctx.Done():
		r.abandon(id)
		log.Printf("[Router] Query %d abandoned: %v", id, ctx.Err())
		return nil, ctx.Err()
	}
}

// QueryRanges fans a query out as one sub-query per key range and returns the
// results in range order.
func (r *Router) QueryRanges(ctx context.Context, ranges []common.ZRange, window *domain.TimeDomain) ([][]byte, error) {
	parts := make([][][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, zr := range ranges {
		g.Go(func() error {
			tuples, err := r.Query(gctx, zr.Min, zr.Max, window)
			parts[i] = tuples
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out [][]byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Ingest hands one record to the indexer.
func (r *Router) Ingest(ctx context.Context, key Key, tuple []byte, timeHint int64) error {
	err := r.ix.Ingest(ctx, indexer.Record[Key]{Key: key, Tuple: tuple, TimeHint: timeHint})
	if err != nil {
		log.Printf("[Router] Ingest of key %d interrupted: %v", key, err)
	}
	return err
}

// Clean evicts the tree with domain d and drops it from the catalog.
func (r *Router) Clean(ctx context.Context, d domain.Domain[Key]) error {
	r.ix.CleanTree(d)
	if r.catalog == nil {
		return nil
	}
	r.catMu.Lock()
	defer r.catMu.Unlock()
	_, err := r.catalog.RemoveDomain(ctx, d)
	return err
}

// forget drops an evicted tree from the catalog.
func (r *Router) forget(ctx context.Context, treeID string) error {
	if r.catalog == nil {
		return nil
	}
	r.catMu.Lock()
	defer r.catMu.Unlock()
	return r.catalog.Remove(ctx, treeID)
}

// Domains lists the live trees.
func (r *Router) Domains() []indexer.TreeInfo[Key] {
	return r.ix.Domains()
}

// Covering answers from the catalog which trees a query would touch.
func (r *Router) Covering(ctx context.Context, left, right Key, window *domain.TimeDomain) ([]catalog.Entry, error) {
	if r.catalog == nil {
		var out []catalog.Entry
		for _, ti := range r.ix.Domains() {
			if ti.Domain.Intersects(left, right, window) {
				out = append(out, catalog.EntryFor(ti.TreeID, ti.Domain, !ti.Hot))
			}
		}
		return out, nil
	}
	return r.catalog.Covering(ctx, left, right, window)
}
