package indexer

import (
	"time"

	"golang.org/x/sync/errgroup"
)

func (ix *Indexer[K]) queryLoop() {
	defer ix.wg.Done()
	for {
		select {
		case q := <-ix.queryCh:
			ix.answer(q)
		case <-ix.closeCh:
			return
		}
	}
}

func (ix *Indexer[K]) answer(q SubQuery[K]) {
	began := time.Now()
	tuples := ix.Execute(q)
	ix.stats.RecordQuery(len(tuples), time.Since(began))
	ix.publish(QueryResultReady{QueryID: q.QueryID, Tuples: tuples})
}

// Execute runs a sub-query synchronously against every tree whose domain it
// intersects. Per-tree results are concatenated oldest tree first; within a
// tree they are ascending by key. Trees cleaned mid-query contribute
// nothing.
func (ix *Indexer[K]) Execute(q SubQuery[K]) [][]byte {
	if q.Left > q.Right {
		return nil
	}
	handles := ix.registry.intersecting(q.Left, q.Right, q.TimeWindow)
	if len(handles) == 0 {
		return nil
	}

	if q.Left == q.Right {
		// point query: drop trees that never saw the key
		kept := handles[:0]
		for _, h := range handles {
			if h.keys.Contains(q.Left) {
				kept = append(kept, h)
			} else {
				ix.bloomSkips.Add(1)
			}
		}
		handles = kept
	}

	parts := make([][][]byte, len(handles))
	var g errgroup.Group
	g.SetLimit(ix.opts.QueryWorkers)
	for i, h := range handles {
		g.Go(func() error {
			if !h.pin() {
				return nil
			}
			defer h.unpin()
			parts[i] = h.tree.SearchRange(q.Left, q.Right)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([][]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
