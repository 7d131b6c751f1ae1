// Package indexer owns the set of domain trees of one index task.
//
// Records arrive on a bounded ingest queue and are inserted into the hot
// tree by a single ingest loop, which also rotates the hot tree once its
// time span or capacity is used up. Sub-queries arrive on a bounded query
// queue and are answered by a pool of query workers against every tree
// whose domain they intersect. Both loops report outward on one event
// channel; nothing here talks to the network.
package indexer

import (
	"cmp"
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rtindex/pkg/common"
	"rtindex/pkg/config"
	"rtindex/pkg/core/bptree"
	"rtindex/pkg/domain"
	"rtindex/pkg/monitor"
)

var ErrClosed = errors.New("indexer: closed")

// Record is one ingest queue entry. Ownership of Tuple passes to the
// Indexer on a successful Ingest. TimeHint is an optional arrival time in
// Unix milliseconds; zero means "stamp on arrival".
type Record[K cmp.Ordered] struct {
	Key      K
	Tuple    []byte
	TimeHint int64
}

// SubQuery is one query-pending queue entry. A nil TimeWindow matches every
// tree whose key domain intersects [Left, Right].
type SubQuery[K cmp.Ordered] struct {
	QueryID    int64
	Left       K
	Right      K
	TimeWindow *domain.TimeDomain
}

type Options[K cmp.Ordered] struct {
	TaskID            string
	Order             int
	IngestQueueSize   int
	QueryQueueSize    int
	EventBufferSize   int
	QueryWorkers      int
	TreeTimeSpan      time.Duration
	TreeTupleCapacity int64
	TreeByteCapacity  int64
	TemplateMode      bool
	// InitialKeys seeds the key domain of every new hot tree. When nil the
	// domain starts at the first key inserted.
	InitialKeys *domain.KeyDomain[K]
	Clock       func() time.Time
	Stats       *monitor.WorkloadStats
}

// OptionsFromConfig maps the index section of the config file onto
// Options for int64 keys.
func OptionsFromConfig(taskID string, cfg config.IndexConfig, stats *monitor.WorkloadStats) Options[common.KeyType] {
	opts := Options[common.KeyType]{
		TaskID:            taskID,
		Order:             cfg.Order,
		IngestQueueSize:   cfg.IngestQueueSize,
		QueryQueueSize:    cfg.QueryQueueSize,
		EventBufferSize:   cfg.EventBufferSize,
		QueryWorkers:      cfg.QueryWorkers,
		TreeTimeSpan:      cfg.TreeTimeSpan,
		TreeTupleCapacity: cfg.TreeTupleCapacity,
		TreeByteCapacity:  cfg.TreeByteCapacity,
		TemplateMode:      cfg.TemplateMode,
		Stats:             stats,
	}
	if cfg.KeyLower < cfg.KeyUpper {
		kd := domain.NewKeyDomain(common.KeyType(cfg.KeyLower), common.KeyType(cfg.KeyUpper))
		opts.InitialKeys = &kd
	}
	return opts
}

func (o *Options[K]) applyDefaults() {
	def := config.Default().Index
	if o.TaskID == "" {
		o.TaskID = "indexer"
	}
	if o.Order < 2 {
		o.Order = def.Order
	}
	if o.IngestQueueSize <= 0 {
		o.IngestQueueSize = def.IngestQueueSize
	}
	if o.QueryQueueSize <= 0 {
		o.QueryQueueSize = def.QueryQueueSize
	}
	if o.EventBufferSize < 0 {
		o.EventBufferSize = 0
	}
	if o.QueryWorkers <= 0 {
		o.QueryWorkers = def.QueryWorkers
	}
	if o.TreeTimeSpan <= 0 {
		o.TreeTimeSpan = def.TreeTimeSpan
	}
	if o.TreeTupleCapacity <= 0 {
		o.TreeTupleCapacity = def.TreeTupleCapacity
	}
	if o.TreeByteCapacity <= 0 {
		o.TreeByteCapacity = def.TreeByteCapacity
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Stats == nil {
		o.Stats = monitor.NewWorkloadStats(nil)
	}
}

type Indexer[K cmp.Ordered] struct {
	opts     Options[K]
	stats    *monitor.WorkloadStats
	registry *registry[K]

	ingestCh chan Record[K]
	queryCh  chan SubQuery[K]
	events   chan Event

	bloomSkips atomic.Int64

	// closeMu orders the close of closeCh against senders joining
	closeMu   sync.RWMutex
	senders   sync.WaitGroup
	closeCh   chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by the ingest loop
	hot         *treeHandle[K]
	keyed       bool
	skeleton    *bptree.Tree[K]
	lastArrival int64
	prevEnd     int64
	hasPrev     bool
}

// New builds an Indexer and starts its ingest loop and query workers.
func New[K cmp.Ordered](opts Options[K]) *Indexer[K] {
	opts.applyDefaults()
	ix := &Indexer[K]{
		opts:     opts,
		stats:    opts.Stats,
		registry: newRegistry[K](),
		ingestCh: make(chan Record[K], opts.IngestQueueSize),
		queryCh:  make(chan SubQuery[K], opts.QueryQueueSize),
		events:   make(chan Event, opts.EventBufferSize),
		closeCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}

	ix.wg.Add(1)
	go ix.ingestLoop()
	for i := 0; i < opts.QueryWorkers; i++ {
		ix.wg.Add(1)
		go ix.queryLoop()
	}
	return ix
}

// Events is the outward notification channel. It is closed by Close.
func (ix *Indexer[K]) Events() <-chan Event {
	return ix.events
}

// Ingest enqueues a record, blocking while the ingest queue is full. It
// returns ctx.Err() if the caller gives up first; nothing is dropped
// silently.
func (ix *Indexer[K]) Ingest(ctx context.Context, rec Record[K]) error {
	if !ix.enter() {
		return ErrClosed
	}
	defer ix.senders.Done()
	select {
	case ix.ingestCh <- rec:
		return nil
	case <-ix.closeCh:
		return ErrClosed
	case <-ctx.Done():
		ix.stats.RecordInterrupt("ingest")
		log.Printf("[Indexer] ingest interrupted while queue full: %v", ctx.Err())
		return ctx.Err()
	}
}

// Submit enqueues a sub-query, with the same blocking policy as Ingest.
func (ix *Indexer[K]) Submit(ctx context.Context, q SubQuery[K]) error {
	if !ix.enter() {
		return ErrClosed
	}
	defer ix.senders.Done()
	select {
	case ix.queryCh <- q:
		return nil
	case <-ix.closeCh:
		return ErrClosed
	case <-ctx.Done():
		ix.stats.RecordInterrupt("query")
		log.Printf("[Indexer] query %d interrupted while queue full: %v", q.QueryID, ctx.Err())
		return ctx.Err()
	}
}

// enter registers a sender unless the Indexer is closing.
func (ix *Indexer[K]) enter() bool {
	ix.closeMu.RLock()
	defer ix.closeMu.RUnlock()
	select {
	case <-ix.closeCh:
		return false
	default:
	}
	ix.senders.Add(1)
	return true
}

// CleanTree evicts the tree whose current domain equals d. Unknown domains
// are ignored. It returns once in-flight scans of the tree have finished
// and its nodes are released.
func (ix *Indexer[K]) CleanTree(d domain.Domain[K]) {
	h := ix.registry.remove(d)
	if h == nil {
		return
	}
	h.reclaim()
	ix.stats.RecordClean()
	log.Printf("[Indexer] Cleaned tree %s %s", h.id, d)
	ix.observe()
}

// Live reports whether the tree with the given id is still registered.
func (ix *Indexer[K]) Live(treeID string) bool {
	return ix.registry.has(treeID)
}

// TreeInfo describes one registered tree.
type TreeInfo[K cmp.Ordered] struct {
	TreeID string           `json:"tree_id"`
	Domain domain.Domain[K] `json:"domain"`
	Hot    bool             `json:"hot"`
	Tuples int64            `json:"tuples"`
	Bytes  int64            `json:"bytes"`
}

// Domains lists registered trees, oldest first.
func (ix *Indexer[K]) Domains() []TreeInfo[K] {
	handles := ix.registry.all()
	out := make([]TreeInfo[K], 0, len(handles))
	for _, h := range handles {
		out = append(out, TreeInfo[K]{
			TreeID: h.id,
			Domain: h.Domain(),
			Hot:    !h.sealed.Load(),
			Tuples: h.tree.TupleCount(),
			Bytes:  h.tree.BytesCount(),
		})
	}
	return out
}

func (ix *Indexer[K]) Stats() map[string]interface{} {
	var tuples, nbytes int64
	hot := 0
	infos := ix.Domains()
	for _, ti := range infos {
		tuples += ti.Tuples
		nbytes += ti.Bytes
		if ti.Hot {
			hot++
		}
	}
	stats := ix.stats.Snapshot()
	stats["trees"] = len(infos)
	stats["hot_trees"] = hot
	stats["tuples"] = tuples
	stats["bytes"] = nbytes
	stats["pending_ingest"] = len(ix.ingestCh)
	stats["pending_queries"] = len(ix.queryCh)
	stats["order"] = ix.opts.Order
	stats["template_mode"] = ix.opts.TemplateMode
	stats["bloom_skips"] = ix.bloomSkips.Load()
	return stats
}

func (ix *Indexer[K]) observe() {
	var tuples, nbytes int64
	handles := ix.registry.all()
	for _, h := range handles {
		tuples += h.tree.TupleCount()
		nbytes += h.tree.BytesCount()
	}
	ix.stats.ObserveIndex(len(handles), tuples, nbytes)
}

// publish blocks until the event is taken or the Indexer closes.
func (ix *Indexer[K]) publish(ev Event) {
	select {
	case ix.events <- ev:
		return
	default:
	}
	select {
	case ix.events <- ev:
	case <-ix.closeCh:
		log.Printf("[Indexer] dropping %s event on close", ev.Kind())
	}
}

func (ix *Indexer[K]) now() int64 {
	return ix.opts.Clock().UnixMilli()
}

// Close stops the loops, indexes whatever was already queued for ingest and
// closes the event channel. A record Ingest accepted is always indexed.
func (ix *Indexer[K]) Close() {
	ix.closeOnce.Do(func() {
		ix.closeMu.Lock()
		close(ix.closeCh)
		ix.closeMu.Unlock()

		// senders in flight either land in the queue or see closeCh
		ix.senders.Wait()
		close(ix.stopCh)
		ix.wg.Wait()
		close(ix.events)
	})
}
