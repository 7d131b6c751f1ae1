package indexer

import (
	"log"
	"time"

	"github.com/google/uuid"

	"rtindex/pkg/core/bptree"
	"rtindex/pkg/core/structure"
	"rtindex/pkg/domain"
)

// ingestLoop is the only writer of the hot tree. Once every sender has left
// it indexes what is still queued and returns.
func (ix *Indexer[K]) ingestLoop() {
	defer ix.wg.Done()

	ticker := time.NewTicker(expiryInterval(ix.opts.TreeTimeSpan))
	defer ticker.Stop()

	for {
		select {
		case rec := <-ix.ingestCh:
			ix.index(rec)
		case <-ticker.C:
			ix.expire()
		case <-ix.stopCh:
			for {
				select {
				case rec := <-ix.ingestCh:
					ix.index(rec)
				default:
					ix.observe()
					return
				}
			}
		}
	}
}

const (
	maxBloomKeys       = 1 << 20
	bloomFalsePositive = 0.01
)

func expiryInterval(span time.Duration) time.Duration {
	d := span / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (ix *Indexer[K]) index(rec Record[K]) {
	ts := rec.TimeHint
	if ts <= 0 {
		ts = ix.now()
	}

	var h *treeHandle[K]
	for {
		if ix.hot == nil || ix.shouldSeal(ts) {
			ix.rotate(ts)
		}
		h = ix.hot
		if h.pin() {
			break
		}
		ix.dropCleanedHot()
	}

	d := h.Domain()
	changed := false
	if !ix.keyed {
		d.Key = domain.NewKeyDomain(rec.Key, rec.Key)
		ix.keyed = true
		changed = true
	} else if kd, ok := d.Key.Widen(rec.Key); ok {
		d.Key = kd
		changed = true
	}
	// widen before the tuple becomes visible so scans never miss it
	if changed {
		h.setDomain(d)
	}
	h.keys.Add(rec.Key)
	h.tree.Insert(rec.Key, rec.Tuple)
	if ts > ix.lastArrival {
		ix.lastArrival = ts
	}
	h.unpin()

	ix.stats.RecordIngest()
	if changed {
		ix.publish(DomainBoundaryUpdate[K]{TreeID: h.id, Domain: d})
	}
}

func (ix *Indexer[K]) shouldSeal(ts int64) bool {
	h := ix.hot
	if ts-h.start >= ix.opts.TreeTimeSpan.Milliseconds() {
		return true
	}
	return h.tree.TupleCount() >= ix.opts.TreeTupleCapacity ||
		h.tree.BytesCount() >= ix.opts.TreeByteCapacity
}

// expire seals a hot tree whose time span ran out while no records arrived.
func (ix *Indexer[K]) expire() {
	if ix.hot == nil {
		return
	}
	if ix.now()-ix.hot.start >= ix.opts.TreeTimeSpan.Milliseconds() {
		ix.seal()
	}
	ix.observe()
}

func (ix *Indexer[K]) rotate(ts int64) {
	if ix.hot != nil {
		ix.seal()
	}
	start := ts
	if ix.hasPrev && start <= ix.prevEnd {
		start = ix.prevEnd + 1
	}
	ix.open(start)
}

func (ix *Indexer[K]) open(start int64) {
	var tree *bptree.Tree[K]
	if ix.opts.TemplateMode && ix.skeleton != nil {
		tree = bptree.NewFromTemplate(ix.skeleton)
	} else {
		tree = bptree.New[K](ix.opts.Order)
	}

	d := domain.Domain[K]{Time: domain.NewTimeDomain(start, domain.OpenEnd)}
	ix.keyed = false
	if ix.opts.InitialKeys != nil {
		d.Key = *ix.opts.InitialKeys
		ix.keyed = true
	}

	keys := structure.NewBloomFilter[K](uint(min(ix.opts.TreeTupleCapacity, maxBloomKeys)), bloomFalsePositive)
	h := newTreeHandle(ix.opts.TaskID+"-"+uuid.NewString(), tree, d, keys)
	ix.registry.add(h)
	ix.hot = h
	ix.lastArrival = start
	log.Printf("[Indexer] Opened tree %s at %d (template=%v)", h.id, start, tree.TemplateMode())

	// an unkeyed tree announces itself with its first insert
	if ix.keyed {
		ix.publish(DomainBoundaryUpdate[K]{TreeID: h.id, Domain: d})
	}
}

// dropCleanedHot forgets a hot tree that CleanTree removed underneath the
// ingest loop. The next tree still starts after everything it accepted.
func (ix *Indexer[K]) dropCleanedHot() {
	log.Printf("[Indexer] Hot tree %s was cleaned, opening a new one", ix.hot.id)
	ix.hot = nil
	ix.prevEnd = max(ix.prevEnd, ix.lastArrival)
	ix.hasPrev = true
}

// seal fixes the hot tree's time end at its last arrival and retires it. A
// hot tree that was cleaned is dropped without a sealed event.
func (ix *Indexer[K]) seal() {
	h := ix.hot
	if !h.pin() {
		ix.dropCleanedHot()
		return
	}
	ix.hot = nil

	d := h.Domain()
	end := max(ix.lastArrival, d.Time.Start)
	d.Time.End = end
	h.setDomain(d)
	h.sealed.Store(true)
	ix.prevEnd = end
	ix.hasPrev = true
	ix.stats.RecordRotation()

	if ix.opts.TemplateMode && !h.tree.TemplateMode() {
		ix.skeleton = bptree.NewFromTemplate(h.tree)
	}
	h.unpin()

	log.Printf("[Indexer] Sealed tree %s %s (%d tuples)", h.id, d, h.tree.TupleCount())
	ix.observe()
	ix.publish(DomainBoundaryUpdate[K]{TreeID: h.id, Domain: d, Sealed: true})
}
