package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"rtindex/pkg/catalog"
	"rtindex/pkg/common"
	"rtindex/pkg/config"
	"rtindex/pkg/core/indexer"
	"rtindex/pkg/domain"
)

const t0 = int64(1_700_000_000_000)

type harness struct {
	ix      *indexer.Indexer[Key]
	router  *Router
	catalog *catalog.Catalog
	clock   atomic.Int64
}

func newHarness(t *testing.T, opts indexer.Options[Key]) *harness {
	t.Helper()
	h := &harness{}
	h.clock.Store(t0)
	opts.Clock = func() time.Time { return time.UnixMilli(h.clock.Load()) }
	if opts.Order == 0 {
		opts.Order = 4
	}

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	h.catalog = cat
	h.ix = indexer.New(opts)
	h.router = NewRouter(h.ix, cat)
	t.Cleanup(func() {
		h.ix.Close()
		<-h.router.Done()
		cat.Close()
	})
	return h
}

func tupleFor(key Key) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(key))
	return b
}

func keysOf(tuples [][]byte) []Key {
	keys := make([]Key, 0, len(tuples))
	for _, tp := range tuples {
		keys = append(keys, Key(binary.BigEndian.Uint64(tp)))
	}
	return keys
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) ingest(t *testing.T, keys ...Key) {
	t.Helper()
	for _, k := range keys {
		if err := h.router.Ingest(context.Background(), k, tupleFor(k), 0); err != nil {
			t.Fatalf("ingest %d: %v", k, err)
		}
	}
}

func (h *harness) waitTuples(t *testing.T, n int64) {
	t.Helper()
	waitFor(t, func() bool {
		var total int64
		for _, ti := range h.router.Domains() {
			total += ti.Tuples
		}
		return total >= n
	})
}

func (h *harness) waitCold(t *testing.T, n int) {
	t.Helper()
	waitFor(t, func() bool {
		cold, err := h.catalog.ColdDomains(context.Background())
		return err == nil && len(cold) >= n
	})
}

func TestRouterQueryRoundTrip(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{})
	h.ingest(t, 5, 3, 8, 1, 9, 2, 7)
	h.waitTuples(t, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := h.router.Query(ctx, 2, 8, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if want := []Key{2, 3, 5, 7, 8}; !slices.Equal(keysOf(got), want) {
		t.Fatalf("got %v, want %v", keysOf(got), want)
	}
}

func TestRouterQueryRanges(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{})
	h.ingest(t, 1, 2, 3, 10, 11, 12, 20, 21)
	h.waitTuples(t, 8)

	ranges := []common.ZRange{{Min: 10, Max: 11}, {Min: 1, Max: 2}, {Min: 21, Max: 30}}
	got, err := h.router.QueryRanges(context.Background(), ranges, nil)
	if err != nil {
		t.Fatalf("query ranges: %v", err)
	}
	if want := []Key{10, 11, 1, 2, 21}; !slices.Equal(keysOf(got), want) {
		t.Fatalf("got %v, want %v", keysOf(got), want)
	}
}

func TestRouterRecordsBoundariesInCatalog(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{})
	h.ingest(t, 40, 10, 25)
	h.waitTuples(t, 3)

	tree := h.router.Domains()[0]
	want := domain.New(domain.NewKeyDomain[Key](10, 40), domain.NewTimeDomain(t0, domain.OpenEnd))
	waitFor(t, func() bool {
		e, ok, err := h.catalog.Get(context.Background(), tree.TreeID)
		return err == nil && ok && e.Domain() == want && !e.Sealed
	})

	covering, err := h.router.Covering(context.Background(), 30, 35, nil)
	if err != nil || len(covering) != 1 || covering[0].TreeID != tree.TreeID {
		t.Fatalf("covering: %+v err=%v", covering, err)
	}
}

func TestRouterCleanDropsCatalogEntry(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{TreeTupleCapacity: 2})
	h.ingest(t, 1, 2, 3)
	h.waitTuples(t, 3)
	h.waitCold(t, 1)

	cold, _ := h.catalog.ColdDomains(context.Background())
	if err := h.router.Clean(context.Background(), cold[0].Domain()); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n := len(h.router.Domains()); n != 1 {
		t.Fatalf("expected only the hot tree left, got %d", n)
	}
	if _, ok, _ := h.catalog.Get(context.Background(), cold[0].TreeID); ok {
		t.Fatal("catalog still lists the cleaned tree")
	}
}

func TestCleanedHotTreeStaysOutOfCatalog(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{TreeTimeSpan: 100 * time.Millisecond})
	h.ingest(t, 7)
	h.waitTuples(t, 1)

	hot := h.router.Domains()[0]
	if err := h.router.Clean(context.Background(), hot.Domain); err != nil {
		t.Fatalf("clean: %v", err)
	}

	// the expired span makes the ingest loop retire whatever it still holds
	h.clock.Add(200)
	time.Sleep(100 * time.Millisecond)
	h.ingest(t, 8)
	h.waitTuples(t, 1)

	next := h.router.Domains()[0]
	if next.TreeID == hot.TreeID {
		t.Fatal("cleaned tree is still registered")
	}
	waitFor(t, func() bool {
		_, ok, err := h.catalog.Get(context.Background(), next.TreeID)
		return err == nil && ok
	})

	if _, ok, _ := h.catalog.Get(context.Background(), hot.TreeID); ok {
		t.Fatal("catalog lists the cleaned hot tree again")
	}
	cold, err := h.catalog.ColdDomains(context.Background())
	if err != nil {
		t.Fatalf("cold domains: %v", err)
	}
	if len(cold) != 0 {
		t.Fatalf("expected no cold domains, got %+v", cold)
	}
	if next.Domain.Time.Start <= hot.Domain.Time.Start {
		t.Fatalf("replacement starts at %d, not after %d", next.Domain.Time.Start, hot.Domain.Time.Start)
	}
}

func TestRetentionEvictsOldestBeyondLimit(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{TreeTupleCapacity: 1})
	h.ingest(t, 1, 2, 3, 4, 5)
	h.waitTuples(t, 5)
	h.waitCold(t, 4)

	ret := NewRetention(h.router, config.RetentionConfig{MaxColdTrees: 2, Interval: time.Hour}, nil)
	defer ret.Close()

	if n := ret.Sweep(context.Background()); n != 2 {
		t.Fatalf("evicted %d trees, want 2", n)
	}
	infos := h.router.Domains()
	if len(infos) != 3 {
		t.Fatalf("expected 3 trees left, got %d", len(infos))
	}
	got := keysOf(h.ix.Execute(indexer.SubQuery[Key]{Left: 0, Right: 10}))
	if want := []Key{3, 4, 5}; !slices.Equal(got, want) {
		t.Fatalf("surviving keys: got %v, want %v", got, want)
	}
	if n := ret.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep evicted %d", n)
	}
}

func TestRetentionEvictsByAge(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{TreeTupleCapacity: 1})
	h.ingest(t, 1, 2, 3)
	h.waitTuples(t, 3)
	h.waitCold(t, 2)

	later := func() time.Time { return time.UnixMilli(t0).Add(10 * time.Minute) }
	ret := NewRetention(h.router, config.RetentionConfig{MaxAge: 5 * time.Minute, Interval: time.Hour}, later)
	defer ret.Close()

	if n := ret.Sweep(context.Background()); n != 2 {
		t.Fatalf("evicted %d trees, want 2", n)
	}
	infos := h.router.Domains()
	if len(infos) != 1 || !infos[0].Hot {
		t.Fatalf("expected the hot tree to survive, got %+v", infos)
	}
}

func TestQueryAfterCloseFails(t *testing.T) {
	h := newHarness(t, indexer.Options[Key]{})
	h.ix.Close()
	<-h.router.Done()

	_, err := h.router.Query(context.Background(), 0, 1, nil)
	if !errors.Is(err, indexer.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
