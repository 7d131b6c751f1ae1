package catalog

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"rtindex/pkg/common"
	"rtindex/pkg/domain"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "nested", "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func dom(kl, ku, ts, te int64) domain.Domain[common.KeyType] {
	return domain.New(domain.NewKeyDomain(common.KeyType(kl), common.KeyType(ku)), domain.NewTimeDomain(ts, te))
}

func TestUpsertAndGet(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, EntryFor("a", dom(1, 5, 100, domain.OpenEnd), false)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.Upsert(ctx, EntryFor("a", dom(0, 9, 100, domain.OpenEnd), false)); err != nil {
		t.Fatalf("upsert widen: %v", err)
	}

	e, ok, err := c.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if e.Domain() != dom(0, 9, 100, domain.OpenEnd) || e.Sealed {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.Domain().Time.Open() {
		t.Fatal("open end did not round trip")
	}

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatal("found an entry that was never written")
	}
}

func TestSealedEntryIsNotReopened(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	c.Upsert(ctx, EntryFor("a", dom(1, 5, 100, 200), true))
	// a widen event that raced the seal
	c.Upsert(ctx, EntryFor("a", dom(1, 5, 100, domain.OpenEnd), false))

	e, _, _ := c.Get(ctx, "a")
	if !e.Sealed || e.TimeEnd != 200 {
		t.Fatalf("sealed entry was overwritten: %+v", e)
	}
}

func TestCoveringAndColdDomains(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	entries := []Entry{
		EntryFor("old", dom(0, 10, 0, 99), true),
		EntryFor("mid", dom(5, 20, 100, 199), true),
		EntryFor("hot", dom(15, 30, 200, domain.OpenEnd), false),
	}
	for _, e := range entries {
		if err := c.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.TreeID, err)
		}
	}

	got, err := c.Covering(ctx, 8, 16, nil)
	if err != nil {
		t.Fatalf("covering: %v", err)
	}
	if ids := treeIDs(got); !slices.Equal(ids, []string{"old", "mid", "hot"}) {
		t.Fatalf("covering [8,16]: %v", ids)
	}

	window := domain.NewTimeDomain(150, 250)
	got, _ = c.Covering(ctx, 0, 100, &window)
	if ids := treeIDs(got); !slices.Equal(ids, []string{"mid", "hot"}) {
		t.Fatalf("covering window: %v", ids)
	}

	got, _ = c.Covering(ctx, 21, 25, &window)
	if ids := treeIDs(got); !slices.Equal(ids, []string{"hot"}) {
		t.Fatalf("covering [21,25]: %v", ids)
	}

	if got, _ := c.Covering(ctx, 9, 1, nil); len(got) != 0 {
		t.Fatalf("inverted range matched %v", treeIDs(got))
	}

	cold, err := c.ColdDomains(ctx)
	if err != nil {
		t.Fatalf("cold: %v", err)
	}
	if ids := treeIDs(cold); !slices.Equal(ids, []string{"old", "mid"}) {
		t.Fatalf("cold domains: %v", ids)
	}
}

func TestRemove(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	c.Upsert(ctx, EntryFor("a", dom(1, 2, 0, 10), true))
	c.Upsert(ctx, EntryFor("b", dom(3, 4, 11, 20), true))

	if err := c.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, err := c.RemoveDomain(ctx, dom(3, 4, 11, 20))
	if err != nil || n != 1 {
		t.Fatalf("remove domain: n=%d err=%v", n, err)
	}
	if n, _ := c.RemoveDomain(ctx, dom(3, 4, 11, 20)); n != 0 {
		t.Fatalf("second remove deleted %d rows", n)
	}

	all, _ := c.List(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty catalog, got %v", treeIDs(all))
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.Upsert(context.Background(), EntryFor("a", dom(1, 2, 0, 10), true))
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	all, _ := c.List(context.Background())
	if len(all) != 1 || all[0].TreeID != "a" {
		t.Fatalf("entries after reopen: %+v", all)
	}
}

func treeIDs(entries []Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.TreeID)
	}
	return ids
}

func TestTruncate(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	c.Upsert(ctx, EntryFor("a", dom(1, 2, 0, 10), true))
	c.Upsert(ctx, EntryFor("b", dom(3, 4, 11, 20), false))

	if err := c.Truncate(ctx); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	all, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty catalog, got %v", treeIDs(all))
	}
}
