package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"rtindex/pkg/catalog"
	"rtindex/pkg/config"
)

// Retention periodically evicts cold trees: the oldest ones beyond
// MaxColdTrees, and any sealed longer than MaxAge ago.
type Retention struct {
	router *Router
	cfg    config.RetentionConfig
	clock  func() time.Time

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewRetention starts the sweep loop. A nil clock uses time.Now.
func NewRetention(router *Router, cfg config.RetentionConfig, clock func() time.Time) *Retention {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.Default().Retention.Interval
	}
	r := &Retention{
		router:  router,
		cfg:     cfg,
		clock:   clock,
		closeCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Retention) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
			r.Sweep(ctx)
			cancel()
		case <-r.closeCh:
			return
		}
	}
}

// coldEntries lists sealed trees oldest first, from the catalog when there
// is one.
func (r *Retention) coldEntries(ctx context.Context) ([]catalog.Entry, error) {
	if r.router.catalog != nil {
		return r.router.catalog.ColdDomains(ctx)
	}
	var out []catalog.Entry
	for _, ti := range r.router.Domains() {
		if !ti.Hot {
			out = append(out, catalog.EntryFor(ti.TreeID, ti.Domain, true))
		}
	}
	return out, nil
}

// Sweep applies the policy once and returns how many trees it evicted.
func (r *Retention) Sweep(ctx context.Context) int {
	cold, err := r.coldEntries(ctx)
	if err != nil {
		log.Printf("[Retention] Failed to list cold domains: %v", err)
		return 0
	}

	excess := 0
	if r.cfg.MaxColdTrees > 0 && len(cold) > r.cfg.MaxColdTrees {
		excess = len(cold) - r.cfg.MaxColdTrees
	}
	now := r.clock().UnixMilli()

	evicted := 0
	for i, e := range cold {
		expired := r.cfg.MaxAge > 0 && now-e.TimeEnd > r.cfg.MaxAge.Milliseconds()
		if i >= excess && !expired {
			continue
		}
		r.router.ix.CleanTree(e.Domain())
		if err := r.router.forget(ctx, e.TreeID); err != nil {
			log.Printf("[Retention] Failed to drop %s from catalog: %v", e.TreeID, err)
		}
		evicted++
	}
	if evicted > 0 {
		log.Printf("[Retention] Evicted %d of %d cold trees", evicted, len(cold))
	}
	return evicted
}

func (r *Retention) Close() {
	close(r.closeCh)
	r.wg.Wait()
}
