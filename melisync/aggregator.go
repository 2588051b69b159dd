package melisync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultAggregateTTL = 60 * time.Second

// AggregateFunc computes the counters for a key set. In production this is
// Orchestrator.AggregateCounts.
type AggregateFunc func(ctx context.Context, accountIDs []string, f Filters) (Counters, error)

type aggEntry struct {
	counters   Counters
	computedAt time.Time
}

// AggregatorCache fronts the full-set counter computation with a short TTL
// cache plus per-key request coalescing: a burst of identical dashboard
// requests triggers at most one computation, everyone gets the same result.
type AggregatorCache struct {
	mu      sync.Mutex
	entries map[string]aggEntry
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time
	compute AggregateFunc
}

func NewAggregatorCache(compute AggregateFunc, ttl time.Duration) *AggregatorCache {
	if ttl <= 0 {
		ttl = defaultAggregateTTL
	}
	return &AggregatorCache{
		entries: make(map[string]aggEntry),
		ttl:     ttl,
		now:     time.Now,
		compute: compute,
	}
}

// Get returns fresh counters for the key set, recomputing at most once per TTL
// window per distinct (accounts, filters) pair.
func (c *AggregatorCache) Get(ctx context.Context, accountIDs []string, f Filters) (Counters, error) {
	key := cacheKey(accountIDs, f)

	c.mu.Lock()
	entry, ok := c.entries[key]
	fresh := ok && c.now().Sub(entry.computedAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return entry.counters, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited on the
		// group; checking again saves a full recomputation.
		c.mu.Lock()
		entry, ok := c.entries[key]
		fresh := ok && c.now().Sub(entry.computedAt) < c.ttl
		c.mu.Unlock()
		if fresh {
			return entry.counters, nil
		}

		counters, err := c.compute(ctx, accountIDs, f)
		if err != nil {
			return Counters{}, err
		}
		c.mu.Lock()
		c.entries[key] = aggEntry{counters: counters, computedAt: c.now()}
		c.mu.Unlock()
		return counters, nil
	})
	if err != nil {
		return Counters{}, err
	}
	return v.(Counters), nil
}

// Invalidate drops every cached entry that involves the account, so writes
// (sync runs, bulk actions) are reflected on the next dashboard read.
func (c *AggregatorCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.Contains(key, accountID) {
			delete(c.entries, key)
		}
	}
}

func (c *AggregatorCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]aggEntry)
}

func cacheKey(accountIDs []string, f Filters) string {
	ids := make([]string, len(accountIDs))
	copy(ids, accountIDs)
	sort.Strings(ids)
	return strings.Join(ids, ",") + "|" +
		f.Situacao + "|" + f.DataInicio + "|" + f.DataFim + "|" +
		f.AtualizadoDe + "|" + f.AtualizadoAte
}
