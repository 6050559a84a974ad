package web

import (
	"sync"
	"time"

	policylru "github.com/gogama/policy-lru"
)

const (
	itemsCacheSize = 64
	itemsCacheTTL  = 30 * time.Second
)

type cachedItems struct {
	resp     itemsResponse
	birthday time.Time
}

type cachePolicy struct {
	maxCount int
	maxAge   time.Duration
}

func (p *cachePolicy) Evict(_ string, v cachedItems, n int) bool {
	if p.maxCount > 0 && n > p.maxCount {
		return true
	}
	return p.maxAge > 0 && time.Since(v.birthday) > p.maxAge
}

func (p *cachePolicy) Added(string, cachedItems, cachedItems, bool) {}

func (p *cachePolicy) Removed(string, cachedItems) {}

// itemsCache keeps recent /api/items responses.
type itemsCache struct {
	mu     sync.Mutex
	policy cachePolicy
	lru    *policylru.Cache[string, cachedItems]
}

func newItemsCache(maxCount int, maxAge time.Duration) *itemsCache {
	c := &itemsCache{policy: cachePolicy{maxCount: maxCount, maxAge: maxAge}}
	c.lru = policylru.NewWithHandler[string, cachedItems](&c.policy, &c.policy)
	return c
}

func (c *itemsCache) Get(key string) (itemsResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok || time.Since(v.birthday) > c.policy.maxAge {
		return itemsResponse{}, false
	}
	return v.resp, true
}

func (c *itemsCache) Add(key string, resp itemsResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cachedItems{resp: resp, birthday: time.Now()})
}
