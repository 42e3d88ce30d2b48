// ABOUTME: In-memory grant cache owned by the Evaluator instance.
// ABOUTME: Thread-safe; entries (including negative ones) evicted on grant mutation. No TTL.
package permission

import (
	"sync"

	"github.com/google/uuid"
)

type grantKey struct {
	granteeID  uuid.UUID
	resourceID uuid.UUID
	rt         ResourceType
}

// grantCache caches grant lookups to keep the evaluator to one query on the
// hot path. A nil value is a cached "no grant" result, so misses are cheap
// too. The cache is owned by an Evaluator instance — there is no package
// global — and is kept honest by explicit eviction from grant writers.
type grantCache struct {
	mu     sync.RWMutex
	grants map[grantKey]*Grant
}

func newGrantCache() *grantCache {
	return &grantCache{grants: make(map[grantKey]*Grant)}
}

// get returns the cached grant (possibly nil for a cached miss) and whether
// the key was present.
func (c *grantCache) get(granteeID, resourceID uuid.UUID, rt ResourceType) (*Grant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grants[grantKey{granteeID, resourceID, rt}]
	return g, ok
}

func (c *grantCache) set(granteeID, resourceID uuid.UUID, rt ResourceType, g *Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[grantKey{granteeID, resourceID, rt}] = g
}

func (c *grantCache) evict(granteeID, resourceID uuid.UUID, rt ResourceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, grantKey{granteeID, resourceID, rt})
}

func (c *grantCache) evictGrantee(granteeID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.grants {
		if k.granteeID == granteeID {
			delete(c.grants, k)
		}
	}
}
