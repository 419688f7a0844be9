package queryexec

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/healer-ai/p8fs/pkg/remstore"
)

// adjacencyCacheDefaultSize bounds the number of distinct (tenant, start,
// relTypes, depth) traversals kept resident. Chosen to hold a few hundred
// hot TRAVERSE shapes without unbounded growth.
const adjacencyCacheDefaultSize = 256

// adjacencyCache is a bounded, least-recently-used cache of TRAVERSE
// results keyed by tenant, start label, relationship-type filter, and
// depth. It exists to absorb repeated TRAVERSE calls over the same
// subgraph shape — the dominant cost at depth >= 2 is the recursive walk
// itself, not the row materialization around it, so caching the walk's
// output is the cheapest available mitigation short of a dedicated graph
// index.
//
// Entries are invalidated per-tenant (see invalidateTenant and
// Executor.InvalidateTenant) rather than per-key, since a graph mutation can
// change any node's neighbor set and a stale partial invalidation would risk
// silently returning edges that no longer exist.
type adjacencyCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type adjacencyCacheEntry struct {
	key   string
	nodes []remstore.TraverseNode
}

func newAdjacencyCache(maxSize int) *adjacencyCache {
	if maxSize <= 0 {
		maxSize = adjacencyCacheDefaultSize
	}
	return &adjacencyCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func adjacencyCacheKey(tenantID, startLabel string, relTypes []string, depth int) string {
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte('\x00')
	b.WriteString(startLabel)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(relTypes, ","))
	fmt.Fprintf(&b, "\x00%d", depth)
	return b.String()
}

// get returns the cached node list for key, promoting it to
// most-recently-used on a hit.
func (c *adjacencyCache) get(key string) ([]remstore.TraverseNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*adjacencyCacheEntry).nodes, true
}

// put inserts or refreshes key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *adjacencyCache) put(key string, nodes []remstore.TraverseNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*adjacencyCacheEntry).nodes = nodes
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&adjacencyCacheEntry{key: key, nodes: nodes})
	c.entries[key] = el

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*adjacencyCacheEntry).key)
		}
	}
}

// invalidateTenant drops every cached traversal for tenantID. Called through
// Executor.InvalidateTenant.
func (c *adjacencyCache) invalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := tenantID + "\x00"
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}
