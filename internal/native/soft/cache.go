package soft

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/native"
)

// outputCache is a byte-budgeted LRU of computed textures.
//
// The cache owns one reference on every texture it holds; eviction and
// clear() drop that reference. Entries can be moved wholesale to another
// handle's cache on relink.
type outputCache struct {
	mu      sync.Mutex
	budget  uint64
	used    uint64
	lru     *list.List // front = most recently used
	entries map[uint64]*list.Element

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type cacheEntry struct {
	key uint64
	tex *texture
}

func newOutputCache(budget uint64) *outputCache {
	return &outputCache{
		budget:  budget,
		lru:     list.New(),
		entries: make(map[uint64]*list.Element),
	}
}

// get returns a retained texture on hit.
func (c *outputCache) get(key uint64) *texture {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.lru.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*cacheEntry).tex.retain()
}

// put stores tex under key. Textures larger than the whole budget are not cached.
func (c *outputCache) put(key uint64, tex *texture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	if uint64(tex.bytes) > c.budget {
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, tex: tex.retain()})
	c.used += uint64(tex.bytes)
	c.evictLocked()
}

func (c *outputCache) setBudget(budget uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = budget
	c.evictLocked()
}

// absorb moves every entry of other into c, keeping other's recency order
// behind c's own entries.
func (c *outputCache) absorb(other *outputCache) {
	if other == nil || other == c {
		return
	}
	other.mu.Lock()
	var moved []*cacheEntry
	for el := other.lru.Front(); el != nil; el = el.Next() {
		moved = append(moved, el.Value.(*cacheEntry))
	}
	other.lru.Init()
	other.entries = make(map[uint64]*list.Element)
	other.used = 0
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range moved {
		if _, ok := c.entries[e.key]; ok {
			e.tex.Release()
			continue
		}
		c.entries[e.key] = c.lru.PushBack(e)
		c.used += uint64(e.tex.bytes)
	}
	c.evictLocked()
}

func (c *outputCache) evictLocked() {
	for c.used > c.budget {
		el := c.lru.Back()
		if el == nil {
			return
		}
		e := c.lru.Remove(el).(*cacheEntry)
		delete(c.entries, e.key)
		c.used -= uint64(e.tex.bytes)
		e.tex.Release()
		c.evictions.Add(1)
	}
}

func (c *outputCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		el.Value.(*cacheEntry).tex.Release()
	}
	c.lru.Init()
	c.entries = make(map[uint64]*list.Element)
	c.used = 0
}

func (c *outputCache) usage() (entries int, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.used
}

// cacheKey hashes everything an output's pixels depend on.
func cacheKey(graphName string, out *outputSlot, values []native.InputValue) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%v|", graphName, out.orig, out.pattern, out.format)
	for _, v := range values {
		if v.Type == graph.InputImage {
			fmt.Fprintf(h, "i%p;", v.Image)
			continue
		}
		fmt.Fprintf(h, "%d:%v;", v.Type, v.Value)
	}
	return h.Sum64()
}
