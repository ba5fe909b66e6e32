// Package cache memoizes approved responses so repeated queries skip
// retrieval and generation entirely. Entries live for a short TTL and the
// cache holds at most maxEntries, evicting the least recently accessed
// entry under capacity pressure.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/santralab/santral/internal/intent"
)

// Cache is safe for concurrent use by all sessions of all tenants. Keys are
// namespaced by tenant so no entry ever crosses a tenant boundary.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	hits       uint64
	misses     uint64

	now func() time.Time
}

type entry struct {
	key       string
	tenantID  string
	value     string
	createdAt time.Time
	expiresAt time.Time
	hitCount  uint64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached response for the tenant, intent and utterance. An
// entry past its TTL is purged and reported as a miss.
func (c *Cache) Get(tenantID string, category intent.Category, text string) (string, bool) {
	key := cacheKey(tenantID, category, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	en := el.Value.(*entry)
	if c.now().After(en.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return "", false
	}

	// Re-rank on every hit so eviction tracks access order, not insert order.
	c.order.MoveToFront(el)
	en.hitCount++
	c.hits++
	return en.value, true
}

// Set stores a response, evicting the least recently accessed entry first
// when the cache is full.
func (c *Cache) Set(tenantID string, category intent.Category, text, value string) {
	key := cacheKey(tenantID, category, text)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		en := el.Value.(*entry)
		en.value = value
		en.createdAt = now
		en.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	el := c.order.PushFront(&entry{
		key:       key,
		tenantID:  tenantID,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	})
	c.entries[key] = el
}

// InvalidateTenant drops every entry belonging to the tenant, for use when
// its knowledge base or policy changes.
func (c *Cache) InvalidateTenant(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).tenantID == tenantID {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Stats reports hit/miss counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	en := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, en.key)
}

// cacheKey hashes tenant, intent and the normalized utterance so equivalent
// phrasings of the same question collide within one tenant and never across
// tenants.
func cacheKey(tenantID string, category intent.Category, text string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(intent.Normalize(text)))
	return hex.EncodeToString(h.Sum(nil))
}
