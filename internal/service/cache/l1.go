package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Entry is one cached generation result as held by the in-process tier.
type Entry struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int64     `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// L1Stats is a snapshot of the in-process tier counters.
type L1Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// l1Cache is an LRU map with per-entry TTL. Expiry is checked on read;
// the sweeper handles entries nobody reads again.
type l1Cache struct {
	mu      sync.Mutex
	maxSize int
	clock   domain.Clock
	items   map[string]*list.Element
	order   *list.List // front is most recently used

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

func newL1(maxSize int, clk domain.Clock) *l1Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &l1Cache{
		maxSize: maxSize,
		clock:   clk,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *l1Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	now := c.clock.Now()
	if now.After(e.ExpiresAt) {
		c.removeLocked(el)
		c.expired++
		c.misses++
		return Entry{}, false
	}
	e.HitCount++
	e.LastAccessed = now
	c.order.MoveToFront(el)
	c.hits++
	return *e, true
}

func (c *l1Cache) Set(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[e.Key]; ok {
		el.Value = &e
		c.order.MoveToFront(el)
		return
	}
	c.items[e.Key] = c.order.PushFront(&e)
	for len(c.items) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// removeLocked must be called with the mutex held.
func (c *l1Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.order.Remove(el)
	delete(c.items, e.Key)
}

func (c *l1Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// DeleteMatching removes every entry whose logical key contains substr.
func (c *l1Cache) DeleteMatching(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []*list.Element
	for key, el := range c.items {
		if strings.Contains(key, substr) {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.removeLocked(el)
	}
	return len(doomed)
}

// DeleteByModel removes every entry cached for the given model.
func (c *l1Cache) DeleteByModel(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []*list.Element
	for _, el := range c.items {
		if el.Value.(*Entry).Model == model {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.removeLocked(el)
	}
	return len(doomed)
}

func (c *l1Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return n
}

// Sweep removes expired entries and returns how many went.
func (c *l1Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	var doomed []*list.Element
	for _, el := range c.items {
		if now.After(el.Value.(*Entry).ExpiresAt) {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.removeLocked(el)
		c.expired++
	}
	return len(doomed)
}

func (c *l1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *l1Cache) Stats() L1Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return L1Stats{
		Size:      len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}
