package mdns

import (
	"container/heap"
	"sync"
	"time"

	"autolink/pkg/discovery"
)

// cache holds resolved endpoints until their record TTL runs out. Expired
// entries are dropped lazily on access, oldest first, from a deadline heap.
type cache struct {
	mu    sync.Mutex
	m     map[string]cacheEntry
	q     expQueue
	nowFn func() time.Time
}

type cacheEntry struct {
	ep       discovery.Endpoint
	expireAt int64
}

func newCache() *cache {
	return &cache{m: make(map[string]cacheEntry), nowFn: time.Now}
}

// set stores ep for ttl. A non-positive ttl keeps it until deleted.
func (c *cache) set(key string, ep discovery.Endpoint, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn().UnixNano()
	c.pruneLocked(now)
	var exp int64
	if ttl > 0 {
		exp = now + int64(ttl)
		heap.Push(&c.q, &expItem{key: key, when: exp})
	}
	c.m[key] = cacheEntry{ep: ep, expireAt: exp}
}

func (c *cache) get(key string) (discovery.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.nowFn().UnixNano())
	e, ok := c.m[key]
	return e.ep, ok
}

func (c *cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.nowFn().UnixNano())
	return len(c.m)
}

func (c *cache) pruneLocked(now int64) {
	for c.q.Len() > 0 && c.q[0].when <= now {
		it := heap.Pop(&c.q).(*expItem)
		// a later set may have extended the entry
		if e, ok := c.m[it.key]; ok && e.expireAt != 0 && e.expireAt <= now {
			delete(c.m, it.key)
		}
	}
}

type expItem struct {
	when int64
	key  string
}

type expQueue []*expItem

func (q expQueue) Len() int           { return len(q) }
func (q expQueue) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)        { *q = append(*q, x.(*expItem)) }
func (q *expQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
