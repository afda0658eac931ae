package dns

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"
)

// cacheKey identifies one cached answer by query name and type, per §4.B.
type cacheKey struct {
	qname string
	qtype string
}

type cacheEntry struct {
	key     cacheKey
	expires time.Time
	txt     Result[string]
	ip      Result[net.IP]
	mx      Result[*net.MX]
	err     error
}

// CachedResolver wraps a Resolver with a bounded per-query timeout and an
// in-memory LRU cache keyed by (qname, qtype), as required by §4.B. It is
// process-wide in the prefork model and per-worker in the goroutine model;
// either way exactly one CachedResolver backs every handler in a worker.
type CachedResolver struct {
	next    Resolver
	timeout time.Duration
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used
}

// NewCachedResolver wraps next with an LRU cache of maxSize entries, each
// valid for ttl, and bounds every individual query to timeout.
func NewCachedResolver(next Resolver, maxSize int, ttl, timeout time.Duration) *CachedResolver {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CachedResolver{
		next:    next,
		timeout: timeout,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
	}
}

func (c *CachedResolver) get(key cacheKey) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry, true
}

func (c *CachedResolver) put(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[entry.key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(entry)
	c.entries[entry.key] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *CachedResolver) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *CachedResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	key := cacheKey{qname: name, qtype: "TXT"}
	if e, ok := c.get(key); ok {
		return e.txt, e.err
	}
	qctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := c.next.LookupTXT(qctx, name)
	c.put(&cacheEntry{key: key, expires: time.Now().Add(c.ttl), txt: res, err: err})
	return res, err
}

func (c *CachedResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	key := cacheKey{qname: domain, qtype: "IP"}
	if e, ok := c.get(key); ok {
		return e.ip, e.err
	}
	qctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := c.next.LookupIP(qctx, domain)
	c.put(&cacheEntry{key: key, expires: time.Now().Add(c.ttl), ip: res, err: err})
	return res, err
}

func (c *CachedResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	key := cacheKey{qname: name, qtype: "MX"}
	if e, ok := c.get(key); ok {
		return e.mx, e.err
	}
	qctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := c.next.LookupMX(qctx, name)
	c.put(&cacheEntry{key: key, expires: time.Now().Add(c.ttl), mx: res, err: err})
	return res, err
}

func (c *CachedResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := cacheKey{qname: ip.String(), qtype: "PTR"}
	if e, ok := c.get(key); ok {
		return e.txt, e.err
	}
	qctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := c.next.LookupAddr(qctx, ip)
	c.put(&cacheEntry{key: key, expires: time.Now().Add(c.ttl), txt: res, err: err})
	return res, err
}
