package chunk

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	Fetcher Fetcher
	Retry   RetryPolicy
	// Size bounds the number of parsed bodies kept (LRU). 0 keeps everything
	// for the life of the session.
	Size   int
	Logger zerolog.Logger
}

// Cache memoizes parsed chunk bodies by filename. Concurrent requests for
// the same file share one in-flight fetch.
//
// Cached bodies are shared between callers and must be treated as read-only.
type Cache struct {
	fetcher Fetcher
	retry   RetryPolicy
	log     zerolog.Logger
	group   singleflight.Group

	bounded *lru.Cache[string, any]

	mu        sync.RWMutex
	unbounded map[string]any
}

// NewCache builds a cache in front of cfg.Fetcher.
func NewCache(cfg CacheConfig) (*Cache, error) {
	c := &Cache{
		fetcher: cfg.Fetcher,
		retry:   cfg.Retry,
		log:     cfg.Logger,
	}
	if cfg.Size > 0 {
		l, err := lru.New[string, any](cfg.Size)
		if err != nil {
			return nil, err
		}
		c.bounded = l
	} else {
		c.unbounded = make(map[string]any)
	}
	return c, nil
}

// Get returns the parsed body of filename, fetching it on a miss.
func (c *Cache) Get(ctx context.Context, filename string) (any, error) {
	if v, ok := c.Peek(filename); ok {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	// The flight outlives a cancelled caller when attempts carry their own
	// deadline; other waiters on the file still get the body.
	fctx := ctx
	if c.retry.Timeout > 0 {
		fctx = context.WithoutCancel(ctx)
	}
	ch := c.group.DoChan(filename, func() (any, error) {
		// A concurrent flight may have completed between Peek and DoChan.
		if v, ok := c.Peek(filename); ok {
			return v, nil
		}
		body, err := Load(fctx, c.fetcher, filename, c.retry, c.log)
		if err != nil {
			return nil, err
		}
		c.put(filename, body)
		return body, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			cacheLookupsTotal.WithLabelValues("shared").Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns a cached body without fetching.
func (c *Cache) Peek(filename string) (any, bool) {
	if c.bounded != nil {
		return c.bounded.Get(filename)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.unbounded[filename]
	return v, ok
}

func (c *Cache) put(filename string, body any) {
	if c.bounded != nil {
		c.bounded.Add(filename, body)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbounded[filename] = body
}

// Len returns the number of cached bodies.
func (c *Cache) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.unbounded)
}

// Purge drops every cached body. In-flight fetches still complete.
func (c *Cache) Purge() {
	if c.bounded != nil {
		c.bounded.Purge()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.unbounded)
}
