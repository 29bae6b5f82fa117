package permissions

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Lookup is a cache read. Epoch must be handed back to Set so that a decision loaded
// before a concurrent invalidation is never stored.
type Lookup struct {
	Allowed bool
	Hit     bool
	Epoch   uint64
}

// Cache holds permission decisions. Invalidate and InvalidateResource bump the epoch of
// the resource, which makes every in-flight Set for it a no-op.
type Cache interface {
	Get(ctx context.Context, k Key) (Lookup, error)
	Set(ctx context.Context, k Key, allowed bool, epoch uint64) error
	Invalidate(ctx context.Context, k Key) error
	InvalidateResource(ctx context.Context, resource string) error
}

const epochStripes = 256

// LocalCache is a bounded in-process LRU with a TTL. Epochs are kept per stripe of
// resources so their memory does not grow with the number of trips.
type LocalCache struct {
	lru    *expirable.LRU[Key, bool]
	mu     sync.Mutex
	epochs [epochStripes]atomic.Uint64
}

func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LocalCache{lru: expirable.NewLRU[Key, bool](size, nil, ttl)}
}

func stripe(resource string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resource))
	return int(h.Sum32() % epochStripes)
}

func (c *LocalCache) Get(_ context.Context, k Key) (Lookup, error) {
	epoch := c.epochs[stripe(k.Resource)].Load()
	allowed, ok := c.lru.Get(k)
	return Lookup{Allowed: allowed, Hit: ok, Epoch: epoch}, nil
}

func (c *LocalCache) Set(_ context.Context, k Key, allowed bool, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[stripe(k.Resource)].Load() != epoch {
		return nil
	}
	c.lru.Add(k, allowed)
	return nil
}

func (c *LocalCache) Invalidate(_ context.Context, k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[stripe(k.Resource)].Add(1)
	c.lru.Remove(k)
	return nil
}

func (c *LocalCache) InvalidateResource(_ context.Context, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[stripe(resource)].Add(1)
	for _, k := range c.lru.Keys() {
		if k.Resource == resource {
			c.lru.Remove(k)
		}
	}
	return nil
}

func (c *LocalCache) Len() int {
	return c.lru.Len()
}
