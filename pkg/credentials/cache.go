package credentials

import (
	"context"
	"sync"
)

// Cache memoizes a provider per connection kind so each kind is requested at most once per run.
// Failures are cached too.
type Cache struct {
	provider Provider

	mu      sync.Mutex
	entries map[Kind]*cacheEntry
}

type cacheEntry struct {
	once   sync.Once
	handle *ConnectionHandle
	err    error
}

func NewCache(p Provider) *Cache {
	return &Cache{provider: p, entries: make(map[Kind]*cacheEntry)}
}

func (c *Cache) GetConnection(ctx context.Context, kind Kind) (*ConnectionHandle, error) {
	c.mu.Lock()
	e, ok := c.entries[kind]
	if !ok {
		e = &cacheEntry{}
		c.entries[kind] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.handle, e.err = c.provider.GetConnection(ctx, kind)
	})
	return e.handle, e.err
}

// StaticProvider returns fixed handles; kinds without a handle fail with err.
type StaticProvider struct {
	Handles map[Kind]*ConnectionHandle
	Err     error
}

func (p *StaticProvider) GetConnection(_ context.Context, kind Kind) (*ConnectionHandle, error) {
	if h, ok := p.Handles[kind]; ok {
		return h, nil
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return &ConnectionHandle{Kind: kind}, nil
}
