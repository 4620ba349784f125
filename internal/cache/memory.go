package cache

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存，重启即丢失；条目读写均复制一份，调用方不会共享切片。
func NewMemoryStorage() Storage {
	return &memoryStorage{caches: make(map[string]*memoryCache)}
}

type memoryStorage struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCacheName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{entries: make(map[string]memoryEntry)}
		s.caches[name] = c
	}
	return c, nil
}

// Delete 从 Storage 中摘除缓存；已打开的句柄仍可使用，但与新打开的同名缓存互不可见。
func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateCacheName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memoryEntry struct {
	method string
	resp   *Response
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func (c *memoryCache) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	entry, ok := c.entries[req.Key()]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !resp.Storable() {
		return uncacheable(resp)
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	c.mu.Lock()
	c.entries[req.Key()] = memoryEntry{method: method, resp: stored}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[req.Key()]
	delete(c.entries, req.Key())
	return ok, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	keys := make([]Request, 0, len(c.entries))
	for key, entry := range c.entries {
		keys = append(keys, Request{Method: entry.method, URL: key})
	}
	c.mu.RUnlock()
	sortRequests(keys)
	return keys, nil
}
