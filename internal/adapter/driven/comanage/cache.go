package comanage

import (
	"github.com/gregjones/httpcache"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries bounds the number of cached registry responses.
const DefaultCacheEntries = 1024

var _ httpcache.Cache = (*lruCache)(nil)

// lruCache is an httpcache.Cache that evicts the least recently used
// response once it holds size entries.
type lruCache struct {
	entries *lru.Cache[string, []byte]
}

func newLRUCache(size int) (*lruCache, error) {
	if size <= 0 {
		size = DefaultCacheEntries
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &lruCache{entries: entries}, nil
}

func (c *lruCache) Get(key string) ([]byte, bool) {
	return c.entries.Get(key)
}

func (c *lruCache) Set(key string, resp []byte) {
	c.entries.Add(key, resp)
}

func (c *lruCache) Delete(key string) {
	c.entries.Remove(key)
}
