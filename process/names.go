// Package process resolves process names for observations that arrive
// without one.
package process

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shirou/gopsutil/process"
)

// DefaultCacheSize bounds the number of pid to name entries kept
const DefaultCacheSize = 1024

// LookupFunc returns the name of a running process
type LookupFunc func(pid int32) (string, error)

// NameCache remembers recent pid to name lookups with LRU eviction
type NameCache struct {
	cache  *lru.Cache
	lookup LookupFunc
}

// NewNameCache creates a cache backed by the live process table
func NewNameCache(size int) (*NameCache, error) {
	return NewNameCacheWithLookup(size, liveName)
}

// NewNameCacheWithLookup creates a cache backed by lookup
func NewNameCacheWithLookup(size int, lookup LookupFunc) (*NameCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cache: %w", err)
	}
	return &NameCache{cache: cache, lookup: lookup}, nil
}

// Lookup returns the name of pid, or "" if the process is gone. Misses are
// not cached since a later exec may give the pid a name.
func (c *NameCache) Lookup(pid uint32) string {
	if v, ok := c.cache.Get(pid); ok {
		return v.(string)
	}
	name, err := c.lookup(int32(pid))
	if err != nil || name == "" {
		return ""
	}
	c.cache.Add(pid, name)
	return name
}

// Forget drops pid from the cache
func (c *NameCache) Forget(pid uint32) {
	c.cache.Remove(pid)
}

// Len returns the number of cached names
func (c *NameCache) Len() int {
	return c.cache.Len()
}

func liveName(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}
