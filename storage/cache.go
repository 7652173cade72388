package storage

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
)

type cacheEntry struct {
	value   []byte
	deleted bool
}

// CacheDB buffers writes on top of a parent Database. Reads see the buffered
// state; nothing reaches the parent until Commit. Discarding the cache drops
// every pending write.
type CacheDB struct {
	parent Database

	mu      sync.RWMutex
	pending map[string]cacheEntry
}

// NewCacheDB wraps parent with a write buffer.
func NewCacheDB(parent Database) *CacheDB {
	return &CacheDB{parent: parent, pending: make(map[string]cacheEntry)}
}

func (c *CacheDB) Put(key []byte, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[string(key)] = cacheEntry{value: append([]byte{}, value...)}
	return nil
}

func (c *CacheDB) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.pending[string(key)]
	c.mu.RUnlock()
	if ok {
		if entry.deleted {
			return nil, ErrNotFound
		}
		return append([]byte{}, entry.value...), nil
	}
	return c.parent.Get(key)
}

func (c *CacheDB) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[string(key)] = cacheEntry{deleted: true}
	return nil
}

// Iterate merges buffered writes with the parent view under prefix.
func (c *CacheDB) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := c.parent.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	c.mu.RLock()
	for k, entry := range c.pending {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if entry.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = append([]byte{}, entry.value...)
	}
	c.mu.RUnlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

// Ops returns the pending mutations in key order.
func (c *CacheDB) Ops() []Op {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ops := make([]Op, 0, len(c.pending))
	for k, entry := range c.pending {
		ops = append(ops, Op{Key: []byte(k), Value: entry.value, Delete: entry.deleted})
	}
	sort.Slice(ops, func(i, j int) bool { return bytes.Compare(ops[i].Key, ops[j].Key) < 0 })
	return ops
}

// Commit flushes the pending writes to the parent. Parents implementing
// Batcher receive them atomically.
func (c *CacheDB) Commit() error {
	ops := c.Ops()
	if len(ops) == 0 {
		return nil
	}
	if batcher, ok := c.parent.(Batcher); ok {
		if err := batcher.WriteBatch(ops); err != nil {
			return err
		}
	} else {
		var errs []error
		for _, op := range ops {
			if op.Delete {
				errs = append(errs, c.parent.Delete(op.Key))
				continue
			}
			errs = append(errs, c.parent.Put(op.Key, op.Value))
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	c.Discard()
	return nil
}

// Discard drops every pending write.
func (c *CacheDB) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]cacheEntry)
}

// Close discards pending writes. The parent stays open.
func (c *CacheDB) Close() {
	c.Discard()
}
