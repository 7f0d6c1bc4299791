package lfs

import (
	"container/list"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// bufEntry is one cached block (spec §4.2).
type bufEntry struct {
	block    uint64
	data     []byte
	dirty    bool
	refcount int32
}

// BufferCache is a fixed-capacity pool of block-sized buffers with an LRU
// eviction policy and refcounted handles (spec §4.2). Concurrent misses on
// the same block are coalesced with golang.org/x/sync/singleflight so the
// cleaner and a foreground reader racing on the same block only pay for one
// disk read.
type BufferCache struct {
	dev      *BlockDevice
	capacity int
	metrics  *Metrics

	mu      sync.Mutex
	entries map[uint64]*list.Element // block -> lru element, element.Value = *bufEntry
	lru     *list.List

	sf singleflight.Group
}

// NewBufferCache builds a cache of the given block capacity over dev.
func NewBufferCache(dev *BlockDevice, capacity int, metrics *Metrics) *BufferCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BufferCache{
		dev:      dev,
		capacity: capacity,
		metrics:  metrics,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// BufHandle is a refcounted reference to one cached block.
type BufHandle struct {
	cache *BufferCache
	entry *bufEntry
}

// Data returns the block's bytes. Callers must not retain the slice past Put.
func (h *BufHandle) Data() []byte { return h.entry.data }

// MarkDirty flags the block to be written back on eviction or Flush.
func (h *BufHandle) MarkDirty() {
	h.cache.mu.Lock()
	h.entry.dirty = true
	h.cache.mu.Unlock()
}

// Get returns a handle to block, reading it from the device on a cache miss.
func (c *BufferCache) Get(block uint64) (*BufHandle, error) {
	c.mu.Lock()
	if el, ok := c.entries[block]; ok {
		c.lru.MoveToFront(el)
		e := el.Value.(*bufEntry)
		e.refcount++
		c.mu.Unlock()
		c.metrics.CacheHits.WithLabelValues("buffer").Inc()
		return &BufHandle{cache: c, entry: e}, nil
	}
	c.mu.Unlock()
	c.metrics.CacheMisses.WithLabelValues("buffer").Inc()

	v, err, _ := c.sf.Do(fmt.Sprintf("%d", block), func() (interface{}, error) {
		data, err := c.dev.Read(block)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have inserted this block into the cache while we
	// were blocked in singleflight (e.g. it lost the singleflight race for a
	// *different* block but won the map insert for this one is impossible by
	// key, but a writer could have inserted it directly). Re-check.
	if el, ok := c.entries[block]; ok {
		c.lru.MoveToFront(el)
		e := el.Value.(*bufEntry)
		e.refcount++
		return &BufHandle{cache: c, entry: e}, nil
	}

	e := &bufEntry{block: block, data: v.([]byte), refcount: 1}
	if err := c.evictLocked(); err != nil {
		log.Printf("lfs: buffer cache eviction failed: %s", err)
	}
	el := c.lru.PushFront(e)
	c.entries[block] = el
	return &BufHandle{cache: c, entry: e}, nil
}

// Put releases a handle obtained from Get.
func (c *BufferCache) Put(h *BufHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.entry.refcount > 0 {
		h.entry.refcount--
	}
}

// evictLocked evicts the least-recently-used entry with a zero refcount,
// writing it back first if dirty. Called with c.mu held; the caller is
// responsible for keeping I/O off the hot path where possible, but a dirty
// evictee must be flushed synchronously to preserve the no-silent-data-loss
// invariant.
func (c *BufferCache) evictLocked() error {
	if c.lru.Len() < c.capacity {
		return nil
	}
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*bufEntry)
		if e.refcount != 0 {
			continue
		}
		if e.dirty {
			if err := c.dev.Write(e.block, e.data); err != nil {
				return err
			}
		}
		c.lru.Remove(el)
		delete(c.entries, e.block)
		return nil
	}
	// every entry pinned: cache is over-subscribed, grow rather than wedge.
	log.Printf("lfs: buffer cache at capacity %d with no evictable entry, growing", c.capacity)
	return nil
}

// Flush writes back every dirty buffer (spec §4.2).
func (c *BufferCache) Flush() error {
	c.mu.Lock()
	type dirtyBlock struct {
		block uint64
		data  []byte
	}
	var toWrite []dirtyBlock
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*bufEntry)
		if e.dirty {
			toWrite = append(toWrite, dirtyBlock{e.block, e.data})
		}
	}
	c.mu.Unlock()

	for _, b := range toWrite {
		if err := c.dev.Write(b.block, b.data); err != nil {
			return err
		}
	}

	c.mu.Lock()
	for _, b := range toWrite {
		if el, ok := c.entries[b.block]; ok {
			el.Value.(*bufEntry).dirty = false
		}
	}
	c.mu.Unlock()
	return nil
}
