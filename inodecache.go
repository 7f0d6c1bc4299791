package lfs

import (
	"container/list"
	"fmt"
	"io/fs"
	"sync"
	"time"
)

// onDeadBlockFn marks a formerly-live block dead in the segment table
// (spec §4.10 mark_dead), used by the inode cache whenever it relocates an
// inode's record.
type onDeadBlockFn func(absoluteBlock uint64)

// InodeCache is the chained-hash, globally-LRU cache of in-memory inodes
// (spec §4.5). A miss consults the IMap for the inode's current location,
// reads the containing block through the buffer cache, and decodes the
// record at its slot.
type InodeCache struct {
	mu       sync.Mutex
	entries  map[uint32]*list.Element // ino -> lru element, element.Value = *Inode
	lru      *list.List
	capacity int

	imap     *IMap
	bufCache *BufferCache
	segW     *SegmentWriter
	geom     Geometry
	clock    Clock
	markDead onDeadBlockFn
	metrics  *Metrics
}

func NewInodeCache(capacity int, imap *IMap, bufCache *BufferCache, segW *SegmentWriter, geom Geometry, clock Clock, markDead onDeadBlockFn, metrics *Metrics) *InodeCache {
	if capacity < 1 {
		capacity = 1
	}
	return &InodeCache{
		entries:  make(map[uint32]*list.Element),
		lru:      list.New(),
		capacity: capacity,
		imap:     imap,
		bufCache: bufCache,
		segW:     segW,
		geom:     geom,
		clock:    clock,
		markDead: markDead,
		metrics:  metrics,
	}
}

// Get returns the in-memory inode for ino, loading it from the log on a
// cache miss (spec §4.5). The caller must call Put when done.
func (c *InodeCache) Get(ino uint32) (*Inode, error) {
	c.mu.Lock()
	if el, ok := c.entries[ino]; ok {
		c.lru.MoveToFront(el)
		n := el.Value.(*Inode)
		n.AddRef()
		c.mu.Unlock()
		c.metrics.CacheHits.WithLabelValues("inode").Inc()
		return n, nil
	}
	c.mu.Unlock()
	c.metrics.CacheMisses.WithLabelValues("inode").Inc()

	location, version, err := c.imap.Lookup(ino)
	if err != nil {
		return nil, err
	}

	h, err := c.bufCache.Get(location)
	if err != nil {
		return nil, fmt.Errorf("lfs: read inode %d at block %d: %w", ino, location, err)
	}
	slot := inodeSlot(ino, c.geom.BlockSize)
	var rec InodeRecord
	if err := rec.UnmarshalBinary(h.Data()[slot : slot+inodeRecordSize]); err != nil {
		c.bufCache.Put(h)
		return nil, err
	}
	c.bufCache.Put(h)
	if rec.Ino != ino {
		return nil, fmt.Errorf("%w: inode %d decoded as %d at block %d slot %d", ErrCorrupt, ino, rec.Ino, location, slot)
	}

	n := newInode(rec)
	n.location = location
	n.version = version

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ino]; ok {
		// lost the race against a concurrent miss; adopt the winner's copy.
		c.lru.MoveToFront(el)
		existing := el.Value.(*Inode)
		existing.AddRef()
		return existing, nil
	}
	c.evictLocked()
	el := c.lru.PushFront(n)
	c.entries[ino] = el
	return n, nil
}

// Put releases a reference obtained from Get or Alloc.
func (c *InodeCache) Put(n *Inode) { n.DelRef() }

// Alloc obtains a fresh ino from the IMap, populates a new record and
// installs it dirty (spec §4.5 alloc). generation is supplied by the caller
// (fs.go derives it from the mount clock's nanoseconds rather than from
// math/rand).
func (c *InodeCache) Alloc(capacity uint32, mode fs.FileMode, uid, gid, generation uint32, now time.Time) (*Inode, error) {
	ino, err := c.imap.Alloc(capacity)
	if err != nil {
		return nil, err
	}
	rec := InodeRecord{
		Ino:        ino,
		Mode:       ModeToUnix(mode),
		UID:        uid,
		GID:        gid,
		Nlink:      1,
		Generation: generation,
		Atime:      now.UnixNano(),
		Mtime:      now.UnixNano(),
		Ctime:      now.UnixNano(),
	}
	n := newInode(rec)
	n.dirty = true

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	el := c.lru.PushFront(n)
	c.entries[ino] = el
	return n, nil
}

// Write appends the inode's current record to the log, updates the IMap,
// marks the previous location dead and clears the dirty flag (spec §4.5).
// Required whenever an inode is dirty, before it can be evicted or before
// a checkpoint may subsume its location. An inode whose link count is zero
// has already been freed from the IMap, so it is not appended: only its
// previous location is marked dead and its dirty flag cleared.
func (c *InodeCache) Write(n *Inode) error {
	if !n.isDirty() {
		return nil
	}

	n.mu.Lock()
	rec := n.rec
	prevLocation := n.location
	n.mu.Unlock()

	if rec.Nlink == 0 {
		if prevLocation != 0 && c.markDead != nil {
			c.markDead(prevLocation)
		}
		n.mu.Lock()
		n.dirty = false
		n.mu.Unlock()
		return nil
	}

	block := make([]byte, c.geom.BlockSize)
	encoded, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	slot := inodeSlot(rec.Ino, c.geom.BlockSize)
	copy(block[slot:slot+inodeRecordSize], encoded)

	addr, err := c.segW.Append(block, rec.Ino, 0, BlockInode)
	if err != nil {
		return err
	}

	if prevLocation != 0 && c.markDead != nil {
		c.markDead(prevLocation)
	}
	version := c.imap.Update(rec.Ino, addr)

	n.mu.Lock()
	n.location = addr
	n.version = version
	n.dirty = false
	n.mu.Unlock()
	return nil
}

// Relocate copies an inode's block forward to a fresh log location
// unchanged, used by the cleaner to preserve a live inode record out of a
// segment under collection (spec §4.10 clean step 4). If the inode is
// currently resident, its cached location/version are updated in place
// without disturbing its dirty flag.
func (c *InodeCache) Relocate(ino uint32, raw []byte) error {
	addr, err := c.segW.Append(raw, ino, 0, BlockInode)
	if err != nil {
		return err
	}
	version := c.imap.Update(ino, addr)

	c.mu.Lock()
	el, resident := c.entries[ino]
	c.mu.Unlock()
	if resident {
		n := el.Value.(*Inode)
		n.mu.Lock()
		n.location = addr
		n.version = version
		n.mu.Unlock()
	}
	return nil
}

// evictLocked evicts the least-recently-used inode with zero refcount,
// writing it back first if dirty. Called with c.mu held.
func (c *InodeCache) evictLocked() {
	if c.lru.Len() < c.capacity {
		return
	}
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		n := el.Value.(*Inode)
		if n.refs() != 0 {
			continue
		}
		if n.isDirty() {
			// Write is best-effort here: evicting a dirty inode we cannot
			// persist would silently lose data, so surface nothing and
			// simply keep it resident rather than drop it. The caller of
			// Get/Alloc that triggered eviction still proceeds with its own
			// insert; the cache temporarily exceeds capacity.
			if err := c.writeLockedBestEffort(n); err != nil {
				continue
			}
		}
		c.lru.Remove(el)
		delete(c.entries, n.Ino())
		return
	}
}

// writeLockedBestEffort calls Write without holding c.mu (Write only takes
// the inode's own lock and the segment writer's), safe to call from inside
// evictLocked because InodeCache's lock is never required by Write.
func (c *InodeCache) writeLockedBestEffort(n *Inode) error {
	c.mu.Unlock()
	err := c.Write(n)
	c.mu.Lock()
	return err
}

// FlushAll writes back every dirty inode still resident, used before a
// checkpoint emit subsumes the log (spec §4.8 step 1 touches the segment
// writer directly; this is the inode-cache-side analogue, invoked by
// CheckpointManager.Emit before that flush and by fs.go's Fsync and
// Unmount).
func (c *InodeCache) FlushAll() error {
	c.mu.Lock()
	var dirty []*Inode
	for el := c.lru.Front(); el != nil; el = el.Next() {
		n := el.Value.(*Inode)
		if n.isDirty() {
			dirty = append(dirty, n)
		}
	}
	c.mu.Unlock()

	for _, n := range dirty {
		if err := c.Write(n); err != nil {
			return err
		}
	}
	return nil
}
