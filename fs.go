package lfs

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"
)

const rootIno = 1

// RootIno is the inode number of the mount's root directory, exposed for
// tooling (lfsctl) that needs to probe the tree without a full mount.
const RootIno = rootIno

// FileSystem is the top-level mounted filesystem: every adapter upcall
// (spec §6) is a method here, and every method observes the lock-ordering
// model in spec §5.
type FileSystem struct {
	// writeLock is the "global write lock" of spec §5: acquired around
	// fsync and checkpoint-triggering paths that must observe the segment
	// writer and checkpoint manager's own finer-grained locks in a fixed
	// order, without a second writer interleaving a flush between them.
	writeLock sync.Mutex

	dev      *BlockDevice
	geom     Geometry
	sb       *Superblock
	imap     *IMap
	segTable *SegmentTable
	segW     *SegmentWriter
	bufCache *BufferCache
	inodes   *InodeCache
	fileIdx  *FileIndex
	dirs     *DirOps
	ckpt     *CheckpointManager
	cleaner  *Cleaner
	cfg      *Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Mount opens the backing image at path, runs recovery unconditionally
// (spec §4.9, §7: an unclean shutdown is not an error) and starts the
// background cleaner.
func Mount(path string, opts ...MountOption) (*FileSystem, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	dev, err := OpenBlockDevice(path, DefaultBlockSize, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}

	recovered, err := Recover(dev, cfg.Clock, cfg.Metrics)
	if err != nil {
		dev.Close()
		return nil, err
	}
	geom := recovered.Superblock.geometry()

	wake := make(chan struct{}, 1)
	segW := NewSegmentWriter(dev, geom, recovered.SegmentTable, cfg.Clock, recovered.NextSegID, cfg, wake)
	segW.AdoptActive(recovered.ActiveSeg)

	bufCache := NewBufferCache(dev, cfg.BufferCacheBlocks, cfg.Metrics)
	deadFn := markDeadFn(geom, recovered.SegmentTable)
	inodes := NewInodeCache(cfg.InodeCacheEntries, recovered.IMap, bufCache, segW, geom, cfg.Clock, deadFn, cfg.Metrics)
	fileIdx := NewFileIndex(geom, bufCache, segW, deadFn)
	dirs := NewDirOps(geom, fileIdx, inodes)
	ckpt := NewCheckpointManager(dev, geom, recovered.IMap, recovered.SegmentTable, segW, inodes, cfg.Clock, cfg.Metrics, recovered.Superblock)
	segW.SetCheckpointHook(ckpt.Emit)
	segW.SetLogHeadHook(ckpt.AdvanceLogHead)

	cleaner := NewCleaner(dev, geom, recovered.SegmentTable, recovered.IMap, inodes, fileIdx, segW, ckpt, cfg.Clock, cfg, wake)

	fsys := &FileSystem{
		dev: dev, geom: geom, sb: recovered.Superblock, imap: recovered.IMap,
		segTable: recovered.SegmentTable, segW: segW, bufCache: bufCache,
		inodes: inodes, fileIdx: fileIdx, dirs: dirs, ckpt: ckpt, cleaner: cleaner, cfg: cfg,
	}

	// Recovery step 6: emit a fresh checkpoint; only after it persists is
	// the filesystem available for user operations.
	if !cfg.ReadOnly {
		if err := ckpt.Emit(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("lfs: post-recovery checkpoint: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	fsys.cancel = cancel
	if !cfg.ReadOnly {
		fsys.wg.Add(1)
		go func() {
			defer fsys.wg.Done()
			cleaner.Run(ctx)
		}()
	}

	log.Printf("lfs: mounted %s: %d blocks, %d segments, %d free", path, geom.TotalBlocks, geom.TotalSegments, recovered.SegmentTable.FreeCount())
	return fsys, nil
}

// Unmount stops the cleaner, flushes everything dirty and writes a final
// checkpoint so the next mount sees a clean image.
func (f *FileSystem) Unmount() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	if f.cfg.ReadOnly {
		return f.dev.Close()
	}

	f.writeLock.Lock()
	defer f.writeLock.Unlock()

	if err := f.inodes.FlushAll(); err != nil {
		return err
	}
	if err := f.bufCache.Flush(); err != nil {
		return err
	}
	if err := f.segW.Flush(); err != nil {
		return err
	}
	f.sb.Clean = 1
	if err := f.ckpt.Emit(); err != nil {
		return err
	}
	return f.dev.Close()
}

// Format initializes a fresh backing image: superblock, seeded root inode
// and directory in segment 0, and a complete checkpoint in region 0 (spec
// §6 formatter).
func Format(path string, sizeBytes uint64, opts ...FormatOption) error {
	cfg := defaultFormatConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	geom, err := computeGeometry(sizeBytes, cfg.BlockSize, cfg.SegmentBlocks, cfg.InodeCapacity)
	if err != nil {
		return err
	}

	dev, err := CreateBlockDevice(path, sizeBytes, cfg.BlockSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	sb := newSuperblock(geom, cfg.UUID, cfg.ModTime)
	segTable := NewSegmentTable(geom.TotalSegments)
	imap := NewIMap(1)

	clock := realClock()
	mountCfg := defaultConfig()
	wake := make(chan struct{}, 1)
	segW := NewSegmentWriter(dev, geom, segTable, clock, 0, mountCfg, wake)
	seg0, err := segTable.AllocFree()
	if err != nil {
		return err
	}
	segW.AdoptActive(seg0)

	dirBody := dirInit(rootIno, rootIno)
	dirBlock := make([]byte, geom.BlockSize)
	copy(dirBlock, dirBody)
	dirAddr, err := segW.Append(dirBlock, rootIno, 0, BlockData)
	if err != nil {
		return err
	}

	rootRec := InodeRecord{
		Ino:   rootIno,
		Mode:  ModeToUnix(fs.ModeDir | 0755),
		Nlink: 2,
		Size:  uint64(len(dirBody)),
		Atime: cfg.ModTime.UnixNano(),
		Mtime: cfg.ModTime.UnixNano(),
		Ctime: cfg.ModTime.UnixNano(),
	}
	rootRec.Direct[0] = dirAddr

	inodeBlock := make([]byte, geom.BlockSize)
	encoded, err := rootRec.MarshalBinary()
	if err != nil {
		return err
	}
	copy(inodeBlock[inodeSlot(rootIno, geom.BlockSize):], encoded)
	inodeAddr, err := segW.Append(inodeBlock, rootIno, 0, BlockInode)
	if err != nil {
		return err
	}
	imap.Update(rootIno, inodeAddr)

	if err := segW.Flush(); err != nil {
		return err
	}

	// Force the first checkpoint into region 0: Emit always targets
	// 1-ActiveCheckpoint, so seed ActiveCheckpoint at 1 beforehand.
	sb.ActiveCheckpoint = 1
	metrics := NewMetrics()
	bufCache := NewBufferCache(dev, mountCfg.BufferCacheBlocks, metrics)
	inodes := NewInodeCache(1, imap, bufCache, segW, geom, clock, markDeadFn(geom, segTable), metrics)
	ckpt := NewCheckpointManager(dev, geom, imap, segTable, segW, inodes, clock, metrics, sb)
	segW.SetLogHeadHook(ckpt.AdvanceLogHead)
	return ckpt.Emit()
}

func (f *FileSystem) now() time.Time { return f.cfg.Clock.Now() }

// Lookup resolves name within directory parentIno (spec §6 lookup).
func (f *FileSystem) Lookup(parentIno uint32, name string) (uint32, FileType, error) {
	parent, err := f.inodes.Get(parentIno)
	if err != nil {
		return 0, 0, err
	}
	defer f.inodes.Put(parent)
	if !parent.IsDir() {
		return 0, 0, ErrNotDirectory
	}
	return f.dirs.Lookup(parent, name)
}

// GetAttr returns a snapshot of ino's record (spec §6 getattr).
func (f *FileSystem) GetAttr(ino uint32) (InodeRecord, error) {
	n, err := f.inodes.Get(ino)
	if err != nil {
		return InodeRecord{}, err
	}
	defer f.inodes.Put(n)
	return n.Snapshot(), nil
}

// SetAttr applies fn to ino's record (spec §6 setattr).
func (f *FileSystem) SetAttr(ino uint32, fn func(*InodeRecord)) (InodeRecord, error) {
	n, err := f.inodes.Get(ino)
	if err != nil {
		return InodeRecord{}, err
	}
	defer f.inodes.Put(n)
	n.Mutate(func(r *InodeRecord) {
		fn(r)
		r.Ctime = f.now().UnixNano()
	})
	return n.Snapshot(), nil
}

// ReadDir lists directory ino's live entries (spec §6 readdir).
func (f *FileSystem) ReadDir(ino uint32) ([]dirEntry, error) {
	n, err := f.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	defer f.inodes.Put(n)
	if !n.IsDir() {
		return nil, ErrNotDirectory
	}
	return f.dirs.List(n)
}

// Read returns up to size bytes of ino's content starting at off (spec §6 read).
func (f *FileSystem) Read(ino uint32, off int64, size int) ([]byte, error) {
	n, err := f.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	defer f.inodes.Put(n)
	rec := n.Snapshot()
	if rec.fileType().IsDir() {
		return nil, ErrIsDirectory
	}
	if off < 0 || uint64(off) >= rec.Size {
		return nil, nil
	}
	end := uint64(off) + uint64(size)
	if end > rec.Size {
		end = rec.Size
	}
	bs := uint64(f.geom.BlockSize)
	out := make([]byte, 0, end-uint64(off))
	for pos := uint64(off); pos < end; {
		k := pos / bs
		blk, err := f.fileIdx.Read(rec, k)
		if err != nil {
			return nil, err
		}
		start := pos % bs
		stop := bs
		if k == (end-1)/bs {
			stop = (end-1)%bs + 1
		}
		out = append(out, blk[start:stop]...)
		pos += stop - start
	}
	return out, nil
}

// Write stores buf at offset off within ino's content, growing the file if
// needed (spec §6 write).
func (f *FileSystem) Write(ino uint32, off int64, buf []byte) (int, error) {
	if f.cfg.ReadOnly {
		return 0, ErrReadOnly
	}
	n, err := f.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	defer f.inodes.Put(n)
	rec := n.Snapshot()
	if rec.fileType().IsDir() {
		return 0, ErrIsDirectory
	}

	bs := uint64(f.geom.BlockSize)
	written := 0
	pos := uint64(off)
	for written < len(buf) {
		k := pos / bs
		start := pos % bs
		n_ := int(bs - start)
		if n_ > len(buf)-written {
			n_ = len(buf) - written
		}

		var blk []byte
		if start != 0 || n_ != int(bs) {
			blk, err = f.fileIdx.Read(rec, k)
			if err != nil {
				return written, err
			}
		} else {
			blk = make([]byte, bs)
		}
		copy(blk[start:], buf[written:written+n_])
		if err := f.fileIdx.Write(n, k, blk); err != nil {
			return written, err
		}

		pos += uint64(n_)
		written += n_
		rec = n.Snapshot()
	}

	newSize := uint64(off) + uint64(written)
	n.Mutate(func(r *InodeRecord) {
		if newSize > r.Size {
			r.Size = newSize
		}
		r.Mtime = f.now().UnixNano()
	})
	return written, nil
}

func (f *FileSystem) allocInode(mode fs.FileMode, uid, gid uint32) (*Inode, error) {
	if f.cfg.ReadOnly {
		return nil, ErrReadOnly
	}
	now := f.now()
	generation := uint32(now.UnixNano())
	return f.inodes.Alloc(uint32(f.geom.InodeCapacity), mode, uid, gid, generation, now)
}

// Create makes a new regular (or special) file named name in parentIno
// (spec §6 create).
func (f *FileSystem) Create(parentIno uint32, name string, mode fs.FileMode, uid, gid uint32) (uint32, error) {
	parent, err := f.inodes.Get(parentIno)
	if err != nil {
		return 0, err
	}
	defer f.inodes.Put(parent)
	if !parent.IsDir() {
		return 0, ErrNotDirectory
	}

	n, err := f.allocInode(mode, uid, gid)
	if err != nil {
		return 0, err
	}
	defer f.inodes.Put(n)

	if err := f.dirs.Add(parent, name, n.Ino(), FileTypeFromMode(mode)); err != nil {
		return 0, err
	}
	return n.Ino(), nil
}

// Mkdir makes a new directory named name in parentIno (spec §6 mkdir).
func (f *FileSystem) Mkdir(parentIno uint32, name string, mode fs.FileMode, uid, gid uint32) (uint32, error) {
	parent, err := f.inodes.Get(parentIno)
	if err != nil {
		return 0, err
	}
	defer f.inodes.Put(parent)
	if !parent.IsDir() {
		return 0, ErrNotDirectory
	}

	n, err := f.allocInode(mode|fs.ModeDir, uid, gid)
	if err != nil {
		return 0, err
	}
	defer f.inodes.Put(n)

	if err := f.dirs.Init(n, parentIno, f.now()); err != nil {
		return 0, err
	}
	if err := f.dirs.Add(parent, name, n.Ino(), TypeDirectory); err != nil {
		return 0, err
	}
	parent.Mutate(func(r *InodeRecord) { r.Nlink++ })
	return n.Ino(), nil
}

// Unlink removes name from parentIno, freeing the target inode once its
// link count reaches zero (spec §6 unlink).
func (f *FileSystem) Unlink(parentIno uint32, name string) error {
	parent, err := f.inodes.Get(parentIno)
	if err != nil {
		return err
	}
	defer f.inodes.Put(parent)
	if !parent.IsDir() {
		return ErrNotDirectory
	}

	childIno, typ, err := f.dirs.Lookup(parent, name)
	if err != nil {
		return err
	}
	if typ.IsDir() {
		return ErrIsDirectory
	}
	if err := f.dirs.Remove(parent, name); err != nil {
		return err
	}
	return f.dropLink(childIno)
}

// Rmdir removes an empty directory named name from parentIno (spec §6 rmdir).
func (f *FileSystem) Rmdir(parentIno uint32, name string) error {
	parent, err := f.inodes.Get(parentIno)
	if err != nil {
		return err
	}
	defer f.inodes.Put(parent)
	if !parent.IsDir() {
		return ErrNotDirectory
	}

	childIno, typ, err := f.dirs.Lookup(parent, name)
	if err != nil {
		return err
	}
	if !typ.IsDir() {
		return ErrNotDirectory
	}
	child, err := f.inodes.Get(childIno)
	if err != nil {
		return err
	}
	empty, err := f.dirs.IsEmpty(child)
	if err != nil {
		f.inodes.Put(child)
		return err
	}
	if !empty {
		f.inodes.Put(child)
		return ErrNotEmpty
	}
	f.inodes.Put(child)

	if err := f.dirs.Remove(parent, name); err != nil {
		return err
	}
	parent.Mutate(func(r *InodeRecord) { r.Nlink-- })
	return f.dropLink(childIno)
}

// dropLink decrements ino's link count, freeing it from the IMap once it
// reaches zero; its blocks are reclaimed lazily by the cleaner once
// nothing references them (spec §4.10).
func (f *FileSystem) dropLink(ino uint32) error {
	n, err := f.inodes.Get(ino)
	if err != nil {
		return err
	}
	defer f.inodes.Put(n)

	var remaining uint32
	n.Mutate(func(r *InodeRecord) {
		if r.Nlink > 0 {
			r.Nlink--
		}
		remaining = r.Nlink
	})
	if remaining == 0 {
		f.imap.Free(ino)
	}
	return nil
}

// Rename moves oldName in oldParentIno to newName in newParentIno (spec §6
// rename). A moved directory has its ".." entry rewritten immediately
// rather than left to go stale (spec REDESIGN).
func (f *FileSystem) Rename(oldParentIno uint32, oldName string, newParentIno uint32, newName string) error {
	oldParent, err := f.inodes.Get(oldParentIno)
	if err != nil {
		return err
	}
	defer f.inodes.Put(oldParent)

	childIno, typ, err := f.dirs.Lookup(oldParent, oldName)
	if err != nil {
		return err
	}

	newParent := oldParent
	if newParentIno != oldParentIno {
		newParent, err = f.inodes.Get(newParentIno)
		if err != nil {
			return err
		}
		defer f.inodes.Put(newParent)
	}

	if existingIno, existingTyp, err := f.dirs.Lookup(newParent, newName); err == nil {
		if existingTyp.IsDir() {
			return ErrIsDirectory
		}
		if err := f.dirs.Remove(newParent, newName); err != nil {
			return err
		}
		if err := f.dropLink(existingIno); err != nil {
			return err
		}
	}

	if err := f.dirs.Add(newParent, newName, childIno, typ); err != nil {
		return err
	}
	if err := f.dirs.Remove(oldParent, oldName); err != nil {
		return err
	}

	if typ.IsDir() && newParentIno != oldParentIno {
		child, err := f.inodes.Get(childIno)
		if err != nil {
			return err
		}
		if err := f.dirs.Reparent(child, newParentIno); err != nil {
			f.inodes.Put(child)
			return err
		}
		f.inodes.Put(child)
		oldParent.Mutate(func(r *InodeRecord) { r.Nlink-- })
		newParent.Mutate(func(r *InodeRecord) { r.Nlink++ })
	}
	return nil
}

// StatfsResult is returned by Statfs (spec §6 statfs).
type StatfsResult struct {
	BlockSize     uint32
	TotalBlocks   uint64
	FreeSegments  uint64
	TotalSegments uint64
	InodeCapacity uint64
	InodesInUse   int
}

func (f *FileSystem) Statfs() StatfsResult {
	return StatfsResult{
		BlockSize:     f.geom.BlockSize,
		TotalBlocks:   f.geom.TotalBlocks,
		FreeSegments:  f.segTable.FreeCount(),
		TotalSegments: f.geom.TotalSegments,
		InodeCapacity: f.geom.InodeCapacity,
		InodesInUse:   f.imap.Len(),
	}
}

// Fsync flushes the active segment and syncs the device before returning
// (spec §5: "a user fsync flushes the active segment and calls sync()
// before returning").
func (f *FileSystem) Fsync(ino uint32) error {
	f.writeLock.Lock()
	defer f.writeLock.Unlock()

	n, err := f.inodes.Get(ino)
	if err != nil {
		return err
	}
	f.inodes.Put(n)

	// Writing back only ino is not enough: the name that makes ino
	// reachable lives in a parent directory inode, dirty in the cache
	// since Create/Mkdir/Rename only Mutate it, never write it back. Flush
	// every dirty inode so the path to ino is recoverable after a crash,
	// not just ino's own record.
	if err := f.inodes.FlushAll(); err != nil {
		return err
	}

	if err := f.segW.Flush(); err != nil {
		return err
	}
	return f.dev.Sync()
}

// Checkpoint forces an immediate checkpoint emission, available to
// embedders and tests outside the automatic triggers.
func (f *FileSystem) Checkpoint() error {
	f.writeLock.Lock()
	defer f.writeLock.Unlock()
	return f.ckpt.Emit()
}
