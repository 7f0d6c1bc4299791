package lfs

import (
	"fmt"
	"time"
)

// DirOps wires the directory record codec (dir.go) to an inode's block
// storage through a FileIndex, and to the inode cache for looking up and
// allocating the child inodes directories reference (spec §4.7).
type DirOps struct {
	geom    Geometry
	fileIdx *FileIndex
	inodes  *InodeCache
}

func NewDirOps(geom Geometry, fileIdx *FileIndex, inodes *InodeCache) *DirOps {
	return &DirOps{geom: geom, fileIdx: fileIdx, inodes: inodes}
}

// readBody reconstructs a directory's full byte body by reading every
// block up to its recorded size.
func (d *DirOps) readBody(n *Inode) ([]byte, error) {
	rec := n.Snapshot()
	nblocks := (rec.Size + uint64(d.geom.BlockSize) - 1) / uint64(d.geom.BlockSize)
	body := make([]byte, 0, nblocks*uint64(d.geom.BlockSize))
	for k := uint64(0); k < nblocks; k++ {
		blk, err := d.fileIdx.Read(rec, k)
		if err != nil {
			return nil, err
		}
		body = append(body, blk...)
	}
	return body[:rec.Size], nil
}

// writeBody persists a (possibly grown) body back through the file index,
// one block at a time, and updates the inode's recorded size.
func (d *DirOps) writeBody(n *Inode, body []byte) error {
	bs := uint64(d.geom.BlockSize)
	nblocks := (uint64(len(body)) + bs - 1) / bs
	for k := uint64(0); k < nblocks; k++ {
		start := k * bs
		end := start + bs
		blk := make([]byte, bs)
		if end > uint64(len(body)) {
			copy(blk, body[start:])
		} else {
			copy(blk, body[start:end])
		}
		if err := d.fileIdx.Write(n, k, blk); err != nil {
			return err
		}
	}
	n.Mutate(func(r *InodeRecord) { r.Size = uint64(len(body)) })
	return nil
}

// Lookup returns the (ino, type) of name within directory n (spec §4.7 lookup).
func (d *DirOps) Lookup(n *Inode, name string) (uint32, FileType, error) {
	body, err := d.readBody(n)
	if err != nil {
		return 0, 0, err
	}
	ino, typ, found, err := dirLookup(body, name)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", ErrNoEntry, name)
	}
	return ino, typ, nil
}

// List returns every live entry in directory n, in on-disk order (spec §4.7,
// used by readdir).
func (d *DirOps) List(n *Inode) ([]dirEntry, error) {
	body, err := d.readBody(n)
	if err != nil {
		return nil, err
	}
	return dirList(body)
}

// Add inserts a new (name, ino, type) entry into directory n (spec §4.7 add).
func (d *DirOps) Add(n *Inode, name string, ino uint32, typ FileType) error {
	body, err := d.readBody(n)
	if err != nil {
		return err
	}
	if _, _, found, err := dirLookup(body, name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %q", ErrExist, name)
	}
	body, err = dirInsert(body, ino, name, typ)
	if err != nil {
		return err
	}
	return d.writeBody(n, body)
}

// Remove tombstones name's entry in directory n (spec §4.7 remove).
func (d *DirOps) Remove(n *Inode, name string) error {
	body, err := d.readBody(n)
	if err != nil {
		return err
	}
	body, err = dirRemove(body, name)
	if err != nil {
		return err
	}
	return d.writeBody(n, body)
}

// IsEmpty reports whether directory n holds only "." and ".." (spec §4.7 is_empty).
func (d *DirOps) IsEmpty(n *Inode) (bool, error) {
	body, err := d.readBody(n)
	if err != nil {
		return false, err
	}
	return dirIsEmpty(body)
}

// Init populates a freshly allocated directory inode with "." and ".."
// and sets its link count to 2 (spec §4.7 init).
func (d *DirOps) Init(n *Inode, parentIno uint32, now time.Time) error {
	self := n.Ino()
	body := dirInit(self, parentIno)
	if err := d.writeBody(n, body); err != nil {
		return err
	}
	n.Mutate(func(r *InodeRecord) {
		r.Nlink = 2
		r.Mtime = now.UnixNano()
		r.Ctime = now.UnixNano()
	})
	return nil
}

// Reparent rewrites the ".." entry of a moved directory to point at its
// new parent (spec REDESIGN: cross-directory rename updates ".." at
// rename time rather than leaving it stale until the next lookup).
func (d *DirOps) Reparent(n *Inode, newParentIno uint32) error {
	body, err := d.readBody(n)
	if err != nil {
		return err
	}
	body, err = dirSetDotDot(body, newParentIno)
	if err != nil {
		return err
	}
	return d.writeBody(n, body)
}
