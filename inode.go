package lfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"reflect"
	"sync"
)

// InodeRecord is the fixed 256-byte on-disk inode (spec §6). Timestamps are
// nanoseconds since epoch. Fields are listed in on-disk order and
// (un)marshaled by reflection, the same trick super.go uses for the
// superblock.
type InodeRecord struct {
	Ino        uint32
	Mode       uint32
	UID        uint32
	GID        uint32
	Nlink      uint32
	Generation uint32

	Size uint64

	Atime int64
	Mtime int64
	Ctime int64

	Direct         [DirectPointers]uint64
	Indirect       uint64
	DoubleIndirect uint64

	Pad [88]byte
}

// MarshalBinary packs the record into an inodeRecordSize-byte buffer.
func (r *InodeRecord) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	v := reflect.ValueOf(r).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, fmt.Errorf("lfs: marshal inode field %s: %w", v.Type().Field(i).Name, err)
		}
	}
	if buf.Len() != inodeRecordSize {
		return nil, fmt.Errorf("%w: inode record size %d != %d", ErrCorrupt, buf.Len(), inodeRecordSize)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an inodeRecordSize-byte buffer into the record.
func (r *InodeRecord) UnmarshalBinary(data []byte) error {
	if len(data) < inodeRecordSize {
		return fmt.Errorf("%w: inode record truncated", ErrCorrupt)
	}
	rd := bytes.NewReader(data[:inodeRecordSize])
	v := reflect.ValueOf(r).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(rd, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("%w: read inode field %s: %v", ErrCorrupt, v.Type().Field(i).Name, err)
		}
	}
	return nil
}

// FileMode returns the POSIX type/permission bits as a Go fs.FileMode,
// reusing the same Linux mode mapping as the rest of the on-disk format.
func (r *InodeRecord) FileMode() fs.FileMode { return UnixToMode(r.Mode) }

// fileType returns the inode's type tag, derived from Mode rather than
// stored separately (spec §6 doesn't reserve a type field on the inode
// record; the directory record does, for its entries).
func (r *InodeRecord) fileType() FileType { return FileTypeFromMode(r.FileMode()) }

// inodeSlot returns the byte offset of ino's slot within its containing
// block, per the inode cache's packing rule (spec §4.5): a full block
// holds inodesPerBlock records, slot index is ino mod inodesPerBlock.
func inodeSlot(ino uint32, blockSize uint32) int {
	perBlock := int(blockSize) / inodeRecordSize
	return int(ino)%perBlock*inodeRecordSize
}

// Inode is the in-memory, refcounted wrapper the inode cache hands out
// (spec §4.5). Field mutations are guarded by mu, held around any change to
// rec, per the per-inode lock in the concurrency model (spec §5).
type Inode struct {
	mu sync.Mutex

	rec      InodeRecord
	location uint64 // current absolute block address of this inode's record; 0 if never written
	version  uint32
	refcount int32
	dirty    bool
}

func newInode(rec InodeRecord) *Inode {
	return &Inode{rec: rec, refcount: 1}
}

func (n *Inode) Ino() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.Ino
}

func (n *Inode) Mode() fs.FileMode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.FileMode()
}

func (n *Inode) Type() FileType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.fileType()
}

func (n *Inode) IsDir() bool { return n.Type() == TypeDirectory }

func (n *Inode) Size() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.Size
}

func (n *Inode) Nlink() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec.Nlink
}

// Snapshot returns a copy of the current record, safe to read without
// holding the inode's lock afterward.
func (n *Inode) Snapshot() InodeRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rec
}

// Mutate runs fn with the inode locked and marks the inode dirty
// afterward. Every setattr, link-count change or pointer update goes
// through this so dirty-tracking can never be forgotten at a call site.
func (n *Inode) Mutate(fn func(*InodeRecord)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.rec)
	n.dirty = true
}

func (n *Inode) isDirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

func (n *Inode) AddRef() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refcount++
	return n.refcount
}

func (n *Inode) DelRef() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refcount > 0 {
		n.refcount--
	}
	return n.refcount
}

func (n *Inode) refs() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refcount
}
