package lfs

import (
	"encoding/binary"
	"fmt"
)

// FileIndex resolves intra-file block indices to log block addresses
// through an inode's direct, single-indirect and double-indirect pointers
// (spec §4.6), and appends replacement blocks through the segment writer
// when a file grows or an existing block is overwritten.
type FileIndex struct {
	geom     Geometry
	bufCache *BufferCache
	segW     *SegmentWriter
	markDead onDeadBlockFn
}

func NewFileIndex(geom Geometry, bufCache *BufferCache, segW *SegmentWriter, markDead onDeadBlockFn) *FileIndex {
	return &FileIndex{geom: geom, bufCache: bufCache, segW: segW, markDead: markDead}
}

func readPointers(data []byte, n uint64) []uint64 {
	out := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return out
}

func writePointers(ptrs []uint64, blockSize uint32) []byte {
	out := make([]byte, blockSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], p)
	}
	return out
}

// Read returns the data block at intra-file index k, or a zero-filled
// block if k has never been written (spec §4.6 read: "a zero pointer
// returns a zero-filled block").
func (fi *FileIndex) Read(rec InodeRecord, k uint64) ([]byte, error) {
	addr, err := fi.resolve(rec, k)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return make([]byte, fi.geom.BlockSize), nil
	}
	h, err := fi.bufCache.Get(addr)
	if err != nil {
		return nil, err
	}
	defer fi.bufCache.Put(h)
	out := make([]byte, fi.geom.BlockSize)
	copy(out, h.Data())
	return out, nil
}

// resolve returns the current log address for file block k, or 0 if unset.
func (fi *FileIndex) resolve(rec InodeRecord, k uint64) (uint64, error) {
	p := fi.geom.pointersPerBlock()
	switch {
	case k < DirectPointers:
		return rec.Direct[k], nil
	case k < DirectPointers+p:
		if rec.Indirect == 0 {
			return 0, nil
		}
		ptrs, err := fi.readIndirect(rec.Indirect)
		if err != nil {
			return 0, err
		}
		return ptrs[k-DirectPointers], nil
	case k < DirectPointers+p+p*p:
		if rec.DoubleIndirect == 0 {
			return 0, nil
		}
		idx2 := k - DirectPointers - p
		level1 := idx2 / p
		level2 := idx2 % p
		outer, err := fi.readIndirect(rec.DoubleIndirect)
		if err != nil {
			return 0, err
		}
		if outer[level1] == 0 {
			return 0, nil
		}
		inner, err := fi.readIndirect(outer[level1])
		if err != nil {
			return 0, err
		}
		return inner[level2], nil
	default:
		return 0, fmt.Errorf("%w: file block index %d beyond double-indirect range", ErrInvalidArgument, k)
	}
}

func (fi *FileIndex) readIndirect(addr uint64) ([]uint64, error) {
	h, err := fi.bufCache.Get(addr)
	if err != nil {
		return nil, err
	}
	defer fi.bufCache.Put(h)
	return readPointers(h.Data(), fi.geom.pointersPerBlock()), nil
}

func (fi *FileIndex) deadOld(addr uint64) {
	if addr != 0 && fi.markDead != nil {
		fi.markDead(addr)
	}
}

// Write appends block as the new content of intra-file index k, updating
// whichever direct/indirect/double-indirect pointers are needed and
// marking superseded pointer targets dead (spec §4.6 write).
func (fi *FileIndex) Write(n *Inode, k uint64, block []byte) error {
	p := fi.geom.pointersPerBlock()

	rec := n.Snapshot()
	switch {
	case k < DirectPointers:
		addr, err := fi.segW.Append(block, rec.Ino, uint32(k), BlockData)
		if err != nil {
			return err
		}
		old := rec.Direct[k]
		n.Mutate(func(r *InodeRecord) { r.Direct[k] = addr })
		fi.deadOld(old)
		return nil

	case k < DirectPointers+p:
		idx := k - DirectPointers
		ptrs, oldIndirectAddr, err := fi.loadOrCreateIndirect(rec.Indirect, p)
		if err != nil {
			return err
		}
		dataAddr, err := fi.segW.Append(block, rec.Ino, uint32(k), BlockData)
		if err != nil {
			return err
		}
		oldData := ptrs[idx]
		ptrs[idx] = dataAddr

		newIndirectAddr, err := fi.segW.Append(writePointers(ptrs, fi.geom.BlockSize), rec.Ino, uint32(DirectPointers), BlockIndirect)
		if err != nil {
			return err
		}
		n.Mutate(func(r *InodeRecord) { r.Indirect = newIndirectAddr })
		fi.deadOld(oldData)
		fi.deadOld(oldIndirectAddr)
		return nil

	case k < DirectPointers+p+p*p:
		idx2 := k - DirectPointers - p
		level1 := idx2 / p
		level2 := idx2 % p

		outer, oldOuterAddr, err := fi.loadOrCreateIndirect(rec.DoubleIndirect, p)
		if err != nil {
			return err
		}
		inner, oldInnerAddr, err := fi.loadOrCreateIndirect(outer[level1], p)
		if err != nil {
			return err
		}

		dataAddr, err := fi.segW.Append(block, rec.Ino, uint32(k), BlockData)
		if err != nil {
			return err
		}
		oldData := inner[level2]
		inner[level2] = dataAddr

		innerBase := DirectPointers + p + level1*p + 1
		newInnerAddr, err := fi.segW.Append(writePointers(inner, fi.geom.BlockSize), rec.Ino, uint32(innerBase), BlockIndirect)
		if err != nil {
			return err
		}
		outer[level1] = newInnerAddr

		newOuterAddr, err := fi.segW.Append(writePointers(outer, fi.geom.BlockSize), rec.Ino, uint32(DirectPointers+p), BlockIndirect)
		if err != nil {
			return err
		}

		n.Mutate(func(r *InodeRecord) { r.DoubleIndirect = newOuterAddr })
		fi.deadOld(oldData)
		fi.deadOld(oldInnerAddr)
		fi.deadOld(oldOuterAddr)
		return nil

	default:
		return fmt.Errorf("%w: file block index %d beyond double-indirect range", ErrInvalidArgument, k)
	}
}

// RelocateIndirect copies an unmodified indirect or double-indirect block
// to a fresh log location and repoints the owning inode at it, used by the
// cleaner when a pointer block itself (rather than any data block beneath
// it) is the live content being preserved from a segment under collection.
func (fi *FileIndex) RelocateIndirect(n *Inode, intraIndex uint32, raw []byte) error {
	p := fi.geom.pointersPerBlock()
	k := uint64(intraIndex)
	ino := n.Ino()

	switch {
	case k == DirectPointers:
		addr, err := fi.segW.Append(raw, ino, intraIndex, BlockIndirect)
		if err != nil {
			return err
		}
		n.Mutate(func(r *InodeRecord) { r.Indirect = addr })
		return nil

	case k == DirectPointers+p:
		addr, err := fi.segW.Append(raw, ino, intraIndex, BlockIndirect)
		if err != nil {
			return err
		}
		n.Mutate(func(r *InodeRecord) { r.DoubleIndirect = addr })
		return nil

	case k > DirectPointers+p:
		level1 := (k - DirectPointers - p) / p
		rec := n.Snapshot()
		if rec.DoubleIndirect == 0 {
			return fmt.Errorf("%w: relocate inner indirect block with no double-indirect root", ErrCorrupt)
		}
		outer, err := fi.readIndirect(rec.DoubleIndirect)
		if err != nil {
			return err
		}
		newInnerAddr, err := fi.segW.Append(raw, ino, intraIndex, BlockIndirect)
		if err != nil {
			return err
		}
		outer[level1] = newInnerAddr

		newOuterAddr, err := fi.segW.Append(writePointers(outer, fi.geom.BlockSize), ino, uint32(DirectPointers+p), BlockIndirect)
		if err != nil {
			return err
		}
		n.Mutate(func(r *InodeRecord) { r.DoubleIndirect = newOuterAddr })
		return nil

	default:
		return fmt.Errorf("%w: relocate indirect with unrecognised intra index %d", ErrInvalidArgument, intraIndex)
	}
}

// loadOrCreateIndirect reads the pointer block at addr, or returns a fresh
// all-zero pointer array if addr is 0 (no block allocated yet).
func (fi *FileIndex) loadOrCreateIndirect(addr uint64, p uint64) ([]uint64, uint64, error) {
	if addr == 0 {
		return make([]uint64, p), 0, nil
	}
	ptrs, err := fi.readIndirect(addr)
	if err != nil {
		return nil, 0, err
	}
	return ptrs, addr, nil
}

// IsLive reports whether the block described by (btype, intraIndex, addr)
// is still reachable from rec's current pointer chain (spec §4.10 clean
// step 3). Inode-block liveness is checked by the caller against the IMap
// directly; this only covers data and indirect descriptors.
//
// intraIndex encoding for BlockIndirect descriptors follows the base file
// index the block covers: DirectPointers for the single-indirect block,
// DirectPointers+pointersPerBlock for the double-indirect outer block, and
// DirectPointers+pointersPerBlock+level1*pointersPerBlock+1 for each inner
// block referenced by the outer block (the +1 keeps inner block 0 distinct
// from the outer block; dividing by pointersPerBlock still recovers
// level1) — this lets a descriptor read back
// out of the summary alone identify which pointer slot to check, without
// needing to re-derive it from file size (spec REDESIGN: the original
// distillation left the double-indirect liveness descent unspecified; this
// resolves it by making indirect descriptors self-describing).
func (fi *FileIndex) IsLive(rec InodeRecord, btype BlockType, intraIndex uint32, addr uint64) (bool, error) {
	p := fi.geom.pointersPerBlock()
	k := uint64(intraIndex)

	switch btype {
	case BlockData:
		cur, err := fi.resolve(rec, k)
		if err != nil {
			return false, err
		}
		return cur == addr, nil

	case BlockIndirect:
		switch {
		case k == DirectPointers:
			return rec.Indirect == addr, nil
		case k == DirectPointers+p:
			return rec.DoubleIndirect == addr, nil
		case k > DirectPointers+p:
			if rec.DoubleIndirect == 0 {
				return false, nil
			}
			level1 := (k - DirectPointers - p) / p
			outer, err := fi.readIndirect(rec.DoubleIndirect)
			if err != nil {
				return false, err
			}
			if level1 >= uint64(len(outer)) {
				return false, nil
			}
			return outer[level1] == addr, nil
		default:
			return false, nil
		}

	default:
		return false, fmt.Errorf("%w: IsLive called with block type %s", ErrInvalidArgument, btype)
	}
}
