package lfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Superblock is the bit-exact, little-endian header at block 0 of a backing
// image (spec §6). Fields are listed in on-disk order; UnmarshalBinary and
// MarshalBinary walk the exported fields by reflection in declaration
// order, so the struct definition IS the wire format (the same trick the
// teacher's own superblock reader uses, corrected to pass addressable
// fields to binary.Read instead of field copies).
type Superblock struct {
	Magic         uint32
	Version       uint32
	BlockSize     uint32
	SegmentBlocks uint32

	TotalBlocks   uint64
	TotalSegments uint64
	InodeCapacity uint64

	CheckpointABlock uint64
	CheckpointBBlock uint64
	SegTableBlock    uint64
	SegTableBlocks   uint64
	CheckpointBlocks uint64

	ActiveCheckpoint uint8
	Pad0             [7]byte

	LogHead      uint64
	FreeSegments uint64

	UUID [16]byte

	CreatedAt  int64
	MountedAt  int64
	MountCount uint32

	Clean uint8
	Pad1  [3]byte
}

// Geometry reconstructs a Geometry view from the superblock's persisted
// fields, for callers (lfsctl) that only have a Superblock, not a live mount.
func (s *Superblock) Geometry() Geometry {
	return s.geometry()
}

// geometry reconstructs a Geometry view from the superblock's persisted fields.
func (s *Superblock) geometry() Geometry {
	return Geometry{
		BlockSize:        s.BlockSize,
		SegmentBlocks:    s.SegmentBlocks,
		TotalBlocks:      s.TotalBlocks,
		TotalSegments:    s.TotalSegments,
		InodeCapacity:    s.InodeCapacity,
		CheckpointABlock: s.CheckpointABlock,
		CheckpointBBlock: s.CheckpointBBlock,
		CheckpointBlocks: s.CheckpointBlocks,
		SegTableBlock:    s.SegTableBlock,
		SegTableBlocks:   s.SegTableBlocks,
		LogStart:         s.SegTableBlock + s.SegTableBlocks,
	}
}

func newSuperblock(g Geometry, id uuid.UUID, now time.Time) *Superblock {
	sb := &Superblock{
		Magic:            SuperblockMagic,
		Version:          FormatVersion,
		BlockSize:        g.BlockSize,
		SegmentBlocks:    g.SegmentBlocks,
		TotalBlocks:      g.TotalBlocks,
		TotalSegments:    g.TotalSegments,
		InodeCapacity:    g.InodeCapacity,
		CheckpointABlock: g.CheckpointABlock,
		CheckpointBBlock: g.CheckpointBBlock,
		SegTableBlock:    g.SegTableBlock,
		SegTableBlocks:   g.SegTableBlocks,
		CheckpointBlocks: g.CheckpointBlocks,
		ActiveCheckpoint: 0,
		LogHead:          g.LogStart,
		FreeSegments:     g.TotalSegments,
		CreatedAt:        now.Unix(),
		MountedAt:        now.Unix(),
		MountCount:       0,
		Clean:            1,
	}
	copy(sb.UUID[:], id[:])
	return sb
}

// MarshalBinary packs the superblock into a SuperblockSize-byte, little-endian buffer.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, fmt.Errorf("lfs: marshal superblock field %s: %w", name, err)
		}
	}
	if buf.Len() > SuperblockSize {
		return nil, fmt.Errorf("%w: superblock overflows its reserved block", ErrCorrupt)
	}
	out := make([]byte, SuperblockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary decodes a SuperblockSize-byte buffer into the superblock.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || binary.LittleEndian.Uint32(data[:4]) != SuperblockMagic {
		return ErrInvalidImage
	}
	r := bytes.NewReader(data)
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		if name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("%w: read superblock field %s: %v", ErrCorrupt, name, err)
		}
	}
	if s.Version != FormatVersion {
		return ErrInvalidVersion
	}
	return nil
}

// readSuperblock loads and validates block 0 of dev.
func readSuperblock(dev *BlockDevice) (*Superblock, error) {
	buf := make([]byte, SuperblockSize)
	if err := dev.ReadRange(0, buf); err != nil {
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	log.Printf("lfs: superblock loaded: %d total blocks, %d segments, uuid=%s", sb.TotalBlocks, sb.TotalSegments, uuid.UUID(sb.UUID).String())
	return sb, nil
}

// writeSuperblock persists the superblock to block 0.
func writeSuperblock(dev *BlockDevice, sb *Superblock) error {
	buf, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	return dev.WriteRange(0, buf)
}
