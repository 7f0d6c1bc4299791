package lfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
)

// CheckpointHeader is the fixed header block at the start of a checkpoint
// region (spec §4.8, §6). Checksum is the CRC-32 (IEEE) of the packed IMAP
// and segment-table bytes, stamped at emit time; neither Recover nor the
// checker verifies it, so only the magic and complete_flag decide validity.
type CheckpointHeader struct {
	Magic             uint32
	Version           uint32
	Sequence          uint64
	Timestamp         int64
	LogHead           uint64
	ImapEntryCount    uint64
	SegmentEntryCount uint64
	Checksum          uint32
	CompleteFlag      uint8
	Pad               [11]byte
}

func (h *CheckpointHeader) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	v := reflect.ValueOf(h).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, err
		}
	}
	if buf.Len() != checkpointHeaderSize {
		return nil, fmt.Errorf("%w: checkpoint header size %d != %d", ErrCorrupt, buf.Len(), checkpointHeaderSize)
	}
	return buf.Bytes(), nil
}

func (h *CheckpointHeader) UnmarshalBinary(data []byte) error {
	if len(data) < checkpointHeaderSize {
		return fmt.Errorf("%w: checkpoint header truncated", ErrCorrupt)
	}
	r := bytes.NewReader(data[:checkpointHeaderSize])
	v := reflect.ValueOf(h).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(r, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return nil
}

// valid reports whether this header passes the magic+complete test (spec
// §4.9 step 1, §8 property 3).
func (h *CheckpointHeader) valid() bool {
	return h.Magic == CheckpointMagic && h.CompleteFlag == 1
}

// CheckpointManager emits alternating checkpoints per the protocol in spec
// §4.8, and is also read directly by the checker/inspector utilities.
type CheckpointManager struct {
	mu sync.Mutex

	dev      *BlockDevice
	geom     Geometry
	imap     *IMap
	segTable *SegmentTable
	segW     *SegmentWriter
	inodes   *InodeCache
	clock    Clock
	metrics  *Metrics

	// logHead mirrors the segment writer's true log head (spec §4.4 step 4),
	// kept current by AdvanceLogHead rather than read out of sb, which is
	// only ever mutated here, under mu. A plain field would race against
	// AdvanceLogHead's caller (the segment writer, under its own lock), so
	// this one is atomic instead.
	logHead atomic.Uint64

	sb *Superblock // shared with the rest of the mount; guarded by mu here
}

func NewCheckpointManager(dev *BlockDevice, geom Geometry, imap *IMap, segTable *SegmentTable, segW *SegmentWriter, inodes *InodeCache, clock Clock, metrics *Metrics, sb *Superblock) *CheckpointManager {
	c := &CheckpointManager{dev: dev, geom: geom, imap: imap, segTable: segTable, segW: segW, inodes: inodes, clock: clock, metrics: metrics, sb: sb}
	c.logHead.Store(sb.LogHead)
	return c
}

// AdvanceLogHead records the segment writer's new log head whenever it
// flushes a segment (spec §4.4 step 4). Wired as the segment writer's
// log-head hook at mount time, so Emit always packs the true head instead
// of echoing whatever was last written to the superblock.
func (c *CheckpointManager) AdvanceLogHead(newHead uint64) {
	c.logHead.Store(newHead)
}

// Emit runs the eight-step checkpoint protocol (spec §4.8).
func (c *CheckpointManager) Emit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: write back every dirty inode still resident (parent directory
	// inodes from Create/Mkdir/Rename, inodes the cleaner relocated, ...),
	// then force the segment writer to flush any partial segment. Both must
	// happen before the IMAP is packed below, or the checkpoint can name a
	// directory that still only exists on disk at its format-time location.
	if err := c.inodes.FlushAll(); err != nil {
		return fmt.Errorf("lfs: checkpoint flush inodes: %w", err)
	}
	if err := c.segW.Flush(); err != nil {
		return fmt.Errorf("lfs: checkpoint flush segment: %w", err)
	}

	// Step 2: pick the inactive region, increment sequence.
	inactive := uint8(1) - c.sb.ActiveCheckpoint
	seqA, err := c.readSequence(0)
	if err != nil {
		return err
	}
	seqB, err := c.readSequence(1)
	if err != nil {
		return err
	}
	nextSeq := max(seqA, seqB) + 1

	imapBytes := c.imap.Pack(c.geom.InodeCapacity)
	segTableBytes := c.segTable.Pack()

	checksum := crc32.ChecksumIEEE(imapBytes)
	checksum = crc32.Update(checksum, crc32.IEEETable, segTableBytes)

	now := c.clock.Now()
	header := CheckpointHeader{
		Magic:             CheckpointMagic,
		Version:           FormatVersion,
		Sequence:          nextSeq,
		Timestamp:         now.Unix(),
		LogHead:           c.logHead.Load(),
		ImapEntryCount:    c.geom.InodeCapacity,
		SegmentEntryCount: c.geom.TotalSegments,
		Checksum:          checksum,
		CompleteFlag:      0,
	}

	regionBlock := c.regionBlock(inactive)

	// Step 3: write header (complete=0), then IMAP blocks, then segment table.
	if err := c.writeHeader(regionBlock, &header); err != nil {
		return err
	}
	if err := c.dev.WriteRange(regionBlock+1, imapBytes); err != nil {
		return fmt.Errorf("lfs: checkpoint write imap: %w", err)
	}
	if err := c.dev.WriteRange(c.geom.SegTableBlock, segTableBytes); err != nil {
		return fmt.Errorf("lfs: checkpoint write segment table: %w", err)
	}

	// Step 4: sync.
	if err := c.dev.Sync(); err != nil {
		return err
	}

	// Step 5: rewrite header with complete=1.
	header.CompleteFlag = 1
	if err := c.writeHeader(regionBlock, &header); err != nil {
		return err
	}

	// Step 6: sync.
	if err := c.dev.Sync(); err != nil {
		return err
	}

	// Step 7: update the superblock's active_checkpoint pointer, write it.
	c.sb.ActiveCheckpoint = inactive
	c.sb.LogHead = header.LogHead
	c.sb.FreeSegments = c.segTable.FreeCount()
	c.sb.MountedAt = now.Unix()
	if err := writeSuperblock(c.dev, c.sb); err != nil {
		return err
	}

	// Step 8: sync.
	if err := c.dev.Sync(); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.Checkpoints.Inc()
		if c.geom.TotalSegments > 0 {
			c.metrics.FreeSegmentRatio.Set(float64(c.sb.FreeSegments) / float64(c.geom.TotalSegments))
		}
	}
	log.Printf("lfs: checkpoint %d emitted to region %d, log_head=%d", header.Sequence, inactive, header.LogHead)
	return nil
}

func (c *CheckpointManager) regionBlock(region uint8) uint64 {
	if region == 0 {
		return c.geom.CheckpointABlock
	}
	return c.geom.CheckpointBBlock
}

func (c *CheckpointManager) writeHeader(regionBlock uint64, h *CheckpointHeader) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	out := make([]byte, c.geom.BlockSize)
	copy(out, buf)
	return c.dev.WriteRange(regionBlock, out)
}

// readSequence reads the current sequence number stored at region, 0 if
// the header there is not yet valid (fresh format).
func (c *CheckpointManager) readSequence(region uint8) (uint64, error) {
	block := c.regionBlock(region)
	buf := make([]byte, c.geom.BlockSize)
	if err := c.dev.ReadRange(block, buf); err != nil {
		return 0, err
	}
	var h CheckpointHeader
	if err := h.UnmarshalBinary(buf); err != nil || h.Magic != CheckpointMagic {
		return 0, nil
	}
	return h.Sequence, nil
}

// readCheckpointHeader loads the header at the given region without
// validating it, for the checker/inspector.
func readCheckpointHeader(dev *BlockDevice, geom Geometry, region uint8) (*CheckpointHeader, error) {
	block := geom.CheckpointABlock
	if region == 1 {
		block = geom.CheckpointBBlock
	}
	buf := make([]byte, geom.BlockSize)
	if err := dev.ReadRange(block, buf); err != nil {
		return nil, err
	}
	h := &CheckpointHeader{}
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return h, nil
}

// CheckpointStatus reports one checkpoint region's header fields without
// selecting between them, for the lfsctl checker/inspector.
type CheckpointStatus struct {
	Region    uint8
	Valid     bool
	Sequence  uint64
	Timestamp int64
	LogHead   uint64
}

// InspectCheckpoints reads both checkpoint region headers independently.
// Unlike Recover, it never errors when neither is valid; it reports that in
// the Valid fields instead, so the checker can describe exactly what it found.
func InspectCheckpoints(dev *BlockDevice, geom Geometry) ([2]CheckpointStatus, error) {
	var out [2]CheckpointStatus
	for r := uint8(0); r < 2; r++ {
		h, err := readCheckpointHeader(dev, geom, r)
		if err != nil {
			return out, fmt.Errorf("lfs: read checkpoint region %d: %w", r, err)
		}
		out[r] = CheckpointStatus{Region: r, Valid: h.valid(), Sequence: h.Sequence, Timestamp: h.Timestamp, LogHead: h.LogHead}
	}
	return out, nil
}

// selectCheckpoint implements spec §4.9 step 1: both headers valid picks
// the higher sequence; only one valid uses it; neither valid is fatal.
func selectCheckpoint(a, b *CheckpointHeader) (region uint8, header *CheckpointHeader, err error) {
	aValid, bValid := a.valid(), b.valid()
	switch {
	case aValid && bValid:
		if a.Sequence >= b.Sequence {
			return 0, a, nil
		}
		return 1, b, nil
	case aValid:
		return 0, a, nil
	case bValid:
		return 1, b, nil
	default:
		return 0, nil, fmt.Errorf("%w: no valid checkpoint header", ErrNoRecovery)
	}
}
