package lfs

import (
	"fmt"
	"log"
)

// RecoveryResult bundles the state reconstructed by Recover, ready to seed
// a running mount (spec §4.9).
type RecoveryResult struct {
	Superblock   *Superblock
	IMap         *IMap
	SegmentTable *SegmentTable
	NextSegID    uint64
	ActiveSeg    uint64
}

// Recover executes the recovery protocol in spec §4.9, unconditionally —
// an unclean shutdown is not an error (spec §7), so this always runs once
// before a mount completes. Recover itself writes nothing; Mount emits the
// fresh post-recovery checkpoint (skipped for read-only mounts).
func Recover(dev *BlockDevice, clock Clock, metrics *Metrics) (*RecoveryResult, error) {
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}
	geom := sb.geometry()

	// Step 1: read both checkpoint headers, pick the valid one with the
	// higher sequence.
	hdrA, err := readCheckpointHeader(dev, geom, 0)
	if err != nil {
		return nil, err
	}
	hdrB, err := readCheckpointHeader(dev, geom, 1)
	if err != nil {
		return nil, err
	}
	region, chosen, err := selectCheckpoint(hdrA, hdrB)
	if err != nil {
		return nil, err
	}
	log.Printf("lfs: recovery selected checkpoint region %d sequence %d", region, chosen.Sequence)

	// Step 2: load the IMAP blocks following the chosen header; load the
	// segment table.
	regionBlock := geom.CheckpointABlock
	if region == 1 {
		regionBlock = geom.CheckpointBBlock
	}
	imapBytes := make([]byte, (geom.CheckpointBlocks-1)*uint64(geom.BlockSize))
	if err := dev.ReadRange(regionBlock+1, imapBytes); err != nil {
		return nil, fmt.Errorf("lfs: recovery read imap: %w", err)
	}
	imap, err := LoadIMap(imapBytes, geom.InodeCapacity, 1)
	if err != nil {
		return nil, err
	}

	segTableBytes := make([]byte, geom.SegTableBlocks*uint64(geom.BlockSize))
	if err := dev.ReadRange(geom.SegTableBlock, segTableBytes); err != nil {
		return nil, fmt.Errorf("lfs: recovery read segment table: %w", err)
	}
	segTable, err := LoadSegmentTable(segTableBytes, geom.TotalSegments)
	if err != nil {
		return nil, err
	}

	// Step 3-5: roll forward from the checkpoint's log_head.
	lastReplayed, found, nextSegID, err := rollForward(dev, geom, chosen, imap, segTable)
	if err != nil {
		return nil, err
	}

	newLogHead := chosen.LogHead
	if found {
		newLogHead = geom.segmentStart(lastReplayed) + uint64(geom.SegmentBlocks)
	}
	sb.LogHead = newLogHead
	sb.ActiveCheckpoint = region

	activeSeg, err := segTable.AllocFree()
	if err != nil {
		return nil, fmt.Errorf("lfs: recovery: no free segment to resume writing: %w", err)
	}

	return &RecoveryResult{
		Superblock:   sb,
		IMap:         imap,
		SegmentTable: segTable,
		NextSegID:    nextSegID,
		ActiveSeg:    activeSeg,
	}, nil
}

// rollForward walks segments starting at the checkpoint's log_head segment,
// in physical (and thus segment_id) order, replaying inode descriptors
// into the IMap and sealing each valid segment in the segment table (spec
// §4.9 steps 3-4). It stops at the first segment whose summary magic is
// absent or whose timestamp precedes the checkpoint.
func rollForward(dev *BlockDevice, geom Geometry, chosen *CheckpointHeader, imap *IMap, segTable *SegmentTable) (lastSeg uint64, found bool, nextSegID uint64, err error) {
	summaryBlocks, payloadBlocks := geom.summaryLayout()
	startSeg := (chosen.LogHead - geom.LogStart) / uint64(geom.SegmentBlocks)

	maxSegID := uint64(0)
	for i := uint64(0); i < geom.TotalSegments; i++ {
		seg := (startSeg + i) % geom.TotalSegments

		buf := make([]byte, summaryBlocks*uint64(geom.BlockSize))
		if err := dev.ReadRange(geom.segmentStart(seg), buf); err != nil {
			return lastSeg, found, maxSegID + 1, err
		}
		summary := unmarshalSegmentSummary(buf, payloadBlocks)
		if summary.Magic != SummaryMagic || summary.Timestamp < chosen.Timestamp {
			break
		}

		for idx, d := range summary.Descriptors {
			if d.Type != BlockInode || d.Ino == 0 {
				continue
			}
			addr := geom.segmentStart(seg) + summaryBlocks + uint64(idx)
			imap.Update(d.Ino, addr)
		}
		liveBlocks := uint32(0)
		if summary.BlockCount > uint32(summaryBlocks) {
			liveBlocks = summary.BlockCount - uint32(summaryBlocks)
		}
		segTable.Seal(seg, liveBlocks, summary.Timestamp)

		if summary.SegmentID >= maxSegID {
			maxSegID = summary.SegmentID
		}
		lastSeg = seg
		found = true
	}
	return lastSeg, found, maxSegID + 1, nil
}
