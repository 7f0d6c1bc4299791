package lfs

import (
	"context"
	"log"
	"time"
)

// Cleaner is the dedicated background garbage collector (spec §4.10). It
// wakes on its wake channel (fed by the segment writer on out-of-space, or
// by a caller wanting an immediate pass) or on an idle timeout, and never
// runs more than one pass at a time.
type Cleaner struct {
	dev      *BlockDevice
	geom     Geometry
	segTable *SegmentTable
	imap     *IMap
	inodes   *InodeCache
	fileIdx  *FileIndex
	segW     *SegmentWriter
	ckpt     *CheckpointManager
	clock    Clock
	cfg      *Config
	metrics  *Metrics

	wake chan struct{}
	done chan struct{}
}

func NewCleaner(dev *BlockDevice, geom Geometry, segTable *SegmentTable, imap *IMap, inodes *InodeCache, fileIdx *FileIndex, segW *SegmentWriter, ckpt *CheckpointManager, clock Clock, cfg *Config, wake chan struct{}) *Cleaner {
	return &Cleaner{
		dev: dev, geom: geom, segTable: segTable, imap: imap, inodes: inodes,
		fileIdx: fileIdx, segW: segW, ckpt: ckpt, clock: clock, cfg: cfg, metrics: cfg.Metrics,
		wake: wake, done: make(chan struct{}),
	}
}

// Run is the cleaner's main loop; call it in its own goroutine at mount
// time. It returns when ctx is cancelled (unmount).
func (gc *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(gc.cfg.CleanerIdleWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gc.wake:
		case <-ticker.C:
		}
		if err := gc.runIfNeeded(); err != nil {
			log.Printf("lfs: cleaner pass failed: %s", err)
		}
	}
}

func (gc *Cleaner) runIfNeeded() error {
	if !gc.needed() {
		return nil
	}
	cleaned := 0
	for cleaned < gc.cfg.CleanerBudget && gc.segTable.FreeRatio() < gc.cfg.CleanerHighWatermark {
		_, payloadBlocks := gc.geom.summaryLayout()
		cands := gc.segTable.CleaningCandidates(payloadBlocks, gc.cfg.CleanerCleanCap, gc.clock.Now().Unix())
		if len(cands) == 0 {
			break
		}
		if err := gc.clean(cands[0]); err != nil {
			return err
		}
		cleaned++
	}
	if cleaned == 0 {
		return nil
	}
	if gc.metrics != nil {
		gc.metrics.CleanerPasses.Inc()
		gc.metrics.SegmentsCleaned.Add(float64(cleaned))
	}
	// Step 6: after each run, flush the active segment and emit a checkpoint.
	if err := gc.segW.Flush(); err != nil {
		return err
	}
	return gc.ckpt.Emit()
}

// needed reports whether the free segment ratio has dropped below the low
// watermark (spec §4.10 needed).
func (gc *Cleaner) needed() bool {
	return gc.segTable.FreeRatio() < gc.cfg.CleanerLowWatermark
}

// clean executes the five-step cleaning protocol for segment seg (spec
// §4.10 clean). The cleaner is single-threaded, so no external
// synchronization against a second cleaning pass is required.
func (gc *Cleaner) clean(seg uint64) error {
	// Step 1: atomically transition full -> cleaning.
	gc.segTable.MarkCleaning(seg)

	// Step 2: read the entire segment.
	summaryBlocks, payloadBlocks := gc.geom.summaryLayout()
	total := summaryBlocks + payloadBlocks
	buf := make([]byte, total*uint64(gc.geom.BlockSize))
	if err := gc.dev.ReadRange(gc.geom.segmentStart(seg), buf); err != nil {
		// Corruption during cleaning aborts the pass and leaves the segment full (spec §7).
		gc.segTable.Seal(seg, gc.segTable.LiveBlocks(seg), gc.clock.Now().Unix())
		return err
	}
	summary := unmarshalSegmentSummary(buf, payloadBlocks)
	if summary.Magic != SummaryMagic {
		gc.segTable.Seal(seg, gc.segTable.LiveBlocks(seg), gc.clock.Now().Unix())
		return ErrCorrupt
	}
	used := uint64(summary.BlockCount) - summaryBlocks

	live := uint32(0)
	for i := uint64(0); i < used && i < uint64(len(summary.Descriptors)); i++ {
		d := summary.Descriptors[i]
		slotAddr := gc.geom.segmentStart(seg) + summaryBlocks + i
		rawOff := (summaryBlocks + i) * uint64(gc.geom.BlockSize)
		raw := buf[rawOff : rawOff+uint64(gc.geom.BlockSize)]

		alive, err := gc.isLive(d, slotAddr, raw)
		if err != nil {
			log.Printf("lfs: cleaner: liveness check failed for ino %d: %s", d.Ino, err)
			continue
		}
		if !alive {
			continue
		}

		// Step 4: copy forward and repoint.
		if err := gc.relocate(d, slotAddr, raw); err != nil {
			return err
		}
		live++
	}

	// Step 5: transition to free.
	gc.segTable.MarkFree(seg)
	_ = live
	return nil
}

// isLive determines descriptor liveness per the three cases in spec §4.10
// clean step 3.
func (gc *Cleaner) isLive(d segDescriptor, slotAddr uint64, raw []byte) (bool, error) {
	switch d.Type {
	case BlockInode:
		location, _, err := gc.imap.Lookup(d.Ino)
		if err != nil {
			return false, nil // freed inode: not live
		}
		return location == slotAddr, nil

	case BlockData, BlockIndirect:
		n, err := gc.inodes.Get(d.Ino)
		if err != nil {
			return false, nil // owning inode gone: not live
		}
		defer gc.inodes.Put(n)
		rec := n.Snapshot()
		if rec.Nlink == 0 {
			return false, nil // unlinked inode still cached: not live
		}
		return gc.fileIdx.IsLive(rec, d.Type, d.IntraIndex, slotAddr)

	default:
		return false, nil
	}
}

// relocate copies a live block forward and updates whatever references it
// (spec §4.10 clean step 4).
func (gc *Cleaner) relocate(d segDescriptor, slotAddr uint64, raw []byte) error {
	switch d.Type {
	case BlockInode:
		return gc.inodes.Relocate(d.Ino, raw)

	case BlockIndirect:
		n, err := gc.inodes.Get(d.Ino)
		if err != nil {
			return err
		}
		defer gc.inodes.Put(n)
		return gc.fileIdx.RelocateIndirect(n, d.IntraIndex, raw)

	case BlockData:
		n, err := gc.inodes.Get(d.Ino)
		if err != nil {
			return err
		}
		defer gc.inodes.Put(n)
		return gc.fileIdx.Write(n, uint64(d.IntraIndex), raw)

	default:
		return nil
	}
}

// Wake requests an out-of-cycle cleaning pass. The segment writer does not
// call it; it signals the same channel directly when it cannot allocate a
// fresh active segment.
func (gc *Cleaner) Wake() {
	select {
	case gc.wake <- struct{}{}:
	default:
	}
}
