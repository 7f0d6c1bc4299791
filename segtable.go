package lfs

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// segEntry is one row of the segment table (spec §4.4, §6): the state and
// live-block accounting for a single log segment.
type segEntry struct {
	State      SegmentState
	LiveBlocks uint32
	WrittenAt  int64 // unix seconds the segment was last sealed full, for cost-benefit age
}

func (e segEntry) marshal(out []byte) {
	out[0] = byte(e.State)
	binary.LittleEndian.PutUint32(out[4:8], e.LiveBlocks)
	binary.LittleEndian.PutUint64(out[8:16], uint64(e.WrittenAt))
}

func unmarshalSegEntry(b []byte) segEntry {
	return segEntry{
		State:      SegmentState(b[0]),
		LiveBlocks: binary.LittleEndian.Uint32(b[4:8]),
		WrittenAt:  int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

// SegmentTable tracks the state and live-block count of every segment in
// the log region (spec §4.4). It is consulted by the segment writer to
// find the next free segment and by the cleaner to rank cleaning
// candidates by cost-benefit.
type SegmentTable struct {
	mu       sync.RWMutex
	entries  []segEntry // guarded by mu, index == segment number
	free     uint64     // guarded by mu, count of SegmentFree entries
	capacity uint64
}

// NewSegmentTable builds a table of n segments, all initially free.
func NewSegmentTable(n uint64) *SegmentTable {
	t := &SegmentTable{entries: make([]segEntry, n), free: n, capacity: n}
	for i := range t.entries {
		t.entries[i].State = SegmentFree
	}
	return t
}

// LoadSegmentTable reconstructs a table from its packed on-disk form.
func LoadSegmentTable(data []byte, n uint64) (*SegmentTable, error) {
	t := &SegmentTable{entries: make([]segEntry, n), capacity: n}
	for i := uint64(0); i < n; i++ {
		off := i * segTableEntrySize
		if off+segTableEntrySize > uint64(len(data)) {
			return nil, fmt.Errorf("%w: segment table truncated at entry %d", ErrCorrupt, i)
		}
		e := unmarshalSegEntry(data[off : off+segTableEntrySize])
		t.entries[i] = e
		if e.State == SegmentFree {
			t.free++
		}
	}
	return t, nil
}

// State returns the current state of segment seg.
func (t *SegmentTable) State(seg uint64) SegmentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[seg].State
}

// LiveBlocks returns the number of blocks in segment seg still referenced
// by a live inode or index block.
func (t *SegmentTable) LiveBlocks(seg uint64) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[seg].LiveBlocks
}

// FreeCount returns how many segments are currently free.
func (t *SegmentTable) FreeCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.free
}

// FreeRatio returns FreeCount / capacity, the cleaner's trigger metric (spec §4.10).
func (t *SegmentTable) FreeRatio() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.capacity == 0 {
		return 0
	}
	return float64(t.free) / float64(t.capacity)
}

// AllocFree finds a free segment, transitions it to active and returns its
// index. Returns ErrNoSpace if none are free.
func (t *SegmentTable) AllocFree() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].State == SegmentFree {
			t.entries[i].State = SegmentActive
			t.entries[i].LiveBlocks = 0
			t.free--
			return uint64(i), nil
		}
	}
	return 0, ErrNoSpace
}

// Seal transitions an active segment to full once its writer has flushed
// its summary (spec §4.4), recording live block count and timestamp.
func (t *SegmentTable) Seal(seg uint64, liveBlocks uint32, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seg].State = SegmentFull
	t.entries[seg].LiveBlocks = liveBlocks
	t.entries[seg].WrittenAt = now
}

// MarkCleaning flags a full segment as being cleaned so concurrent
// writers/readers know not to trust its summary for new allocations.
func (t *SegmentTable) MarkCleaning(seg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seg].State = SegmentCleaning
}

// MarkFree transitions a cleaned segment back to free, to be reused by the
// writer (spec §4.10).
func (t *SegmentTable) MarkFree(seg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seg].State = SegmentFree
	t.entries[seg].LiveBlocks = 0
	t.free++
}

// DecrementLive records that one fewer block in seg is referenced (a write
// superseded it elsewhere in the log). Called, through markDeadFn, whenever
// the IMap or a file index pointer is repointed away from seg; it takes
// only the table's own lock.
func (t *SegmentTable) DecrementLive(seg uint64, n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[seg].LiveBlocks >= n {
		t.entries[seg].LiveBlocks -= n
	} else {
		t.entries[seg].LiveBlocks = 0
	}
}

// CleaningCandidates returns indices of full segments ordered by
// cost-benefit score, highest first: score = age * (1 - u) / (1 + u) where
// u is block utilization, live_blocks / payload_blocks (spec §4.10: the
// summary block(s) at the head of every segment never hold live file data,
// so they're excluded from the denominator). Only segments with utilization
// at or below cleanCap are considered at all.
func (t *SegmentTable) CleaningCandidates(payloadBlocks uint64, cleanCap float64, now int64) []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type scored struct {
		seg   uint64
		score float64
	}
	var cands []scored
	for i, e := range t.entries {
		if e.State != SegmentFull {
			continue
		}
		u := float64(e.LiveBlocks) / float64(payloadBlocks)
		if u > cleanCap {
			continue
		}
		age := float64(now - e.WrittenAt)
		if age < 0 {
			age = 0
		}
		score := age * (1 - u) / (1 + u)
		cands = append(cands, scored{uint64(i), score})
	}
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].score > cands[j-1].score; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.seg
	}
	return out
}

// markDeadFn builds the onDeadBlockFn callback threaded into the inode
// cache and file index (spec §4.10 mark_dead): given a superseded
// absolute block address, translate it to a segment index and decrement
// that segment's live-block count.
func markDeadFn(geom Geometry, segTable *SegmentTable) onDeadBlockFn {
	return func(addr uint64) {
		segTable.DecrementLive(geom.segmentOf(addr), 1)
	}
}

// Pack serializes the table for the checkpoint/segment-table region.
func (t *SegmentTable) Pack() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]byte, uint64(len(t.entries))*segTableEntrySize)
	for i, e := range t.entries {
		e.marshal(out[uint64(i)*segTableEntrySize : uint64(i+1)*segTableEntrySize])
	}
	return out
}
