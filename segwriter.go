package lfs

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

// segDescriptor records what one payload block in the active segment holds,
// so the segment summary (spec §4.4) can reconstruct liveness at recovery
// and cleaning time.
type segDescriptor struct {
	Ino        uint32
	IntraIndex uint32
	Type       BlockType
}

func (d segDescriptor) marshal(out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], d.Ino)
	binary.LittleEndian.PutUint32(out[4:8], d.IntraIndex)
	out[8] = byte(d.Type)
}

func unmarshalSegDescriptor(b []byte) segDescriptor {
	return segDescriptor{
		Ino:        binary.LittleEndian.Uint32(b[0:4]),
		IntraIndex: binary.LittleEndian.Uint32(b[4:8]),
		Type:       BlockType(b[8]),
	}
}

// segmentSummary is the decoded form of a segment's leading descriptor
// blocks (spec §4.4, §6).
type segmentSummary struct {
	Magic       uint32
	SegmentID   uint64
	Timestamp   int64
	BlockCount  uint32
	Descriptors []segDescriptor
}

func (s segmentSummary) marshal(out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], s.Magic)
	binary.LittleEndian.PutUint64(out[4:12], s.SegmentID)
	binary.LittleEndian.PutUint64(out[12:20], uint64(s.Timestamp))
	binary.LittleEndian.PutUint32(out[20:24], s.BlockCount)
	off := summaryHeaderSize
	for _, d := range s.Descriptors {
		d.marshal(out[off : off+summaryDescriptorSize])
		off += summaryDescriptorSize
	}
}

func unmarshalSegmentSummary(b []byte, payloadBlocks uint64) segmentSummary {
	s := segmentSummary{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		SegmentID:  binary.LittleEndian.Uint64(b[4:12]),
		Timestamp:  int64(binary.LittleEndian.Uint64(b[12:20])),
		BlockCount: binary.LittleEndian.Uint32(b[20:24]),
	}
	off := summaryHeaderSize
	for i := uint64(0); i < payloadBlocks; i++ {
		if off+summaryDescriptorSize > len(b) {
			break
		}
		s.Descriptors = append(s.Descriptors, unmarshalSegDescriptor(b[off:off+summaryDescriptorSize]))
		off += summaryDescriptorSize
	}
	return s
}

// SegmentWriter owns the single active segment: a segment-sized staging
// buffer plus a parallel descriptor array (spec §4.4). It is the only
// writer of the log region.
type SegmentWriter struct {
	mu sync.Mutex

	dev      *BlockDevice
	geom     Geometry
	segTable *SegmentTable
	clock    Clock

	summaryBlocks uint64
	payloadBlocks uint64

	active  uint64 // current active segment index; valid iff haveActive
	staging []byte
	descs   []segDescriptor
	used    uint64

	haveActive bool
	nextSegID  uint64

	writesSinceCheckpoint    int
	checkpointWriteThreshold int
	checkpointInterval       time.Duration
	lastCheckpoint           time.Time

	onCheckpoint    func() error
	onLogHeadAdvance func(newHead uint64)
	cleanerWake     chan struct{}
}

// NewSegmentWriter constructs a writer over an already-allocated active
// segment. nextSegID seeds the monotonic segment identifier counter (spec
// §4.9: recovery recomputes it as one past the highest replayed segment_id).
func NewSegmentWriter(dev *BlockDevice, geom Geometry, segTable *SegmentTable, clock Clock, nextSegID uint64, cfg *Config, cleanerWake chan struct{}) *SegmentWriter {
	summaryBlocks, payloadBlocks := geom.summaryLayout()
	w := &SegmentWriter{
		dev:                      dev,
		geom:                     geom,
		segTable:                 segTable,
		clock:                    clock,
		summaryBlocks:            summaryBlocks,
		payloadBlocks:            payloadBlocks,
		nextSegID:                nextSegID,
		checkpointWriteThreshold: cfg.CheckpointWriteThreshold,
		checkpointInterval:       cfg.CheckpointInterval,
		lastCheckpoint:           clock.Now(),
		cleanerWake:              cleanerWake,
	}
	return w
}

// SetCheckpointHook wires the checkpoint manager's emit function. Done as a
// post-construction setter (rather than a constructor argument) because the
// checkpoint manager itself holds a reference to this writer, to flush a
// partial segment before emitting (spec §4.8 step 1).
func (w *SegmentWriter) SetCheckpointHook(fn func() error) { w.onCheckpoint = fn }

// SetLogHeadHook wires the superblock update for log_head advancement.
func (w *SegmentWriter) SetLogHeadHook(fn func(uint64)) { w.onLogHeadAdvance = fn }

// adoptActive installs seg as the writer's active segment with a clean
// staging buffer. Called with w.mu held.
func (w *SegmentWriter) adoptActive(seg uint64) {
	w.active = seg
	w.staging = make([]byte, uint64(w.geom.SegmentBlocks)*uint64(w.geom.BlockSize))
	w.descs = make([]segDescriptor, w.payloadBlocks)
	w.used = 0
	w.haveActive = true
}

// AdoptActive is the externally-visible form, used by Mount to seat the
// writer on the free segment recovery allocated, and by Format on segment 0.
func (w *SegmentWriter) AdoptActive(seg uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adoptActive(seg)
}

// Append reserves the next slot in the active segment, copies data in and
// records its descriptor, flushing and rotating to a fresh active segment
// first if the current one is full (spec §4.4).
func (w *SegmentWriter) Append(data []byte, ino uint32, intraIndex uint32, btype BlockType) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.haveActive {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	if w.used >= w.payloadBlocks {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	slot := w.summaryBlocks + w.used
	off := slot * uint64(w.geom.BlockSize)
	copy(w.staging[off:off+uint64(w.geom.BlockSize)], data)
	w.descs[w.used] = segDescriptor{Ino: ino, IntraIndex: intraIndex, Type: btype}
	addr := w.geom.segmentStart(w.active) + slot
	w.used++

	w.writesSinceCheckpoint++
	w.maybeCheckpointLocked()

	return addr, nil
}

// Flush forces the current active segment out even if not full, used by
// fsync and by the checkpoint manager (spec §4.8 step 1, §5 fsync).
func (w *SegmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.haveActive || w.used == 0 {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.rotateLocked()
}

// flushLocked implements the segment writer flush protocol (spec §4.4).
// Called with w.mu held.
func (w *SegmentWriter) flushLocked() error {
	now := w.clock.Now()
	segID := w.nextSegID
	w.nextSegID++

	summary := segmentSummary{
		Magic:       SummaryMagic,
		SegmentID:   segID,
		Timestamp:   now.Unix(),
		BlockCount:  uint32(w.used + w.summaryBlocks),
		Descriptors: w.descs[:w.used],
	}
	summaryBytes := make([]byte, w.summaryBlocks*uint64(w.geom.BlockSize))
	summary.marshal(summaryBytes)
	copy(w.staging[:len(summaryBytes)], summaryBytes)

	// Step 2: write the entire segment contiguously.
	if err := w.dev.WriteRange(w.geom.segmentStart(w.active), w.staging); err != nil {
		return fmt.Errorf("lfs: flush segment %d: %w", w.active, err)
	}

	// Step 3: transition to full in the segment table.
	w.segTable.Seal(w.active, uint32(w.used), now.Unix())

	// Step 4: advance log_head past this segment.
	if w.onLogHeadAdvance != nil {
		w.onLogHeadAdvance(w.geom.segmentStart(w.active) + uint64(w.geom.SegmentBlocks))
	}

	w.haveActive = false
	return nil
}

// rotateLocked allocates a fresh active segment, signalling the cleaner and
// returning ErrNoSpace if none is free (spec §4.4 step 5). Called with
// w.mu held.
func (w *SegmentWriter) rotateLocked() error {
	seg, err := w.segTable.AllocFree()
	if err != nil {
		select {
		case w.cleanerWake <- struct{}{}:
		default:
		}
		return fmt.Errorf("%w: no free segment", ErrNoSpace)
	}
	w.adoptActive(seg)
	return nil
}

// maybeCheckpointLocked fires the checkpoint trigger if the write-count or
// wall-clock thresholds have been crossed (spec §4.8 "Trigger"). Called
// with w.mu held; the hook runs on its own goroutine, so it may take w.mu
// (Emit flushes through this writer) once the current Append returns.
func (w *SegmentWriter) maybeCheckpointLocked() {
	if w.onCheckpoint == nil {
		return
	}
	due := w.writesSinceCheckpoint >= w.checkpointWriteThreshold ||
		w.clock.Now().Sub(w.lastCheckpoint) >= w.checkpointInterval
	if !due {
		return
	}
	w.writesSinceCheckpoint = 0
	w.lastCheckpoint = w.clock.Now()
	go func(fn func() error) {
		if err := fn(); err != nil {
			log.Printf("lfs: triggered checkpoint failed: %s", err)
		}
	}(w.onCheckpoint)
}

// ActiveSegment returns the index of the segment currently being written,
// for diagnostics and the inspector utility.
func (w *SegmentWriter) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
