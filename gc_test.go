package lfs_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-lfs/lfs"
)

// retryOnNoSpace retries op while it keeps failing with ErrNoSpace, giving
// the background cleaner (woken by the segment writer on every failed
// allocation) a chance to free a segment before the next attempt.
func retryOnNoSpace(t *testing.T, op func() error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := op()
		if err == nil {
			return
		}
		if lfs.KindOf(err) != lfs.KindOutOfSpace {
			t.Fatalf("operation failed: %s", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation never succeeded even after waiting for the cleaner: %s", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestCleanerReclaimsSpaceFromOverwrittenBlocks repeatedly overwrites a
// single block of one file on a tiny image. Every overwrite appends a new
// log block and marks the previous one dead, so without a working cleaner
// the image fills after a few hundred writes; with one, dead segments are
// continuously recycled and the writes never stop succeeding.
func TestCleanerReclaimsSpaceFromOverwrittenBlocks(t *testing.T) {
	path := formatTemp(t, 4<<20, lfs.WithBlockSize(4096), lfs.WithSegmentBlocks(16))
	fsys := mustMount(t, path, lfs.WithCleanerWatermarks(0.5, 0.9, 1.0), lfs.WithCleanerBudget(8))
	defer fsys.Unmount()

	staticIno, err := fsys.Create(lfs.RootIno, "static.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create(static.bin) failed: %s", err)
	}
	staticPayload := bytes.Repeat([]byte{0x42}, 4096)
	if _, err := fsys.Write(staticIno, 0, staticPayload); err != nil {
		t.Fatalf("Write(static.bin) failed: %s", err)
	}

	churnIno, err := fsys.Create(lfs.RootIno, "churn.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create(churn.bin) failed: %s", err)
	}

	const iterations = 1500 // about 1.5 times the 1024-block raw capacity of a 4MiB image
	var lastByte byte
	for i := 0; i < iterations; i++ {
		lastByte = byte(i)
		block := bytes.Repeat([]byte{lastByte}, 4096)
		retryOnNoSpace(t, func() error {
			_, err := fsys.Write(churnIno, 0, block)
			return err
		})
	}

	st := fsys.Statfs()
	if st.FreeSegments == 0 {
		t.Errorf("FreeSegments = 0 after churn, want the cleaner to have kept some segments free")
	}

	// The block that was never touched during the churn loop must have
	// survived any cleaning pass that relocated it out of a reclaimed
	// segment, unchanged.
	gotStatic, err := fsys.Read(staticIno, 0, len(staticPayload))
	if err != nil {
		t.Fatalf("Read(static.bin) failed: %s", err)
	}
	if !bytes.Equal(gotStatic, staticPayload) {
		t.Errorf("static.bin content changed across cleaning passes")
	}

	gotChurn, err := fsys.Read(churnIno, 0, 4096)
	if err != nil {
		t.Fatalf("Read(churn.bin) failed: %s", err)
	}
	want := bytes.Repeat([]byte{lastByte}, 4096)
	if !bytes.Equal(gotChurn, want) {
		t.Errorf("churn.bin content = %x..., want all %02x", gotChurn[:8], lastByte)
	}
}

// doubleIndirectBlockIndex is the first file block index resolved through an
// inode's double-indirect pointer at the geometry these tests format with
// (DirectPointers=12, pointersPerBlock=blockSize/8=512): indices 0-11 are
// direct, 12-523 fall under the single indirect block, so 524 is the first
// one that forces a double-indirect outer block into existence.
const doubleIndirectBlockIndex = 524

// TestCleanerRelocatesDoubleIndirectBlocks churns a block reached only
// through an inode's double-indirect pointer, so that cleaning a segment
// holding a stale outer/inner indirect block or stale data block exercises
// the full liveness walk (fileindex.go's IsLive/resolve), not just direct
// pointers.
func TestCleanerRelocatesDoubleIndirectBlocks(t *testing.T) {
	path := formatTemp(t, 4<<20, lfs.WithBlockSize(4096), lfs.WithSegmentBlocks(16))
	fsys := mustMount(t, path, lfs.WithCleanerWatermarks(0.5, 0.9, 1.0), lfs.WithCleanerBudget(8))
	defer fsys.Unmount()

	ino, err := fsys.Create(lfs.RootIno, "double.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create(double.bin) failed: %s", err)
	}

	const off = int64(doubleIndirectBlockIndex) * 4096
	const iterations = 120 // enough overwrites to churn through several segments
	var lastByte byte
	for i := 0; i < iterations; i++ {
		lastByte = byte(i)
		block := bytes.Repeat([]byte{lastByte}, 4096)
		retryOnNoSpace(t, func() error {
			_, err := fsys.Write(ino, off, block)
			return err
		})
	}

	got, err := fsys.Read(ino, off, 4096)
	if err != nil {
		t.Fatalf("Read(double.bin) at double-indirect offset failed: %s", err)
	}
	want := bytes.Repeat([]byte{lastByte}, 4096)
	if !bytes.Equal(got, want) {
		t.Errorf("double.bin content at double-indirect offset = %x..., want all %02x", got[:8], lastByte)
	}
}

// TestOutOfSpaceRecoversAfterUnlinkAndFsync exercises the spec's
// out-of-space -> unlink -> fsync -> write-succeeds property: once a write
// exhausts the image, removing a file and letting its now-unreferenced
// blocks be discovered dead by the cleaner frees enough segments for new
// work to proceed.
func TestOutOfSpaceRecoversAfterUnlinkAndFsync(t *testing.T) {
	path := formatTemp(t, 4<<20, lfs.WithBlockSize(4096), lfs.WithSegmentBlocks(16))
	fsys := mustMount(t, path, lfs.WithCleanerWatermarks(0.5, 0.9, 1.0), lfs.WithCleanerBudget(8))
	defer fsys.Unmount()

	bigIno, err := fsys.Create(lfs.RootIno, "big.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create(big.bin) failed: %s", err)
	}

	block := bytes.Repeat([]byte{0x11}, 4096)
	var off int64
	var writeErr error
	for i := 0; i < 100000; i++ {
		if _, writeErr = fsys.Write(bigIno, off, block); writeErr != nil {
			break
		}
		off += int64(len(block))
	}
	if writeErr == nil || lfs.KindOf(writeErr) != lfs.KindOutOfSpace {
		t.Fatalf("expected writes to exhaust the image with ErrNoSpace, got %v", writeErr)
	}

	retryOnNoSpace(t, func() error { return fsys.Unlink(lfs.RootIno, "big.bin") })
	retryOnNoSpace(t, func() error { return fsys.Fsync(lfs.RootIno) })

	var smallIno uint32
	retryOnNoSpace(t, func() error {
		var err error
		smallIno, err = fsys.Create(lfs.RootIno, "small.bin", 0644, 0, 0)
		return err
	})
	payload := []byte("fits now")
	retryOnNoSpace(t, func() error {
		_, err := fsys.Write(smallIno, 0, payload)
		return err
	})

	got, err := fsys.Read(smallIno, 0, len(payload))
	if err != nil {
		t.Fatalf("Read(small.bin) failed: %s", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read(small.bin) = %q, want %q", got, payload)
	}
}
