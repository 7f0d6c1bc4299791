package lfs_test

import (
	"testing"

	"github.com/go-lfs/lfs"
)

func TestSegmentTableAllocSealClean(t *testing.T) {
	st := lfs.NewSegmentTable(4)
	if st.FreeCount() != 4 {
		t.Fatalf("FreeCount = %d, want 4", st.FreeCount())
	}

	seg, err := st.AllocFree()
	if err != nil {
		t.Fatalf("AllocFree failed: %s", err)
	}
	if st.State(seg) != lfs.SegmentActive {
		t.Errorf("State(%d) = %v, want active", seg, st.State(seg))
	}
	if st.FreeCount() != 3 {
		t.Errorf("FreeCount after alloc = %d, want 3", st.FreeCount())
	}

	st.Seal(seg, 10, 1000)
	if st.State(seg) != lfs.SegmentFull {
		t.Errorf("State after Seal = %v, want full", st.State(seg))
	}
	if st.LiveBlocks(seg) != 10 {
		t.Errorf("LiveBlocks = %d, want 10", st.LiveBlocks(seg))
	}

	st.MarkCleaning(seg)
	if st.State(seg) != lfs.SegmentCleaning {
		t.Errorf("State after MarkCleaning = %v, want cleaning", st.State(seg))
	}

	st.MarkFree(seg)
	if st.State(seg) != lfs.SegmentFree {
		t.Errorf("State after MarkFree = %v, want free", st.State(seg))
	}
	if st.FreeCount() != 4 {
		t.Errorf("FreeCount after MarkFree = %d, want 4", st.FreeCount())
	}
}

func TestSegmentTableCleaningCandidatesOrdering(t *testing.T) {
	st := lfs.NewSegmentTable(3)
	for i := 0; i < 3; i++ {
		if _, err := st.AllocFree(); err != nil {
			t.Fatalf("AllocFree %d failed: %s", i, err)
		}
	}
	// segment 0: old and mostly empty -> best candidate.
	st.Seal(0, 1, 0)
	// segment 1: young and mostly empty.
	st.Seal(1, 1, 900)
	// segment 2: old but full -> excluded by cleanCap.
	st.Seal(2, 100, 0)

	cands := st.CleaningCandidates(100, 0.5, 1000)
	if len(cands) != 2 {
		t.Fatalf("CleaningCandidates returned %d entries, want 2", len(cands))
	}
	if cands[0] != 0 {
		t.Errorf("best candidate = %d, want 0 (oldest, emptiest)", cands[0])
	}
}

func TestSegmentTableDecrementLiveFloorsAtZero(t *testing.T) {
	st := lfs.NewSegmentTable(1)
	seg, _ := st.AllocFree()
	st.Seal(seg, 2, 0)
	st.DecrementLive(seg, 5)
	if st.LiveBlocks(seg) != 0 {
		t.Errorf("LiveBlocks = %d, want 0 (floored)", st.LiveBlocks(seg))
	}
}
