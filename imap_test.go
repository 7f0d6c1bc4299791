package lfs_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-lfs/lfs"
)

type imapEntry struct {
	Ino uint32
	Loc uint64
	Ver uint32
}

func dumpIMap(m *lfs.IMap) []imapEntry {
	var out []imapEntry
	m.Each(func(ino uint32, loc uint64) {
		_, ver, err := m.Lookup(ino)
		if err != nil {
			continue
		}
		out = append(out, imapEntry{Ino: ino, Loc: loc, Ver: ver})
	})
	return out
}

func TestIMapAllocUpdateLookupFree(t *testing.T) {
	m := lfs.NewIMap(1)

	ino, err := m.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}
	if ino != 1 {
		t.Errorf("first Alloc = %d, want 1", ino)
	}

	version := m.Update(ino, 42)
	if version != 1 {
		t.Errorf("first Update version = %d, want 1", version)
	}
	version = m.Update(ino, 43)
	if version != 2 {
		t.Errorf("second Update version = %d, want 2", version)
	}

	loc, v, err := m.Lookup(ino)
	if err != nil {
		t.Fatalf("Lookup failed: %s", err)
	}
	if loc != 43 || v != 2 {
		t.Errorf("Lookup = (%d, %d), want (43, 2)", loc, v)
	}

	m.Free(ino)
	if _, _, err := m.Lookup(ino); err == nil {
		t.Errorf("Lookup succeeded after Free, want error")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Free, want 0", m.Len())
	}
}

func TestIMapAllocFallsBackToLinearScan(t *testing.T) {
	m := lfs.NewIMap(1)
	const capacity = 4

	var inos []uint32
	for i := 0; i < capacity-1; i++ {
		ino, err := m.Alloc(capacity)
		if err != nil {
			t.Fatalf("Alloc %d failed: %s", i, err)
		}
		m.Update(ino, uint64(i))
		inos = append(inos, ino)
	}

	m.Free(inos[0])

	ino, err := m.Alloc(capacity)
	if err != nil {
		t.Fatalf("Alloc after free failed: %s", err)
	}
	if ino != inos[0] {
		t.Errorf("Alloc reused %d, want the freed slot %d", ino, inos[0])
	}
}

func TestIMapPackAndLoadRoundTrip(t *testing.T) {
	m := lfs.NewIMap(1)
	const capacity = 16

	for i := uint32(1); i <= 5; i++ {
		m.Update(i, uint64(i)*100)
	}

	packed := m.Pack(capacity)
	loaded, err := lfs.LoadIMap(packed, capacity, 1)
	if err != nil {
		t.Fatalf("LoadIMap failed: %s", err)
	}
	if loaded.Len() != m.Len() {
		t.Fatalf("loaded Len() = %d, want %d", loaded.Len(), m.Len())
	}

	want := dumpIMap(m)
	got := dumpIMap(loaded)
	sort.Slice(want, func(i, j int) bool { return want[i].Ino < want[j].Ino })
	sort.Slice(got, func(i, j int) bool { return got[i].Ino < got[j].Ino })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("imap entries differ after Pack/LoadIMap round trip (-want +got):\n%s", diff)
	}
}
