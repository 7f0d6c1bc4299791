package lfs

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jacobsa/syncutil"
)

// imapRecord is one packed (ino, version, location) triple, the on-disk row
// of the inode map held in the checkpoint region (spec §4.3, §6). location
// is the absolute block address of the inode's current on-disk record;
// version increments every time the inode cache writes the inode back,
// and is what the location-type testable property checks against the
// decoded record.
type imapRecord struct {
	Ino      uint32
	Version  uint32
	Location uint64
}

func (r imapRecord) marshal(out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], r.Ino)
	binary.LittleEndian.PutUint32(out[4:8], r.Version)
	binary.LittleEndian.PutUint64(out[8:16], r.Location)
}

func unmarshalImapRecord(b []byte) imapRecord {
	return imapRecord{
		Ino:      binary.LittleEndian.Uint32(b[0:4]),
		Version:  binary.LittleEndian.Uint32(b[4:8]),
		Location: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// IMap is the indirection table mapping stable inode numbers to the current
// absolute block address of their on-disk inode record (spec §4.3). It is
// held entirely in memory as a slice sorted by Ino and located by binary
// search; the checkpoint manager packs it verbatim into the inactive
// checkpoint region, which then becomes the active one.
//
// Mutations must preserve the sorted-by-Ino invariant, so the lock is a
// jacobsa/syncutil.InvariantMutex that re-checks sortedness whenever built
// with race-detector-style invariant checking enabled in tests.
type IMap struct {
	mu      syncutil.InvariantMutex
	records []imapRecord // guarded by mu, sorted by Ino ascending
	nextIno uint32       // guarded by mu, monotonically increasing allocation counter
}

// NewIMap builds an empty map with inode numbers starting at firstIno
// (conventionally 1; inode 0 is reserved as "no inode").
func NewIMap(firstIno uint32) *IMap {
	m := &IMap{nextIno: firstIno}
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

// checkInvariants verifies the sorted-by-Ino invariant. Run by the race
// builder's invariant-checking Unlock wrapper, not in production builds.
func (m *IMap) checkInvariants() {
	for i := 1; i < len(m.records); i++ {
		if m.records[i-1].Ino >= m.records[i].Ino {
			panic(fmt.Sprintf("lfs: imap out of order at %d: %d >= %d", i, m.records[i-1].Ino, m.records[i].Ino))
		}
	}
}

// LoadIMap reconstructs a map from a packed checkpoint-region byte slice
// holding capacity records (spec §6 checkpoint layout), skipping zero-Ino
// padding slots.
func LoadIMap(data []byte, capacity uint64, firstIno uint32) (*IMap, error) {
	m := NewIMap(firstIno)
	m.mu.Lock()
	defer m.mu.Unlock()

	max := firstIno
	for i := uint64(0); i < capacity; i++ {
		off := i * imapEntrySize
		if off+imapEntrySize > uint64(len(data)) {
			break
		}
		rec := unmarshalImapRecord(data[off : off+imapEntrySize])
		if rec.Ino == 0 {
			continue
		}
		m.records = append(m.records, rec)
		if rec.Ino >= max {
			max = rec.Ino + 1
		}
	}
	sort.Slice(m.records, func(i, j int) bool { return m.records[i].Ino < m.records[j].Ino })
	m.nextIno = max
	return m, nil
}

func (m *IMap) search(ino uint32) int {
	return sort.Search(len(m.records), func(i int) bool { return m.records[i].Ino >= ino })
}

// Lookup returns the current on-disk location and version of ino, or
// ErrStaleInode if the inode has been freed.
func (m *IMap) Lookup(ino uint32) (location uint64, version uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.search(ino)
	if i >= len(m.records) || m.records[i].Ino != ino {
		return 0, 0, fmt.Errorf("%w: ino %d", ErrStaleInode, ino)
	}
	return m.records[i].Location, m.records[i].Version, nil
}

// Update repoints ino at a new on-disk location and bumps its version,
// inserting a new record if ino has never been seen. The inode cache calls
// this once per dirty write-back (spec §4.5); the cleaner, recovery and
// Format call it too. Callers need not hold the global write lock.
func (m *IMap) Update(ino uint32, location uint64) (version uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.search(ino)
	if i < len(m.records) && m.records[i].Ino == ino {
		m.records[i].Location = location
		m.records[i].Version++
		return m.records[i].Version
	}
	m.records = append(m.records, imapRecord{})
	copy(m.records[i+1:], m.records[i:])
	m.records[i] = imapRecord{Ino: ino, Location: location, Version: 1}
	return 1
}

// Free removes ino from the map entirely, once its link count has dropped
// to zero (spec §4.6 unlink). Its blocks are not released here; the cleaner
// reclaims them later.
func (m *IMap) Free(ino uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.search(ino)
	if i >= len(m.records) || m.records[i].Ino != ino {
		return
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
}

// Alloc reserves a fresh inode number. It tries the monotonic counter first
// and falls back to a linear scan for a hole below it if the counter has
// reached the configured capacity (spec §4.3: "allocation of a fresh ino
// uses a monotonically increasing counter; when the counter saturates, a
// linear scan finds the lowest unused value below the ceiling").
func (m *IMap) Alloc(capacity uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextIno < capacity {
		ino := m.nextIno
		m.nextIno++
		return ino, nil
	}

	used := make(map[uint32]bool, len(m.records))
	for _, r := range m.records {
		used[r.Ino] = true
	}
	for ino := uint32(1); ino < capacity; ino++ {
		if !used[ino] {
			return ino, nil
		}
	}
	return 0, fmt.Errorf("%w: inode table exhausted at capacity %d", ErrNoSpace, capacity)
}

// Len returns the number of live inodes tracked.
func (m *IMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Each calls fn for every live (ino, location) pair, in ino order. Used by
// the checker utility and by tests.
func (m *IMap) Each(fn func(ino uint32, location uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		fn(r.Ino, r.Location)
	}
}

// Pack serializes the map into a capacity*imapEntrySize byte buffer
// suitable for writing into a checkpoint region (spec §4.8).
func (m *IMap) Pack(capacity uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, capacity*imapEntrySize)
	for i, rec := range m.records {
		if uint64(i) >= capacity {
			break
		}
		rec.marshal(out[uint64(i)*imapEntrySize : uint64(i+1)*imapEntrySize])
	}
	return out
}
