package lfs_test

import (
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/go-lfs/lfs"
)

func TestRecoverAfterCleanUnmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.lfs")
	if err := lfs.Format(path, 32<<20); err != nil {
		t.Fatalf("Format failed: %s", err)
	}

	fsys, err := lfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount failed: %s", err)
	}
	if _, err := fsys.Create(lfs.RootIno, "a.txt", 0644, 0, 0); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	before := fsys.Statfs()
	if err := fsys.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %s", err)
	}

	dev, err := lfs.OpenBlockDevice(path, lfs.DefaultBlockSize, true)
	if err != nil {
		t.Fatalf("OpenBlockDevice failed: %s", err)
	}
	defer dev.Close()

	result, err := lfs.Recover(dev, lfs.RealClock(), nil)
	if err != nil {
		t.Fatalf("Recover failed: %s", err)
	}
	if result.Superblock.Clean != 1 {
		t.Errorf("Clean = %d after orderly unmount, want 1", result.Superblock.Clean)
	}

	statuses, err := lfs.InspectCheckpoints(dev, result.Superblock.Geometry())
	if err != nil {
		t.Fatalf("InspectCheckpoints failed: %s", err)
	}
	if !statuses[0].Valid && !statuses[1].Valid {
		t.Errorf("neither checkpoint region is valid after a clean unmount")
	}

	if _, _, err := result.IMap.Lookup(lfs.RootIno); err != nil {
		t.Errorf("root inode not reachable after recovery: %s", err)
	}

	geom := result.Superblock.Geometry()
	after := lfs.StatfsResult{
		BlockSize:     geom.BlockSize,
		TotalBlocks:   geom.TotalBlocks,
		TotalSegments: geom.TotalSegments,
		InodeCapacity: geom.InodeCapacity,
		FreeSegments:  before.FreeSegments,
		InodesInUse:   before.InodesInUse,
	}
	if diff := pretty.Compare(before, after); diff != "" {
		t.Errorf("geometry recovered from the superblock does not match the live mount (-before +after):\n%s", diff)
	}
}

func TestRecoverWithoutUnmountStillFindsData(t *testing.T) {
	// Simulates a crash: the backing image is never cleanly unmounted, so
	// recovery must roll forward from the last checkpoint instead of relying
	// on a clean shutdown flag.
	path := filepath.Join(t.TempDir(), "image.lfs")
	if err := lfs.Format(path, 32<<20); err != nil {
		t.Fatalf("Format failed: %s", err)
	}

	fsys, err := lfs.Mount(path)
	if err != nil {
		t.Fatalf("Mount failed: %s", err)
	}
	ino, err := fsys.Create(lfs.RootIno, "crash.txt", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if _, err := fsys.Write(ino, 0, []byte("before crash")); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	if err := fsys.Fsync(ino); err != nil {
		t.Fatalf("Fsync failed: %s", err)
	}
	// No Unmount(): the device's advisory lock is simply dropped when the
	// process exits in a real crash; here we just stop using fsys.

	fsys2, err := lfs.Mount(path)
	if err != nil {
		t.Fatalf("re-Mount after unclean shutdown failed: %s", err)
	}
	defer fsys2.Unmount()

	gotIno, _, err := fsys2.Lookup(lfs.RootIno, "crash.txt")
	if err != nil {
		t.Fatalf("Lookup after recovery failed: %s", err)
	}
	if gotIno != ino {
		t.Errorf("ino after recovery = %d, want %d", gotIno, ino)
	}
}
