package lfs_test

import (
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/go-lfs/lfs"
)

func formatTemp(t *testing.T, sizeBytes uint64, opts ...lfs.FormatOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.lfs")
	if err := lfs.Format(path, sizeBytes, opts...); err != nil {
		t.Fatalf("Format failed: %s", err)
	}
	return path
}

func mustMount(t *testing.T, path string, opts ...lfs.MountOption) *lfs.FileSystem {
	t.Helper()
	fsys, err := lfs.Mount(path, opts...)
	if err != nil {
		t.Fatalf("Mount failed: %s", err)
	}
	return fsys
}

func TestFormatAndMountEmpty(t *testing.T) {
	path := formatTemp(t, 64<<20)

	fsys := mustMount(t, path)
	defer fsys.Unmount()

	rec, err := fsys.GetAttr(lfs.RootIno)
	if err != nil {
		t.Fatalf("GetAttr(root) failed: %s", err)
	}
	if !lfs.UnixToMode(rec.Mode).IsDir() {
		t.Errorf("root inode is not a directory: mode %o", rec.Mode)
	}
	if rec.Nlink != 2 {
		t.Errorf("root Nlink = %d, want 2", rec.Nlink)
	}

	entries, err := fsys.ReadDir(lfs.RootIno)
	if err != nil {
		t.Fatalf("ReadDir(root) failed: %s", err)
	}
	if len(entries) != 2 {
		t.Errorf("fresh root has %d entries, want 2 (. and ..)", len(entries))
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	ino, err := fsys.Create(lfs.RootIno, "hello.txt", 0644, 1000, 1000)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	payload := []byte("hello, log-structured world")
	n, err := fsys.Write(ino, 0, payload)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	if n != len(payload) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}

	got, err := fsys.Read(ino, 0, len(payload))
	if err != nil {
		t.Fatalf("Read failed: %s", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Read = %q, want %q", got, payload)
	}

	rec, err := fsys.GetAttr(ino)
	if err != nil {
		t.Fatalf("GetAttr failed: %s", err)
	}
	if rec.Size != uint64(len(payload)) {
		t.Errorf("Size = %d, want %d", rec.Size, len(payload))
	}
}

func TestLargeFileSpansMultipleBlocks(t *testing.T) {
	path := formatTemp(t, 64<<20, lfs.WithBlockSize(4096))
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	ino, err := fsys.Create(lfs.RootIno, "big.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	payload := make([]byte, 4096*20+13)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := fsys.Write(ino, 0, payload); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	got, err := fsys.Read(ino, 0, len(payload))
	if err != nil {
		t.Fatalf("Read failed: %s", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("Read returned %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("mismatch at byte %d: got %x want %x", i, got[i], payload[i])
		}
	}
}

func TestMkdirLookupAndRmdir(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	dirIno, err := fsys.Mkdir(lfs.RootIno, "sub", fs.ModeDir|0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir failed: %s", err)
	}

	gotIno, typ, err := fsys.Lookup(lfs.RootIno, "sub")
	if err != nil {
		t.Fatalf("Lookup failed: %s", err)
	}
	if gotIno != dirIno || !typ.IsDir() {
		t.Errorf("Lookup returned (%d, %v), want (%d, dir)", gotIno, typ, dirIno)
	}

	if _, err := fsys.Create(dirIno, "leaf.txt", 0644, 0, 0); err != nil {
		t.Fatalf("Create in subdir failed: %s", err)
	}
	if err := fsys.Rmdir(lfs.RootIno, "sub"); err == nil {
		t.Errorf("Rmdir of non-empty directory succeeded, want error")
	}
	if err := fsys.Unlink(dirIno, "leaf.txt"); err != nil {
		t.Fatalf("Unlink failed: %s", err)
	}
	if err := fsys.Rmdir(lfs.RootIno, "sub"); err != nil {
		t.Fatalf("Rmdir of empty directory failed: %s", err)
	}
	if _, _, err := fsys.Lookup(lfs.RootIno, "sub"); err == nil {
		t.Errorf("Lookup found removed directory")
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	srcDir, err := fsys.Mkdir(lfs.RootIno, "src", fs.ModeDir|0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir src failed: %s", err)
	}
	dstDir, err := fsys.Mkdir(lfs.RootIno, "dst", fs.ModeDir|0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir dst failed: %s", err)
	}
	fileIno, err := fsys.Create(srcDir, "file.txt", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	if err := fsys.Rename(srcDir, "file.txt", dstDir, "file.txt"); err != nil {
		t.Fatalf("Rename failed: %s", err)
	}
	if _, _, err := fsys.Lookup(srcDir, "file.txt"); err == nil {
		t.Errorf("old name still resolves after rename")
	}
	gotIno, _, err := fsys.Lookup(dstDir, "file.txt")
	if err != nil || gotIno != fileIno {
		t.Errorf("Lookup(dst, file.txt) = (%d, %v), want (%d, nil)", gotIno, err, fileIno)
	}
}

func TestPersistsAcrossRemount(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)

	ino, err := fsys.Create(lfs.RootIno, "persist.txt", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if _, err := fsys.Write(ino, 0, []byte("durable")); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	if err := fsys.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %s", err)
	}
	if err := fsys.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %s", err)
	}

	fsys2 := mustMount(t, path)
	defer fsys2.Unmount()

	gotIno, _, err := fsys2.Lookup(lfs.RootIno, "persist.txt")
	if err != nil {
		t.Fatalf("Lookup after remount failed: %s", err)
	}
	if gotIno != ino {
		t.Errorf("ino after remount = %d, want %d", gotIno, ino)
	}
	data, err := fsys2.Read(gotIno, 0, 7)
	if err != nil || string(data) != "durable" {
		t.Errorf("Read after remount = (%q, %v), want (%q, nil)", data, err, "durable")
	}
}

func TestReadOnlyMountRejectsWrites(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)
	if _, err := fsys.Create(lfs.RootIno, "f", 0644, 0, 0); err != nil {
		t.Fatalf("Create failed: %s", err)
	}
	if err := fsys.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %s", err)
	}

	ro := mustMount(t, path, lfs.WithReadOnly())
	defer ro.Unmount()

	ino, _, err := ro.Lookup(lfs.RootIno, "f")
	if err != nil {
		t.Fatalf("Lookup failed: %s", err)
	}
	if _, err := ro.Write(ino, 0, []byte("x")); err == nil {
		t.Errorf("Write on read-only mount succeeded, want error")
	}
}

func TestOutOfSpaceReturnsErrNoSpace(t *testing.T) {
	path := formatTemp(t, 4<<20, lfs.WithBlockSize(4096), lfs.WithSegmentBlocks(16))
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	ino, err := fsys.Create(lfs.RootIno, "fill.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create failed: %s", err)
	}

	block := make([]byte, 4096)
	var writeErr error
	for i := 0; i < 100000; i++ {
		if _, writeErr = fsys.Write(ino, int64(i)*int64(len(block)), block); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		t.Fatalf("expected writes to eventually exhaust the image")
	}
	if lfs.KindOf(writeErr) != lfs.KindOutOfSpace {
		t.Errorf("KindOf(err) = %v, want out-of-space", lfs.KindOf(writeErr))
	}
}

func TestStatfs(t *testing.T) {
	path := formatTemp(t, 64<<20)
	fsys := mustMount(t, path)
	defer fsys.Unmount()

	st := fsys.Statfs()
	if st.BlockSize != lfs.DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", st.BlockSize, lfs.DefaultBlockSize)
	}
	if st.InodesInUse != 1 {
		t.Errorf("InodesInUse = %d, want 1 (root only)", st.InodesInUse)
	}
	if st.FreeSegments == 0 {
		t.Errorf("FreeSegments = 0 on a fresh image")
	}
}
