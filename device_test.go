package lfs_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/go-lfs/lfs"
)

func TestBlockDeviceReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := lfs.CreateBlockDevice(path, 1<<20, 4096)
	if err != nil {
		t.Fatalf("CreateBlockDevice failed: %s", err)
	}
	defer dev.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	if err := dev.Write(3, payload); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	got, err := dev.Read(3)
	if err != nil {
		t.Fatalf("Read failed: %s", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read returned different bytes than Write wrote")
	}
	if dev.BlockSize() != 4096 {
		t.Errorf("BlockSize() = %d, want 4096", dev.BlockSize())
	}
}

func TestBlockDeviceReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := lfs.CreateBlockDevice(path, 1<<20, 4096)
	if err != nil {
		t.Fatalf("CreateBlockDevice failed: %s", err)
	}
	dev.Close()

	ro, err := lfs.OpenBlockDevice(path, 4096, true)
	if err != nil {
		t.Fatalf("OpenBlockDevice failed: %s", err)
	}
	defer ro.Close()

	if !ro.ReadOnly() {
		t.Fatalf("ReadOnly() = false, want true")
	}
	if err := ro.Write(0, make([]byte, 4096)); err == nil {
		t.Errorf("Write on read-only device succeeded, want error")
	}
}

func TestBlockDeviceRejectsOutOfRangeAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	dev, err := lfs.CreateBlockDevice(path, 4096*4, 4096)
	if err != nil {
		t.Fatalf("CreateBlockDevice failed: %s", err)
	}
	defer dev.Close()

	if err := dev.ReadRange(3, make([]byte, 4096*2)); err == nil {
		t.Errorf("ReadRange past end of device succeeded, want error")
	}
}
