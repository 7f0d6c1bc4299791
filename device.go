package lfs

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// BlockDevice offers fixed-size block access to the backing image file
// (spec §4.1). Reads and writes are positional (pread/pwrite via
// golang.org/x/sys/unix, the way jacobsa-fuse and hanwen-go-fuse talk to
// the kernel directly rather than through buffered os.File I/O) so
// concurrent callers never need to serialize on a shared file offset.
type BlockDevice struct {
	f         *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
	locked    bool

	writes atomic.Int64 // total successful Write/WriteRange calls, for diagnostics
}

// OpenBlockDevice opens path as a backing image of the given block size.
// It takes a non-blocking advisory flock (unix.Flock): exclusive, or shared
// when readOnly. If the lock cannot be taken it logs that and opens the
// image anyway, so a second open of the same image is not refused.
func OpenBlockDevice(path string, blockSize uint32, readOnly bool) (*BlockDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("lfs: open backing image: %w", err)
	}

	lockType := unix.LOCK_EX
	if readOnly {
		lockType = unix.LOCK_SH
	}
	locked := false
	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		log.Printf("lfs: advisory lock on %s unavailable (%s), continuing without it", path, err)
	} else {
		locked = true
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BlockDevice{
		f:         f,
		blockSize: blockSize,
		blocks:    uint64(fi.Size()) / uint64(blockSize),
		readOnly:  readOnly,
		locked:    locked,
	}, nil
}

// CreateBlockDevice creates (or truncates) path to sizeBytes and opens it
// read-write. Used by the formatter.
func CreateBlockDevice(path string, sizeBytes uint64, blockSize uint32) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("lfs: create backing image: %w", err)
	}
	if err := preallocate(f, int64(sizeBytes)); err != nil {
		f.Close()
		return nil, fmt.Errorf("lfs: preallocate backing image: %w", err)
	}
	locked := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil
	return &BlockDevice{f: f, blockSize: blockSize, blocks: sizeBytes / uint64(blockSize), locked: locked}, nil
}

func (d *BlockDevice) BlockSize() uint32  { return d.blockSize }
func (d *BlockDevice) TotalBlocks() uint64 { return d.blocks }
func (d *BlockDevice) ReadOnly() bool      { return d.readOnly }

// Read reads a single block.
func (d *BlockDevice) Read(block uint64) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	if err := d.ReadRange(block, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes a single block.
func (d *BlockDevice) Write(block uint64, data []byte) error {
	return d.WriteRange(block, data)
}

// ReadRange reads len(buf) bytes starting at the given absolute block number.
// buf need not be a whole number of blocks (the superblock and checkpoint
// header reads are not).
func (d *BlockDevice) ReadRange(startBlock uint64, buf []byte) error {
	if startBlock+byteLenBlocks(len(buf), d.blockSize) > d.blocks {
		return fmt.Errorf("%w: read past end of backing image", ErrInvalidArgument)
	}
	off := int64(startBlock) * int64(d.blockSize)
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return fmt.Errorf("lfs: pread: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at block %d", ErrCorrupt, startBlock)
	}
	return nil
}

// WriteRange writes len(buf) bytes starting at the given absolute block number.
func (d *BlockDevice) WriteRange(startBlock uint64, buf []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if startBlock+byteLenBlocks(len(buf), d.blockSize) > d.blocks {
		return fmt.Errorf("%w: write past end of backing image", ErrInvalidArgument)
	}
	off := int64(startBlock) * int64(d.blockSize)
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return fmt.Errorf("lfs: pwrite: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write at block %d", ErrCorrupt, startBlock)
	}
	d.writes.Add(1)
	return nil
}

// Sync forces the host kernel to durably persist all preceding writes.
func (d *BlockDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("lfs: fdatasync: %w", err)
	}
	return nil
}

// Close releases the advisory lock and closes the backing file.
func (d *BlockDevice) Close() error {
	if d.locked {
		unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	}
	return d.f.Close()
}

func byteLenBlocks(n int, blockSize uint32) uint64 {
	return (uint64(n) + uint64(blockSize) - 1) / uint64(blockSize)
}
