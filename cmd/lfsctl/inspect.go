package main

import (
	"fmt"

	"github.com/go-lfs/lfs"
)

// openForInspect opens path read-only and recovers its logical state,
// without requiring the caller to already know the image's block size: it
// peeks the superblock with the default block size first (absolute byte
// offset 0 is correct regardless of the size guess), then reopens with the
// block size the image actually declares and recovers for real.
func openForInspect(path string) (*lfs.BlockDevice, *lfs.RecoveryResult, error) {
	peek, err := lfs.OpenBlockDevice(path, lfs.DefaultBlockSize, true)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	probe, err := lfs.Recover(peek, lfs.RealClock(), nil)
	peek.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("recover %s: %w", path, err)
	}

	dev, err := lfs.OpenBlockDevice(path, probe.Superblock.BlockSize, true)
	if err != nil {
		return nil, nil, fmt.Errorf("reopen %s at block size %d: %w", path, probe.Superblock.BlockSize, err)
	}
	result, err := lfs.Recover(dev, lfs.RealClock(), nil)
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("recover %s: %w", path, err)
	}
	return dev, result, nil
}
