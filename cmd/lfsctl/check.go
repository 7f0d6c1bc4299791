package main

import (
	"fmt"

	"github.com/go-lfs/lfs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var checkCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Validate an image's on-disk structures without mounting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, result, err := openForInspect(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		var eg errgroup.Group
		eg.Go(func() error { return checkCheckpoints(dev, result) })
		eg.Go(func() error { return checkSegmentAccounting(result) })
		eg.Go(func() error { return checkIMapBounds(result) })
		eg.Go(func() error { return checkRootReachable(result) })
		if err := eg.Wait(); err != nil {
			return fmt.Errorf("check failed: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

// checkCheckpoints verifies at least one checkpoint region carries a valid,
// complete header (spec §4.9 step 1 / §8 property 3).
func checkCheckpoints(dev *lfs.BlockDevice, result *lfs.RecoveryResult) error {
	statuses, err := lfs.InspectCheckpoints(dev, result.Superblock.Geometry())
	if err != nil {
		return fmt.Errorf("checkpoint regions: %w", err)
	}
	if !statuses[0].Valid && !statuses[1].Valid {
		return fmt.Errorf("checkpoint regions: neither region carries a complete header")
	}
	return nil
}

// checkSegmentAccounting verifies every segment index in [0, total) carries
// a live-block count that does not exceed the segment's own capacity, and
// that the aggregate free count is internally consistent (spec §4.4).
func checkSegmentAccounting(result *lfs.RecoveryResult) error {
	total := result.Superblock.TotalSegments
	segmentBlocks := uint64(result.Superblock.SegmentBlocks)
	free := result.SegmentTable.FreeCount()
	if free > total {
		return fmt.Errorf("segment accounting: free count %d exceeds total segments %d", free, total)
	}
	counted := uint64(0)
	for seg := uint64(0); seg < total; seg++ {
		if result.SegmentTable.State(seg) == lfs.SegmentFree {
			counted++
		}
		if live := uint64(result.SegmentTable.LiveBlocks(seg)); live > segmentBlocks {
			return fmt.Errorf("segment accounting: segment %d has %d live blocks, more than its %d block capacity", seg, live, segmentBlocks)
		}
	}
	if counted != free {
		return fmt.Errorf("segment accounting: %d segments observed free but FreeCount reports %d", counted, free)
	}
	return nil
}

// checkIMapBounds verifies every live inode maps to a location inside the
// log region and within ino capacity (spec §4.3).
func checkIMapBounds(result *lfs.RecoveryResult) error {
	geom := result.Superblock.Geometry()
	var bad error
	result.IMap.Each(func(ino uint32, location uint64) {
		if bad != nil {
			return
		}
		if uint64(ino) >= result.Superblock.InodeCapacity {
			bad = fmt.Errorf("imap: ino %d exceeds inode capacity %d", ino, result.Superblock.InodeCapacity)
			return
		}
		if location < geom.LogStart || location >= geom.LogStart+geom.TotalSegments*uint64(geom.SegmentBlocks) {
			bad = fmt.Errorf("imap: ino %d points outside the log region (location %d)", ino, location)
		}
	})
	return bad
}

// checkRootReachable verifies the root directory inode is present in the
// recovered inode map (spec §4.2, §8 property 7).
func checkRootReachable(result *lfs.RecoveryResult) error {
	if _, _, err := result.IMap.Lookup(lfs.RootIno); err != nil {
		return fmt.Errorf("root inode %d not reachable: %w", lfs.RootIno, err)
	}
	return nil
}
