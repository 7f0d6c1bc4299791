package main

import (
	"fmt"

	"github.com/go-lfs/lfs"
	"github.com/spf13/cobra"
)

var (
	formatBlockSize     uint32
	formatSegmentBlocks uint32
	formatInodeCapacity uint64
)

var formatCmd = &cobra.Command{
	Use:   "format <path> <size>",
	Short: "Lay out a fresh lfs backing image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(args[1])
		if err != nil {
			return err
		}
		var opts []lfs.FormatOption
		if formatBlockSize != 0 {
			opts = append(opts, lfs.WithBlockSize(formatBlockSize))
		}
		if formatSegmentBlocks != 0 {
			opts = append(opts, lfs.WithSegmentBlocks(formatSegmentBlocks))
		}
		if formatInodeCapacity != 0 {
			opts = append(opts, lfs.WithInodeCapacity(formatInodeCapacity))
		}
		if err := lfs.Format(args[0], size, opts...); err != nil {
			return fmt.Errorf("format: %w", err)
		}
		fmt.Printf("formatted %s (%d bytes)\n", args[0], size)
		return nil
	},
}

func init() {
	formatCmd.Flags().Uint32Var(&formatBlockSize, "block-size", 0, "block size in bytes (default 4096)")
	formatCmd.Flags().Uint32Var(&formatSegmentBlocks, "segment-blocks", 0, "blocks per segment (default 1024)")
	formatCmd.Flags().Uint64Var(&formatInodeCapacity, "inode-capacity", 0, "reserved inode slots (default scales with image size)")
}
