package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print superblock, geometry and segment accounting for a backing image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, result, err := openForInspect(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		sb := result.Superblock
		fmt.Printf("uuid:              %s\n", uuid.UUID(sb.UUID).String())
		fmt.Printf("block size:        %d\n", sb.BlockSize)
		fmt.Printf("segment blocks:    %d\n", sb.SegmentBlocks)
		fmt.Printf("total blocks:      %d\n", sb.TotalBlocks)
		fmt.Printf("total segments:    %d\n", sb.TotalSegments)
		fmt.Printf("inode capacity:    %d\n", sb.InodeCapacity)
		fmt.Printf("active checkpoint: %d\n", sb.ActiveCheckpoint)
		fmt.Printf("log head:          %d\n", sb.LogHead)
		fmt.Printf("clean shutdown:    %v\n", sb.Clean == 1)
		fmt.Printf("mount count:       %d\n", sb.MountCount)
		fmt.Println()
		fmt.Printf("live inodes:       %d\n", result.IMap.Len())
		fmt.Printf("free segments:     %d / %d (%.1f%%)\n",
			result.SegmentTable.FreeCount(), sb.TotalSegments, result.SegmentTable.FreeRatio()*100)
		return nil
	},
}
