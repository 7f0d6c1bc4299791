//go:build !fuse

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mountCmd = &cobra.Command{
	Use:   "mount <path> <mountpoint>",
	Short: "Mount a backing image at mountpoint via FUSE (requires the fuse build tag)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("lfsctl was built without FUSE support; rebuild with -tags fuse")
	},
}
