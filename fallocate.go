package lfs

import (
	"os"

	"github.com/detailyang/go-fallocate"
)

// preallocate reserves sizeBytes for f without writing zero pages, falling
// back to Truncate (sparse file) if the platform fallocate call is refused
// (e.g. some container filesystems). Used by the formatter to stand up a
// fixed-size backing image quickly (spec §6 formatter).
func preallocate(f *os.File, sizeBytes int64) error {
	if err := fallocate.Fallocate(f, 0, sizeBytes); err != nil {
		return f.Truncate(sizeBytes)
	}
	return nil
}
