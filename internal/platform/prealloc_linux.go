//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves disk space for the first size bytes of fd without
// changing its apparent length. Unsupported filesystems are not an error.
//
//nolint:gosec // G115: fd values are small non-negative integers
func Preallocate(fd *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(fd.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err != nil && isFallbackErr(err) {
		return nil
	}
	return err
}
