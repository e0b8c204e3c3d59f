//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// CopyRange copies params.Length bytes between two files, using
// copy_file_range when the kernel and filesystem allow it and falling back to
// positional read/write otherwise.
func CopyRange(params CopyRangeParams) (CopyResult, error) {
	result, err := copyFileRange(params)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	// Resume the fallback where copy_file_range stopped.
	rest := params
	rest.SrcOffset += result.BytesWritten
	rest.DstOffset += result.BytesWritten
	rest.Length -= result.BytesWritten
	fallback, err := copyReadWrite(rest)
	fallback.BytesWritten += result.BytesWritten
	return fallback, err
}

//nolint:gosec // G115: fd values are small non-negative integers
func copyFileRange(params CopyRangeParams) (CopyResult, error) {
	remaining := params.Length
	roff := params.SrcOffset
	woff := params.DstOffset

	var totalWritten int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(params.Src.Fd()), &roff, int(params.Dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			return CopyResult{BytesWritten: totalWritten, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		totalWritten += int64(n)
	}

	return CopyResult{BytesWritten: totalWritten, Method: CopyFileRange}, nil
}

// isFallbackErr returns true if err should trigger a fallback to the next copy strategy.
func isFallbackErr(err error) bool {
	switch {
	case errors.Is(err, unix.ENOSYS),
		errors.Is(err, unix.EXDEV),
		errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.ENOTSUP),
		errors.Is(err, unix.EOPNOTSUPP):
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return isFallbackErr(pathErr.Err)
	}
	return false
}
