//go:build !linux

package platform

// CopyRange falls back to read/write on platforms without copy_file_range.
func CopyRange(params CopyRangeParams) (CopyResult, error) {
	return copyReadWrite(params)
}

func isFallbackErr(error) bool { return false }
