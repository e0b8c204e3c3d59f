package platform

import "os"

// CopyMethod identifies which syscall/strategy was used for a copy.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota
	CopyFileRange            // Linux copy_file_range(2)
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case CopyFileRange:
		return "copy_file_range"
	default:
		return "unknown"
	}
}

// CopyResult reports the outcome of a copy operation.
type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// CopyRangeParams describes a byte range copy between two open files.
// Src and Dst may be the same file as long as the ranges do not overlap.
type CopyRangeParams struct {
	Src       *os.File
	Dst       *os.File
	SrcOffset int64
	DstOffset int64
	Length    int64
}
