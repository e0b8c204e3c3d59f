package platform

import (
	"io"
	"sync"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite copies data with positional reads and writes through a pooled buffer.
func copyReadWrite(params CopyRangeParams) (CopyResult, error) {
	bufp := bufPool.Get().(*[]byte) //nolint:forcetypeassert // pool only holds *[]byte
	defer bufPool.Put(bufp)
	buf := *bufp

	roff := params.SrcOffset
	woff := params.DstOffset
	remaining := params.Length

	var totalWritten int64
	for remaining > 0 {
		toRead := min(remaining, int64(len(buf)))

		n, err := params.Src.ReadAt(buf[:toRead], roff)
		if n > 0 {
			w, werr := params.Dst.WriteAt(buf[:n], woff)
			totalWritten += int64(w)
			if werr != nil {
				return CopyResult{BytesWritten: totalWritten, Method: ReadWrite}, werr
			}
		}
		roff += int64(n)
		woff += int64(n)
		remaining -= int64(n)

		if err == io.EOF {
			break
		}
		if err != nil {
			return CopyResult{BytesWritten: totalWritten, Method: ReadWrite}, err
		}
	}

	return CopyResult{BytesWritten: totalWritten, Method: ReadWrite}, nil
}

// CopyReadWrite is the exported version for use by other packages during testing.
func CopyReadWrite(params CopyRangeParams) (CopyResult, error) {
	return copyReadWrite(params)
}
