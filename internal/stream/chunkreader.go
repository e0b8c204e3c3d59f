package stream

import (
	"errors"
	"fmt"
	"io"
)

const readProgressInterval = 256 * 1024

// ChunkReader is a read-only window [offset, end) over a Stream. Reads go
// through ReadAt, so several readers can share one stream without
// disturbing each other's position.
type ChunkReader struct {
	s        Stream
	offset   int64
	end      int64
	pos      int64
	reportAt int64

	// OnProgress, when set, receives the position inside the window roughly
	// every 256 KiB read.
	OnProgress ProgressFunc
}

var _ io.ReadSeekCloser = (*ChunkReader)(nil)

// NewChunkReader opens the window [offset, end) of s. The window must be
// non-empty and already fully written; otherwise s is closed and an error
// returned.
func NewChunkReader(s Stream, offset, end int64) (*ChunkReader, error) {
	if offset < 0 || end-offset < 1 {
		_ = s.Close()
		return nil, fmt.Errorf("%w: empty window [%d, %d)", ErrOutOfRange, offset, end)
	}
	length, err := s.Length()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("chunk reader: %w", err)
	}
	if length < end {
		_ = s.Close()
		return nil, fmt.Errorf("%w: window end %d past stream length %d", ErrOutOfRange, end, length)
	}
	return &ChunkReader{
		s:        s,
		offset:   offset,
		end:      end,
		reportAt: readProgressInterval,
	}, nil
}

// Size returns the window length.
func (r *ChunkReader) Size() int64 { return r.end - r.offset }

// Available returns how many bytes remain before the window end.
func (r *ChunkReader) Available() int64 { return r.end - r.offset - r.pos }

// FilePointer returns the absolute position in the underlying stream.
func (r *ChunkReader) FilePointer() int64 { return r.offset + r.pos }

func (r *ChunkReader) Read(p []byte) (int, error) {
	if r.s == nil {
		return 0, ErrClosed
	}
	avail := r.Available()
	if avail <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > avail {
		p = p[:avail]
	}

	n, err := r.s.ReadAt(p, r.offset+r.pos)
	r.advance(int64(n))
	if errors.Is(err, io.EOF) {
		// The window was validated on open, so a short read means the
		// stream shrank underneath us.
		if n > 0 {
			return n, nil
		}
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

// Skip moves forward by up to n bytes and returns how many were skipped.
func (r *ChunkReader) Skip(n int64) int64 {
	if n <= 0 {
		return 0
	}
	n = min(n, r.Available())
	r.advance(n)
	return n
}

// Seek positions the reader inside the window. Offsets are relative to the
// window start.
func (r *ChunkReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.Size() + offset
	default:
		return 0, fmt.Errorf("chunk reader: invalid whence %d", whence)
	}
	if abs < 0 || abs > r.Size() {
		return 0, fmt.Errorf("%w: seek to %d in window of %d bytes", ErrOutOfRange, abs, r.Size())
	}
	r.pos = abs
	return abs, nil
}

// Rewind moves back to the window start.
func (r *ChunkReader) Rewind() {
	r.pos = 0
	r.reportAt = readProgressInterval
}

// Close closes the underlying stream.
func (r *ChunkReader) Close() error {
	if r.s == nil {
		return nil
	}
	err := r.s.Close()
	r.s = nil
	return err
}

func (r *ChunkReader) advance(n int64) {
	r.pos += n
	if r.OnProgress != nil && r.pos >= r.reportAt {
		r.reportAt = r.pos + readProgressInterval
		r.OnProgress(r.pos)
	}
}
