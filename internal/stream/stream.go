// Package stream holds the byte-level building blocks of the download engine:
// a random-access file stream, a bounded chunk reader over any stream, and the
// circular writer that reconciles out-of-order writes into one destination.
package stream

import (
	"errors"
	"io"
)

var (
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream: closed")
	// ErrOutOfRange is returned when an offset or window falls outside the
	// valid region of a stream.
	ErrOutOfRange = errors.New("stream: offset out of range")
	// ErrNotWritable is returned when writing to a stream opened read-only.
	ErrNotWritable = errors.New("stream: not writable")
)

// Stream is a random-access byte stream. Destinations of every storage
// backend implement it.
type Stream interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Length returns the current size of the underlying data.
	Length() (int64, error)
	// SetLength truncates or extends the stream to n bytes.
	SetLength(n int64) error
	// Flush pushes buffered data to the backing store.
	Flush() error
}

// ProgressFunc receives an absolute position reached by a reader or writer.
type ProgressFunc func(position int64)

// WithoutClose wraps s so that Close is a no-op. Use it to hand a shared
// stream to a component that closes what it is given.
func WithoutClose(s Stream) Stream {
	return nopCloser{s}
}

type nopCloser struct {
	Stream
}

func (nopCloser) Close() error { return nil }
