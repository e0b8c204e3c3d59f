package stream

import (
	"errors"
	"io"
)

var errInjected = errors.New("injected write failure")

// memStream is an in-memory Stream. failWrites makes the next n WriteAt
// calls fail with failErr, or errInjected when it is nil.
type memStream struct {
	data       []byte
	pos        int64
	closed     bool
	failWrites int
	failErr    error
	writes     int
	flushes    int
}

func (m *memStream) Read(p []byte) (int, error) {
	n, err := m.ReadAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStream) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	n, err := m.WriteAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStream) WriteAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	m.writes++
	if m.failWrites > 0 {
		m.failWrites--
		if m.failErr != nil {
			return 0, m.failErr
		}
		return 0, errInjected
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		offset += m.pos
	case io.SeekEnd:
		offset += int64(len(m.data))
	}
	m.pos = offset
	return offset, nil
}

func (m *memStream) Length() (int64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.data)), nil
}

func (m *memStream) SetLength(n int64) error {
	if n <= int64(len(m.data)) {
		m.data = m.data[:n]
		return nil
	}
	m.data = append(m.data, make([]byte, n-int64(len(m.data)))...)
	return nil
}

func (m *memStream) Flush() error {
	m.flushes++
	return nil
}

func (m *memStream) Close() error {
	m.closed = true
	return nil
}

// pattern returns n deterministic bytes that differ per seed.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}
