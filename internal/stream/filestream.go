package stream

import (
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/chunkdl/internal/platform"
)

// Mode selects how a FileStream is opened.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	// ModeCreate creates the file if it does not exist (implies ModeWrite).
	ModeCreate
	// ModeTruncate empties an existing file on open (implies ModeWrite).
	ModeTruncate
	// ModeSync makes Flush fsync the file.
	ModeSync
)

var _ Stream = (*FileStream)(nil)

// FileStream is a Stream over a local file.
type FileStream struct {
	f    *os.File
	mode Mode
}

// OpenFileStream opens path according to mode.
func OpenFileStream(path string, mode Mode) (*FileStream, error) {
	if mode&(ModeCreate|ModeTruncate) != 0 {
		mode |= ModeWrite
	}

	flags := os.O_RDONLY
	if mode&ModeWrite != 0 {
		flags = os.O_RDWR
	}
	if mode&ModeCreate != 0 {
		flags |= os.O_CREATE
	}
	if mode&ModeTruncate != 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FileStream{f: f, mode: mode | ModeRead}, nil
}

// NewFileStream wraps an already open file.
func NewFileStream(f *os.File, mode Mode) *FileStream {
	return &FileStream{f: f, mode: mode}
}

// File exposes the underlying file for platform fast paths.
func (s *FileStream) File() *os.File { return s.f }

// Name returns the path the stream was opened with.
func (s *FileStream) Name() string {
	if s.f == nil {
		return ""
	}
	return s.f.Name()
}

func (s *FileStream) Read(p []byte) (int, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	return s.f.Read(p)
}

func (s *FileStream) ReadAt(p []byte, off int64) (int, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	return s.f.ReadAt(p, off)
}

func (s *FileStream) Write(p []byte) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	return s.f.Write(p)
}

func (s *FileStream) WriteAt(p []byte, off int64) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	return s.f.WriteAt(p, off)
}

func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	return s.f.Seek(offset, whence)
}

// Position returns the current read/write position.
func (s *FileStream) Position() (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}

func (s *FileStream) Length() (int64, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileStream) SetLength(n int64) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.f.Truncate(n)
}

// Preallocate reserves space for size bytes without changing the length.
func (s *FileStream) Preallocate(size int64) error {
	if err := s.writable(); err != nil {
		return err
	}
	return platform.Preallocate(s.f, size)
}

func (s *FileStream) Flush() error {
	if s.f == nil {
		return ErrClosed
	}
	if s.mode&ModeSync != 0 {
		return s.f.Sync()
	}
	return nil
}

// Close releases the file. Closing twice is not an error.
func (s *FileStream) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *FileStream) writable() error {
	if s.f == nil {
		return ErrClosed
	}
	if s.mode&ModeWrite == 0 {
		return ErrNotWritable
	}
	return nil
}
