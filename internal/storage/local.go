package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bamsammich/chunkdl/internal/stream"
)

// LocalTree creates files inside a local directory.
type LocalTree struct {
	dir string
}

// NewLocalTree returns a tree rooted at dir. The directory is created on
// first use.
func NewLocalTree(dir string) (*LocalTree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	return &LocalTree{dir: abs}, nil
}

// Dir returns the tree's absolute directory.
func (t *LocalTree) Dir() string { return t.dir }

func (t *LocalTree) URI() string { return fileURI(t.dir) }

// CreateFile returns a handle for name inside the tree, creating an empty
// file if none exists yet.
func (t *LocalTree) CreateFile(name string, tag Kind) (Handle, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("create %q: invalid file name", name)
	}
	f := NewLocalFile(filepath.Join(t.dir, name), tag)
	if f.Exists() {
		return f, nil
	}
	if err := f.Create(); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *LocalTree) Close() error { return nil }

// LocalFile is a Handle for a file on the local filesystem.
type LocalFile struct {
	path    string
	tag     Kind
	invalid atomic.Bool
}

var _ Handle = (*LocalFile)(nil)

// NewLocalFile returns a handle for path. The file does not need to exist.
func NewLocalFile(path string, tag Kind) *LocalFile {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &LocalFile{path: filepath.Clean(path), tag: tag}
}

// Path returns the absolute path of the file.
func (f *LocalFile) Path() string { return f.path }

func (f *LocalFile) Name() string { return filepath.Base(f.path) }

func (f *LocalFile) Tag() Kind { return f.tag }

func (f *LocalFile) URI() string { return fileURI(f.path) }

func (f *LocalFile) Exists() bool {
	if f.IsInvalid() {
		return false
	}
	info, err := os.Stat(f.path)
	return err == nil && info.Mode().IsRegular()
}

func (f *LocalFile) Create() error {
	if f.IsInvalid() {
		return ErrInvalidated
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", f.path, err)
	}
	fd, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.path, err)
	}
	return fd.Close()
}

func (f *LocalFile) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", f.path, err)
	}
	return nil
}

func (f *LocalFile) Length() (int64, error) {
	if f.IsInvalid() {
		return 0, ErrInvalidated
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

// OpenStream opens the existing file for reading and writing.
func (f *LocalFile) OpenStream() (stream.Stream, error) {
	if f.IsInvalid() {
		return nil, ErrInvalidated
	}
	return stream.OpenFileStream(f.path, stream.ModeRead|stream.ModeWrite)
}

func (f *LocalFile) Invalidate() { f.invalid.Store(true) }

func (f *LocalFile) IsInvalid() bool { return f.invalid.Load() }

func (f *LocalFile) Equal(other Handle) bool {
	o, ok := other.(*LocalFile)
	return ok && o.path == f.path
}

func (f *LocalFile) String() string { return f.path }

func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
