// Package storage abstracts where downloads land: plain files on the local
// filesystem or files on a remote host reached over SFTP.
package storage

import (
	"errors"

	"github.com/bamsammich/chunkdl/internal/stream"
)

var (
	// ErrInvalidated is returned by a handle whose backing file is no
	// longer reachable.
	ErrInvalidated = errors.New("storage: handle invalidated")
	// ErrUnsupportedScheme is returned when a URI names an unknown backend.
	ErrUnsupportedScheme = errors.New("storage: unsupported scheme")
)

// Kind tags a file with the category it was downloaded as. Trees are
// registered per kind so that lost files can be recreated in the right
// place.
type Kind byte

const (
	KindVideo Kind = 'v'
	KindAudio Kind = 'a'
	KindOther Kind = 'o'
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// ParseKind maps a tag byte back to a Kind, defaulting to KindOther.
func ParseKind(b byte) Kind {
	switch k := Kind(b); k {
	case KindVideo, KindAudio:
		return k
	default:
		return KindOther
	}
}

// Handle is a reference to one destination file.
type Handle interface {
	// Name is the file's base name.
	Name() string
	Tag() Kind
	// URI identifies the file well enough for a Resolver to rebuild the
	// handle later.
	URI() string

	Exists() bool
	// Create creates (or empties) the file.
	Create() error
	Delete() error
	Length() (int64, error)
	OpenStream() (stream.Stream, error)

	// Invalidate marks the handle unusable, for example after the backing
	// file disappeared.
	Invalidate()
	IsInvalid() bool

	// Equal reports whether both handles refer to the same file.
	Equal(other Handle) bool
}

// Tree is a directory that can create file handles by name.
type Tree interface {
	URI() string
	CreateFile(name string, tag Kind) (Handle, error)
	Close() error
}

// Same reports whether a and b refer to the same file. Nil handles are
// never the same as anything.
func Same(a, b Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}
