package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/chunkdl/internal/stream"
)

// sftpConn is one SFTP session shared by every tree and handle on a host.
type sftpConn struct {
	client *sftp.Client
	ssh    *ssh.Client
	user   string
	host   string
	port   int
}

func newSFTPConn(sshClient *ssh.Client, loc Location) (*sftpConn, error) {
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &sftpConn{
		client: client,
		ssh:    sshClient,
		user:   loc.User,
		host:   loc.Host,
		port:   loc.Port,
	}, nil
}

func (c *sftpConn) uri(p string) string { return sftpURI(c.user, c.host, c.port, p) }

func (c *sftpConn) same(o *sftpConn) bool {
	return c == o || (c.user == o.user && c.host == o.host && c.port == o.port)
}

// abs resolves p against the remote working directory.
func (c *sftpConn) abs(p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	wd, err := c.client.Getwd()
	if err != nil {
		return "", fmt.Errorf("sftp getwd: %w", err)
	}
	return path.Join(wd, p), nil
}

func (c *sftpConn) Close() error {
	var errs []error
	if err := c.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.ssh != nil {
		if err := c.ssh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SFTPTree creates files inside a remote directory.
type SFTPTree struct {
	conn  *sftpConn
	root  string
	owned bool
}

var _ Tree = (*SFTPTree)(nil)

// NewSFTPTree opens an SFTP session over sshClient and roots a tree at
// loc.Path. The tree owns the connection; Close releases it.
func NewSFTPTree(sshClient *ssh.Client, loc Location) (*SFTPTree, error) {
	conn, err := newSFTPConn(sshClient, loc)
	if err != nil {
		return nil, err
	}
	t, err := newSFTPTree(conn, loc.Path)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

func newSFTPTree(conn *sftpConn, root string) (*SFTPTree, error) {
	abs, err := conn.abs(root)
	if err != nil {
		return nil, err
	}
	return &SFTPTree{conn: conn, root: abs}, nil
}

func (t *SFTPTree) URI() string { return t.conn.uri(t.root) }

// CreateFile returns a handle for name inside the tree, creating an empty
// file if none exists yet.
func (t *SFTPTree) CreateFile(name string, tag Kind) (Handle, error) {
	if name == "" || name != path.Base(name) {
		return nil, fmt.Errorf("create %q: invalid file name", name)
	}
	f := &SFTPFile{conn: t.conn, path: path.Join(t.root, name), tag: tag}
	if f.Exists() {
		return f, nil
	}
	if err := f.Create(); err != nil {
		return nil, err
	}
	return f, nil
}

func (t *SFTPTree) Close() error {
	if !t.owned {
		return nil
	}
	return t.conn.Close()
}

// SFTPFile is a Handle for a file on a remote host.
type SFTPFile struct {
	conn    *sftpConn
	path    string
	tag     Kind
	invalid atomic.Bool
}

var _ Handle = (*SFTPFile)(nil)

func (f *SFTPFile) Name() string { return path.Base(f.path) }

func (f *SFTPFile) Tag() Kind { return f.tag }

func (f *SFTPFile) URI() string { return f.conn.uri(f.path) }

func (f *SFTPFile) Exists() bool {
	if f.IsInvalid() {
		return false
	}
	info, err := f.conn.client.Stat(f.path)
	return err == nil && info.Mode().IsRegular()
}

func (f *SFTPFile) Create() error {
	if f.IsInvalid() {
		return ErrInvalidated
	}
	if err := f.conn.client.MkdirAll(path.Dir(f.path)); err != nil {
		return fmt.Errorf("sftp create parent of %s: %w", f.path, err)
	}
	fd, err := f.conn.client.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", f.path, err)
	}
	return fd.Close()
}

func (f *SFTPFile) Delete() error {
	if err := f.conn.client.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sftp delete %s: %w", f.path, err)
	}
	return nil
}

func (f *SFTPFile) Length() (int64, error) {
	if f.IsInvalid() {
		return 0, ErrInvalidated
	}
	info, err := f.conn.client.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("sftp stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

func (f *SFTPFile) OpenStream() (stream.Stream, error) {
	if f.IsInvalid() {
		return nil, ErrInvalidated
	}
	fd, err := f.conn.client.OpenFile(f.path, os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", f.path, err)
	}
	return &sftpStream{File: fd}, nil
}

func (f *SFTPFile) Invalidate() { f.invalid.Store(true) }

func (f *SFTPFile) IsInvalid() bool { return f.invalid.Load() }

func (f *SFTPFile) Equal(other Handle) bool {
	o, ok := other.(*SFTPFile)
	return ok && o.path == f.path && o.conn.same(f.conn)
}

func (f *SFTPFile) String() string { return f.URI() }

// sftpStream adapts *sftp.File to stream.Stream.
type sftpStream struct {
	*sftp.File
}

func (s *sftpStream) Length() (int64, error) {
	info, err := s.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *sftpStream) SetLength(n int64) error { return s.Truncate(n) }

// Flush is a no-op: every write is already a round trip to the server.
func (s *sftpStream) Flush() error { return nil }
