package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// DialFunc opens an SSH connection. DialSSH is the default.
type DialFunc func(host, user string, opts SSHOpts) (*ssh.Client, error)

// Resolver rebuilds handles and trees from URIs. SFTP sessions are cached
// per user@host:port and shared until Close.
type Resolver struct {
	opts SSHOpts
	dial DialFunc

	mu    sync.Mutex
	conns map[string]*sftpConn
}

// NewResolver returns a resolver that dials SFTP hosts with opts.
func NewResolver(opts SSHOpts) *Resolver {
	return &Resolver{opts: opts, dial: DialSSH, conns: make(map[string]*sftpConn)}
}

// WithDialer replaces the SSH dialer.
func (r *Resolver) WithDialer(dial DialFunc) *Resolver {
	r.dial = dial
	return r
}

// Resolve returns a handle for the file named by uri.
func (r *Resolver) Resolve(uri string, tag Kind) (Handle, error) {
	loc, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if !loc.IsRemote() {
		return NewLocalFile(loc.Path, tag), nil
	}

	conn, err := r.conn(loc)
	if err != nil {
		return nil, err
	}
	p, err := conn.abs(loc.Path)
	if err != nil {
		return nil, err
	}
	return &SFTPFile{conn: conn, path: p, tag: tag}, nil
}

// Tree returns a tree for the directory named by uri or by a CLI location
// such as user@host:dir.
func (r *Resolver) Tree(target string) (Tree, error) {
	var loc Location
	if strings.Contains(target, "://") {
		var err error
		if loc, err = parseURI(target); err != nil {
			return nil, err
		}
	} else {
		loc = ParseLocation(target)
	}

	if !loc.IsRemote() {
		return NewLocalTree(loc.Path)
	}
	conn, err := r.conn(loc)
	if err != nil {
		return nil, err
	}
	return newSFTPTree(conn, loc.Path)
}

// Close releases every cached SFTP session.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, c := range r.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(r.conns, key)
	}
	return errors.Join(errs...)
}

func (r *Resolver) conn(loc Location) (*sftpConn, error) {
	key := (&url.URL{User: url.User(loc.User), Host: loc.Host + ":" + strconv.Itoa(loc.Port)}).String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[key]; ok {
		return c, nil
	}

	opts := r.opts
	if loc.Port != 0 {
		opts.Port = loc.Port
	}
	client, err := r.dial(loc.Host, loc.User, opts)
	if err != nil {
		return nil, err
	}
	c, err := newSFTPConn(client, loc)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	r.conns[key] = c
	return c, nil
}
