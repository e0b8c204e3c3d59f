package storage

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Location is a parsed destination argument or storage URI.
type Location struct {
	Host string
	User string
	Path string
	Port int
}

// IsRemote returns true if the location refers to a remote host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// String returns a human-readable representation.
func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	host := l.Host
	if l.Port != 0 {
		host = net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
	}
	if l.User != "" {
		return fmt.Sprintf("%s@%s:%s", l.User, host, l.Path)
	}
	return fmt.Sprintf("%s:%s", host, l.Path)
}

// URI renders the location as a file:// or sftp:// URI. Relative local
// paths are made absolute; relative remote paths are kept as given and
// resolved against the remote working directory when a tree is opened.
func (l Location) URI() string {
	if !l.IsRemote() {
		p := l.Path
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return fileURI(p)
	}
	return sftpURI(l.User, l.Host, l.Port, l.Path)
}

// ParseLocation parses a CLI argument into a Location.
//
// Supported formats:
//   - /absolute/path                  → local
//   - relative/path                   → local
//   - file:///absolute/path           → local
//   - host:path                       → SFTP (current user)
//   - user@host:path                  → SFTP
//   - sftp://[user@]host[:port]/path  → SFTP
//
// Ambiguity rule: a bare "word" with no colon is always local. A path
// containing ":" is only treated as remote if the part before the colon
// contains no path separators (so "/foo:bar" and "./host:path" are local).
//
//nolint:revive // cognitive-complexity: location parsing handles multiple format variants
func ParseLocation(arg string) Location {
	if strings.HasPrefix(arg, "sftp://") || strings.HasPrefix(arg, "file://") {
		loc, err := parseURI(arg)
		if err != nil {
			return Location{Path: arg}
		}
		return loc
	}

	// Absolute paths and paths starting with . are always local.
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}
	}

	colonIdx := strings.IndexByte(arg, ':')
	if colonIdx < 0 {
		return Location{Path: arg}
	}

	hostPart := arg[:colonIdx]
	pathPart := arg[colonIdx+1:]

	// A separator before the colon means a local path with a colon in it
	// (e.g., "dir/file:with:colons").
	if strings.ContainsRune(hostPart, filepath.Separator) || strings.ContainsRune(hostPart, '/') {
		return Location{Path: arg}
	}
	if hostPart == "" {
		return Location{Path: arg}
	}

	var user, host string
	if atIdx := strings.LastIndexByte(hostPart, '@'); atIdx >= 0 {
		user = hostPart[:atIdx]
		host = hostPart[atIdx+1:]
	} else {
		host = hostPart
	}
	if host == "" {
		return Location{Path: arg}
	}

	return Location{
		Host: host,
		User: user,
		Path: pathPart,
	}
}

// parseURI parses file:// and sftp:// URIs.
func parseURI(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("parse %q: remote file URIs are not supported", raw)
		}
		return Location{Path: filepath.FromSlash(u.Path)}, nil
	case "sftp":
		host := u.Hostname()
		if host == "" {
			return Location{}, fmt.Errorf("parse %q: missing host", raw)
		}
		port := 0
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return Location{}, fmt.Errorf("parse %q: invalid port: %w", raw, err)
			}
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		var user string
		if u.User != nil {
			user = u.User.Username()
		}
		return Location{Host: host, User: user, Path: path, Port: port}, nil
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func sftpURI(user, host string, port int, path string) string {
	u := &url.URL{Scheme: "sftp", Host: host, Path: path}
	if port != 0 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if user != "" {
		u.User = url.User(user)
	}
	return u.String()
}
