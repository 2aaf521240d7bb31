package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"github.com/warpdl/racecard/pkg/credman"
)

// ErrUnsupportedScheme is returned by OpenSink for unknown URL schemes.
var ErrUnsupportedScheme = errors.New("export: unsupported scheme")

// Sink is an export destination.
type Sink interface {
	// Put writes r to name, replacing an existing file, and returns the
	// number of bytes written.
	Put(ctx context.Context, name string, r io.Reader) (int64, error)
	// String describes the destination without credentials.
	String() string
	Close() error
}

// Secrets looks up stored passwords by account, see credman.Account.
type Secrets interface {
	Get(account string) (string, error)
}

// SinkOptions configures OpenSink.
type SinkOptions struct {
	// Secrets supplies the password when the URL carries none.
	Secrets Secrets
	// KnownHostsPath is the trust-on-first-use host key file for sftp.
	KnownHostsPath string
	// SSHKeyPath is an explicit private key for sftp; the default
	// ~/.ssh keys are tried otherwise.
	SSHKeyPath string
	// OS is the filesystem file:// URLs write to. Defaults to the OS.
	OS afero.Fs
}

// OpenSink connects to the destination named by rawURL: file:///dir,
// sftp://user@host[:port]/dir, ftp://[user@]host[:port]/dir or ftps://.
func OpenSink(ctx context.Context, rawURL string, opts SinkOptions) (Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("export: parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "":
		fsys := opts.OS
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		dir := u.Path
		if dir == "" {
			dir = u.Opaque
		}
		return NewFsSink(fsys, dir, "file://"+dir, nil), nil
	case "sftp":
		return openSFTP(ctx, u, opts)
	case "ftp", "ftps":
		return openFTP(ctx, u, opts)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// StripURLCredentials removes userinfo from rawURL so it can be logged.
func StripURLCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}

// FsSink writes export files into a directory of an afero filesystem.
type FsSink struct {
	fs     afero.Fs
	dir    string
	desc   string
	closer func() error
}

// NewFsSink returns a sink writing into dir on fsys. closer, if set, runs on
// Close.
func NewFsSink(fsys afero.Fs, dir, desc string, closer func() error) *FsSink {
	if dir == "" {
		dir = "."
	}
	return &FsSink{fs: fsys, dir: dir, desc: desc, closer: closer}
}

func (s *FsSink) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return 0, fmt.Errorf("create %s: %w", s.dir, err)
	}
	target := path.Join(s.dir, name)
	f, err := s.fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(target)
		return n, err
	}
	return n, nil
}

func (s *FsSink) String() string {
	if s.desc != "" {
		return s.desc
	}
	return s.dir
}

func (s *FsSink) Close() error {
	if s.closer == nil {
		return nil
	}
	fn := s.closer
	s.closer = nil
	return fn()
}

// lookupPassword returns the URL password or, failing that, the stored one.
// A missing stored password is not an error.
func lookupPassword(u *url.URL, host string, secrets Secrets) string {
	if u.User == nil {
		return ""
	}
	if p, ok := u.User.Password(); ok {
		return p
	}
	if secrets == nil {
		return ""
	}
	p, err := secrets.Get(credman.Account(u.User.Username(), host))
	if err != nil {
		return ""
	}
	return p
}

// Account returns the credman account rawURL's password is stored under.
func Account(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("export: parse url: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return "", fmt.Errorf("export: %s has no user", StripURLCredentials(rawURL))
	}
	var port string
	switch strings.ToLower(u.Scheme) {
	case "sftp":
		port = sftpPort
	case "ftp", "ftps":
		port = ftpPort
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	return credman.Account(u.User.Username(), hostPort(u, port)), nil
}

// hostPort adds defaultPort to u's host when it has none.
func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":" + defaultPort
}
