package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"github.com/spf13/afero/sftpfs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sftpPort = "22"

// knownHostsMu serializes appends to known_hosts files.
var knownHostsMu sync.Mutex

func openSFTP(ctx context.Context, u *url.URL, opts SinkOptions) (Sink, error) {
	if u.User == nil || u.User.Username() == "" {
		return nil, errors.New("export: sftp url needs a user")
	}
	if opts.KnownHostsPath == "" {
		return nil, errors.New("export: sftp needs a known_hosts path")
	}
	host := hostPort(u, sftpPort)
	auth, err := buildAuthMethods(lookupPassword(u, host, opts.Secrets), opts.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            u.User.Username(),
		Auth:            auth,
		HostKeyCallback: NewTOFUHostKeyCallback(opts.KnownHostsPath),
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("export: dial %s: %w", host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, host, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("export: ssh handshake with %s: %w", host, err)
	}
	sshConn := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("export: open sftp subsystem: %w", err)
	}

	dir := u.Path
	if dir == "" {
		dir = "."
	}
	desc := "sftp://" + u.User.Username() + "@" + host + u.Path
	return NewFsSink(sftpfs.New(client), dir, desc, func() error {
		return errors.Join(client.Close(), sshConn.Close())
	}), nil
}

// buildAuthMethods prefers password auth, then an explicit key, then the
// default ~/.ssh keys.
func buildAuthMethods(password, sshKeyPath string) ([]ssh.AuthMethod, error) {
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	keyPaths := resolveSSHKeyPaths(sshKeyPath)
	for _, kp := range keyPaths {
		pemBytes, err := os.ReadFile(kp)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			var ppErr *ssh.PassphraseMissingError
			if errors.As(err, &ppErr) {
				return nil, fmt.Errorf("export: ssh key %q is passphrase-protected, which is not supported", kp)
			}
			continue
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("export: no sftp credentials: store a password with 'racecard creds set' or provide a key at %s", strings.Join(keyPaths, ", "))
}

func resolveSSHKeyPaths(explicitPath string) []string {
	if explicitPath != "" {
		return []string{explicitPath}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// NewTOFUHostKeyCallback trusts a host on first use: unknown hosts are
// appended to knownHostsFile, known hosts must present the recorded key.
// The file is re-read on every call.
func NewTOFUHostKeyCallback(knownHostsFile string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := os.MkdirAll(filepath.Dir(knownHostsFile), 0700); err != nil {
			return fmt.Errorf("export: create known_hosts directory: %w", err)
		}
		if _, err := os.Stat(knownHostsFile); err == nil {
			cb, err := knownhosts.New(knownHostsFile)
			if err != nil {
				return fmt.Errorf("export: load known_hosts: %w", err)
			}
			err = cb(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) {
				return err
			}
			if len(keyErr.Want) > 0 {
				return fmt.Errorf("export: host key changed for %s (got %s); remove the old entry from %s if this is expected",
					hostname, ssh.FingerprintSHA256(key), knownHostsFile)
			}
		}
		return appendKnownHost(knownHostsFile, hostname, key)
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("export: write known_hosts: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
	return err
}
