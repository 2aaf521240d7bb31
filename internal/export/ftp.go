package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"
)

const ftpPort = "21"

type ftpSink struct {
	conn *ftp.ServerConn
	dir  string
	desc string
}

func openFTP(ctx context.Context, u *url.URL, opts SinkOptions) (Sink, error) {
	host := hostPort(u, ftpPort)
	user, password := "anonymous", "anonymous"
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
		password = lookupPassword(u, host, opts.Secrets)
	}

	dialOpts := []ftp.DialOption{
		ftp.DialWithTimeout(30 * time.Second),
		ftp.DialWithContext(ctx),
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "ftps" {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName: u.Hostname(),
			MinVersion: tls.VersionTLS12,
		}))
	}
	conn, err := ftp.Dial(host, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("export: dial %s: %w", host, err)
	}
	if err := conn.Login(user, password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("export: login to %s as %s: %w", host, user, err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("export: binary mode: %w", err)
	}
	dir := u.Path
	if dir == "" {
		dir = "/"
	}
	return &ftpSink{conn: conn, dir: dir, desc: scheme + "://" + user + "@" + host + u.Path}, nil
}

// countingReader counts bytes handed to Stor.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (s *ftpSink) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Already existing directories make MakeDir fail; Stor reports the
	// real problem if the directory is missing.
	s.mkdirAll()
	cr := &countingReader{r: r}
	if err := s.conn.Stor(path.Join(s.dir, name), cr); err != nil {
		return cr.n.Load(), err
	}
	return cr.n.Load(), nil
}

func (s *ftpSink) mkdirAll() {
	cur := ""
	for _, part := range strings.Split(strings.Trim(s.dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		_ = s.conn.MakeDir(cur)
	}
}

func (s *ftpSink) String() string { return s.desc }

func (s *ftpSink) Close() error { return s.conn.Quit() }
