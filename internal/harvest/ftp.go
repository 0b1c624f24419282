package harvest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/user/prowl/internal/model"
)

// FTPTransport harvests over plain FTP.
type FTPTransport struct {
	Timeout time.Duration
}

// Protocol implements Transport.
func (t *FTPTransport) Protocol() string { return "ftp" }

// Port implements Transport.
func (t *FTPTransport) Port() int { return 21 }

// Dial implements Transport.
func (t *FTPTransport) Dial(ctx context.Context, host string, cred model.Credential) (Session, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port()))
	c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	if err := c.Login(cred.Username, cred.Password); err != nil {
		c.Quit()
		return nil, fmt.Errorf("ftp login %s: %w", addr, err)
	}
	return &ftpSession{c: c}, nil
}

type ftpSession struct {
	c *ftp.ServerConn
}

func (s *ftpSession) Roots(dirs []string) []string { return dirs }

func (s *ftpSession) Walk(ctx context.Context, root string, fn WalkFunc) error {
	w := s.c.Walk(root)
	for w.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.Err() != nil {
			continue
		}
		e := w.Stat()
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if err := fn(w.Path(), int64(e.Size)); err != nil {
			return err
		}
	}
	return nil
}

func (s *ftpSession) Fetch(ctx context.Context, remote string, w io.Writer) (int64, error) {
	r, err := s.c.Retr(remote)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(ctxWriter{ctx: ctx, w: w}, r)
}

func (s *ftpSession) Close() error {
	return s.c.Quit()
}
