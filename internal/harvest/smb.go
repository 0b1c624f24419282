package harvest

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/user/prowl/internal/model"
)

// SMBTransport harvests from SMB shares.
type SMBTransport struct {
	Timeout time.Duration
	// Shares limits the walk to these share names; empty lists the server's.
	Shares []string
}

// Protocol implements Transport.
func (t *SMBTransport) Protocol() string { return "smb" }

// Port implements Transport.
func (t *SMBTransport) Port() int { return 445 }

// Dial implements Transport.
func (t *SMBTransport) Dial(ctx context.Context, host string, cred model.Credential) (Session, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port()))
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{User: cred.Username, Password: cred.Password},
	}
	s, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smb %s: %w", addr, err)
	}

	shares := t.Shares
	if len(shares) == 0 {
		names, err := s.ListSharenames()
		if err != nil {
			s.Logoff()
			return nil, fmt.Errorf("smb %s list shares: %w", addr, err)
		}
		for _, n := range names {
			if !strings.HasSuffix(n, "$") {
				shares = append(shares, n)
			}
		}
	}
	return &smbSession{s: s, shares: shares, mounts: make(map[string]*smb2.Share)}, nil
}

type smbSession struct {
	s      *smb2.Session
	shares []string
	mounts map[string]*smb2.Share
}

// Roots ignores the configured directories; SMB is walked per share.
func (s *smbSession) Roots([]string) []string { return s.shares }

func (s *smbSession) mount(name string) (*smb2.Share, error) {
	if fs, ok := s.mounts[name]; ok {
		return fs, nil
	}
	fs, err := s.s.Mount(name)
	if err != nil {
		return nil, err
	}
	s.mounts[name] = fs
	return fs, nil
}

func (s *smbSession) Walk(ctx context.Context, share string, fn WalkFunc) error {
	fs, err := s.mount(share)
	if err != nil {
		return err
	}
	return s.walkDir(ctx, fs.WithContext(ctx), share, ".", fn)
}

func (s *smbSession) walkDir(ctx context.Context, fs *smb2.Share, share, dir string, fn WalkFunc) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := s.walkDir(ctx, fs, share, p, fn); err != nil {
				return err
			}
			continue
		}
		if !e.Mode().IsRegular() {
			continue
		}
		if err := fn(share+"/"+p, e.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (s *smbSession) Fetch(ctx context.Context, remote string, w io.Writer) (int64, error) {
	share, rel, ok := strings.Cut(remote, "/")
	if !ok {
		return 0, fmt.Errorf("smb path %q has no share", remote)
	}
	fs, err := s.mount(share)
	if err != nil {
		return 0, err
	}
	f, err := fs.WithContext(ctx).Open(rel)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(ctxWriter{ctx: ctx, w: w}, f)
}

func (s *smbSession) Close() error {
	for _, fs := range s.mounts {
		fs.Umount()
	}
	return s.s.Logoff()
}
