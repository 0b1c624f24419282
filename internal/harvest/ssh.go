package harvest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/user/prowl/internal/model"
)

// SSHTransport harvests over SFTP.
type SSHTransport struct {
	Timeout time.Duration
}

// Protocol implements Transport.
func (t *SSHTransport) Protocol() string { return "ssh" }

// Port implements Transport.
func (t *SSHTransport) Port() int { return 22 }

// Dial implements Transport.
func (t *SSHTransport) Dial(ctx context.Context, host string, cred model.Credential) (Session, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port()))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User: cred.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cred.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cred.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp %s: %w", addr, err)
	}
	return &sftpSession{ssh: client, sftp: sc}, nil
}

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) Roots(dirs []string) []string { return dirs }

func (s *sftpSession) Walk(ctx context.Context, root string, fn WalkFunc) error {
	w := s.sftp.Walk(root)
	for w.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.Err() != nil {
			continue
		}
		st := w.Stat()
		if !st.Mode().IsRegular() {
			continue
		}
		if err := fn(w.Path(), st.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (s *sftpSession) Fetch(ctx context.Context, remote string, w io.Writer) (int64, error) {
	f, err := s.sftp.Open(remote)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(ctxWriter{ctx: ctx, w: w}, f)
}

func (s *sftpSession) Close() error {
	s.sftp.Close()
	return s.ssh.Close()
}
