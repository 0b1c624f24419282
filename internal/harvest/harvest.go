// Package harvest retrieves files from targets over credentialed file
// transfer protocols.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

var (
	// ErrNoTransport means none of the target's open ports has a transport.
	ErrNoTransport = errors.New("no usable transfer protocol")
	// ErrAuthFailed means every credential was rejected on every transport.
	ErrAuthFailed = errors.New("authentication failed on all transports")

	errStopWalk = errors.New("stop walk")
)

// Transport opens authenticated file sessions for one protocol.
type Transport interface {
	Protocol() string
	Port() int
	Dial(ctx context.Context, host string, cred model.Credential) (Session, error)
}

// WalkFunc is called for every regular file found. Returning a non-nil
// error stops the walk.
type WalkFunc func(remote string, size int64) error

// Session is an authenticated file session.
type Session interface {
	// Roots maps the configured directories onto this protocol's namespace.
	Roots(dirs []string) []string
	Walk(ctx context.Context, root string, fn WalkFunc) error
	Fetch(ctx context.Context, remote string, w io.Writer) (int64, error)
	Close() error
}

// Config bounds what a harvest retrieves.
type Config struct {
	Directories []string
	Extensions  []string
	MaxBytes    int64
	MaxFiles    int
	OutputDir   string
}

// Harvester tries transports in priority order.
type Harvester struct {
	cfg        Config
	transports []Transport
}

// New creates a harvester. Transports are tried in the order given.
func New(cfg Config, transports ...Transport) *Harvester {
	return &Harvester{cfg: cfg, transports: transports}
}

// Result is the outcome of one harvest run.
type Result struct {
	Payload *model.HarvestPayload
	Partial bool
}

type remoteFile struct {
	path string
	size int64
}

// Run authenticates with the first transport and credential that work,
// then downloads matching files until the byte or file budget is reached.
// The first file that would exceed the byte budget ends retrieval.
func (h *Harvester) Run(ctx context.Context, target *model.Target, creds []model.Credential, networkID string) (*Result, error) {
	res := &Result{Payload: &model.HarvestPayload{Files: []model.HarvestedFile{}}}

	var usable []Transport
	for _, t := range h.transports {
		if target.HasPort(t.Port()) {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return res, ErrNoTransport
	}

	sess, proto, cred, err := h.login(ctx, usable, target.IP, creds, res.Payload)
	if err != nil {
		return res, err
	}
	defer sess.Close()
	res.Payload.Protocol = proto
	res.Payload.Username = cred.Username

	files, err := h.enumerate(ctx, sess)
	if err != nil && ctx.Err() != nil {
		res.Partial = true
		return res, nil
	}

	base := filepath.Join(h.cfg.OutputDir, safeName(networkID), safeName(target.MAC), proto)
	for _, f := range files {
		if ctx.Err() != nil {
			res.Partial = true
			break
		}
		if h.cfg.MaxFiles > 0 && len(res.Payload.Files) >= h.cfg.MaxFiles {
			res.Partial = true
			res.Payload.BudgetReached = true
			break
		}
		if res.Payload.Bytes+f.size > h.cfg.MaxBytes {
			res.Partial = true
			res.Payload.BudgetReached = true
			break
		}

		local := localPath(base, f.path)
		n, err := h.fetch(ctx, sess, f.path, local, h.cfg.MaxBytes-res.Payload.Bytes)
		if errors.Is(err, errBudget) {
			res.Partial = true
			res.Payload.BudgetReached = true
			break
		}
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"target": target.MAC, "file": f.path}).Warn("fetch failed")
			continue
		}
		res.Payload.Files = append(res.Payload.Files, model.HarvestedFile{Remote: f.path, Local: local, Size: n})
		res.Payload.Bytes += n
	}
	return res, nil
}

func (h *Harvester) login(ctx context.Context, transports []Transport, host string, creds []model.Credential, p *model.HarvestPayload) (Session, string, model.Credential, error) {
	for _, t := range transports {
		for _, c := range creds {
			if err := ctx.Err(); err != nil {
				return nil, "", model.Credential{}, err
			}
			p.Tried = append(p.Tried, t.Protocol()+":"+c.Username)
			sess, err := t.Dial(ctx, host, c)
			if err != nil {
				log.WithFields(log.Fields{"host": host, "proto": t.Protocol(), "user": c.Username}).
					Debugf("login failed: %v", err)
				continue
			}
			return sess, t.Protocol(), c, nil
		}
	}
	return nil, "", model.Credential{}, ErrAuthFailed
}

// enumerate lists matching files in walk order. The walk stops early once
// the matches alone exceed the budget.
func (h *Harvester) enumerate(ctx context.Context, sess Session) ([]remoteFile, error) {
	var (
		files []remoteFile
		total int64
	)
	dirs := h.cfg.Directories
	if len(dirs) == 0 {
		dirs = []string{"/"}
	}
	for _, root := range sess.Roots(dirs) {
		err := sess.Walk(ctx, root, func(remote string, size int64) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !h.matches(remote) {
				return nil
			}
			files = append(files, remoteFile{path: remote, size: size})
			total += size
			if total > h.cfg.MaxBytes || (h.cfg.MaxFiles > 0 && len(files) > h.cfg.MaxFiles) {
				return errStopWalk
			}
			return nil
		})
		if errors.Is(err, errStopWalk) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return files, err
			}
			log.WithError(err).WithField("root", root).Debug("walk failed")
		}
	}
	return files, nil
}

func (h *Harvester) matches(remote string) bool {
	if len(h.cfg.Extensions) == 0 {
		return true
	}
	lower := strings.ToLower(remote)
	for _, ext := range h.cfg.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

var errBudget = errors.New("byte budget exceeded")

// fetch downloads one file, refusing to write more than limit bytes.
func (h *Harvester) fetch(ctx context.Context, sess Session, remote, local string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return 0, err
	}
	f, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	lw := &limitWriter{w: f, remaining: limit}
	n, err := sess.Fetch(ctx, remote, lw)
	cerr := f.Close()
	if lw.exceeded {
		os.Remove(local)
		return 0, errBudget
	}
	if err != nil {
		os.Remove(local)
		return 0, err
	}
	return n, cerr
}

type limitWriter struct {
	w         io.Writer
	remaining int64
	exceeded  bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		l.exceeded = true
		return 0, errBudget
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

// ctxWriter aborts a copy once ctx ends.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func localPath(base, remote string) string {
	remote = strings.ReplaceAll(remote, `\`, "/")
	clean := path.Clean("/" + remote)
	return filepath.Join(base, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

func safeName(s string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", ":", "-", "..", "_")
	if s == "" {
		return "_"
	}
	return r.Replace(s)
}

// String describes the harvester for logs.
func (h *Harvester) String() string {
	names := make([]string, len(h.transports))
	for i, t := range h.transports {
		names[i] = t.Protocol()
	}
	return fmt.Sprintf("harvester[%s]", strings.Join(names, ","))
}
