package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentworkforce/kbsync/internal/filter"
)

const DefaultMaxDepth = 10

// RemoteSource describes one SSH host and the paths fetched from it.
type RemoteSource struct {
	Host          string
	Port          int
	Username      string
	Password      string
	KeyFilename   string
	Paths         []string
	KnowledgeBase string
	Filters       filter.Filters
}

// RemoteFS is the subset of an SFTP session the ingestor uses.
type RemoteFS interface {
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

type ConnectFunc func(ctx context.Context, src RemoteSource) (RemoteFS, error)

type IngestorOptions struct {
	SSH        SSHOptions
	Extensions Extensions
	// StagingDir is the parent of the per-source staging directories.
	// Empty uses os.TempDir.
	StagingDir string
	MaxDepth   int
	Logger     *slog.Logger
	Connect    ConnectFunc
}

type Ingestor struct {
	opts    IngestorOptions
	logger  *slog.Logger
	connect ConnectFunc
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := &Ingestor{opts: opts, logger: logger, connect: opts.Connect}
	if in.connect == nil {
		in.connect = func(ctx context.Context, src RemoteSource) (RemoteFS, error) {
			return DialSFTP(ctx, src, opts.SSH, logger)
		}
	}
	return in
}

// FetchAll stages every source in order. A source that cannot be reached is
// logged and skipped. The returned cleanup removes all staging directories.
func (in *Ingestor) FetchAll(ctx context.Context, sources []RemoteSource) ([]Candidate, func()) {
	var (
		out      []Candidate
		cleanups []func()
	)
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		candidates, cleanup, err := in.Fetch(ctx, src)
		if cleanup != nil {
			cleanups = append(cleanups, cleanup)
		}
		if err != nil {
			in.logger.Error("ssh.source.skip", "host", src.Host, "user", src.Username, "err", err)
			continue
		}
		out = append(out, candidates...)
	}
	return out, func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}
}

// Fetch connects to src and downloads every allowed file below its paths.
// Errors on individual paths are logged and do not fail the source.
func (in *Ingestor) Fetch(ctx context.Context, src RemoteSource) ([]Candidate, func(), error) {
	if strings.TrimSpace(src.Host) == "" {
		return nil, nil, fmt.Errorf("ssh source without host")
	}
	conn, err := in.connect(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	stage, err := os.MkdirTemp(in.opts.StagingDir, "kbsync-ssh-"+sanitizeHost(src.Host)+"-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(stage) }
	in.logger.Info("ssh.source.connected", "host", src.Host, "paths", len(src.Paths), "staging", stage)

	f := &fetch{in: in, src: src, fs: conn, stage: stage}
	for _, remotePath := range src.Paths {
		if ctx.Err() != nil {
			return f.out, cleanup, ctx.Err()
		}
		remotePath = strings.TrimSpace(remotePath)
		if remotePath == "" {
			continue
		}
		remotePath = path.Clean(remotePath)
		info, err := conn.Stat(remotePath)
		if err != nil {
			in.logger.Warn("ssh.path.skip", "host", src.Host, "path", remotePath, "err", err)
			continue
		}
		switch {
		case info.IsDir():
			f.root = f.stagedPath(remotePath)
			f.walk(ctx, remotePath, 0)
		case info.Mode().IsRegular():
			f.root = f.stagedPath(path.Dir(remotePath))
			f.file(remotePath)
		default:
			in.logger.Warn("ssh.path.skip", "host", src.Host, "path", remotePath, "reason", "not a regular file or directory")
		}
	}
	in.logger.Info("ssh.source.done", "host", src.Host, "files", len(f.out))
	return f.out, cleanup, nil
}

type fetch struct {
	in    *Ingestor
	src   RemoteSource
	fs    RemoteFS
	stage string
	root  string
	out   []Candidate
}

func (f *fetch) walk(ctx context.Context, dir string, depth int) {
	entries, err := f.fs.ReadDir(dir)
	if err != nil {
		f.in.logger.Warn("ssh.dir.skip", "host", f.src.Host, "path", dir, "err", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		child := path.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if depth+1 > f.in.opts.MaxDepth {
				f.in.logger.Debug("ssh.dir.depth", "host", f.src.Host, "path", child, "max_depth", f.in.opts.MaxDepth)
				continue
			}
			f.walk(ctx, child, depth+1)
		case entry.Mode().IsRegular():
			f.file(child)
		}
	}
}

func (f *fetch) file(remotePath string) {
	if !f.in.opts.Extensions.Allowed(remotePath) {
		return
	}
	local := f.stagedPath(remotePath)
	if err := f.download(remotePath, local); err != nil {
		f.in.logger.Warn("ssh.download.failed", "host", f.src.Host, "path", remotePath, "err", err)
		return
	}
	f.out = append(f.out, Candidate{
		Path:          local,
		Key:           RemoteKey(f.src.Host, remotePath),
		Origin:        OriginRemote,
		Source:        f.src.Host,
		KnowledgeBase: strings.TrimSpace(f.src.KnowledgeBase),
		Filters:       f.src.Filters,
		FilterRoot:    f.root,
	})
}

func (f *fetch) download(remotePath, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return err
	}
	src, err := f.fs.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(local)
		return err
	}
	return dst.Close()
}

// stagedPath maps remotePath below the staging directory. Relative paths
// are anchored at the root first so ".." cannot climb out of it.
func (f *fetch) stagedPath(remotePath string) string {
	anchored := path.Clean("/" + remotePath)
	return filepath.Join(f.stage, filepath.FromSlash(strings.TrimPrefix(anchored, "/")))
}

// RemoteKey is the state key for a file fetched from host.
func RemoteKey(host, remotePath string) string {
	return "ssh/" + host + "/" + strings.TrimPrefix(path.Clean("/"+remotePath), "/")
}

var unsafeHostChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeHost(host string) string {
	return unsafeHostChars.ReplaceAllString(host, "_")
}
