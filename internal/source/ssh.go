package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNoCredentials     = errors.New("ssh source has neither key_filename nor password")
	ErrUnknownHostPolicy = errors.New("no known_hosts file and unknown hosts are not accepted")
)

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 30 * time.Second
	knownHostsName    = "known_hosts"
)

type SSHOptions struct {
	// KeyPath is the directory relative key files and the default
	// known_hosts file are resolved against.
	KeyPath        string
	KnownHostsFile string
	// StrictHostKeyChecking forbids the unknown-host fallback even when
	// AcceptUnknownHosts is set.
	StrictHostKeyChecking bool
	AcceptUnknownHosts    bool
	Timeout               time.Duration
}

func (o SSHOptions) knownHostsPath() string {
	if strings.TrimSpace(o.KnownHostsFile) != "" {
		return o.KnownHostsFile
	}
	return filepath.Join(o.KeyPath, knownHostsName)
}

// HostKeyCallback verifies against known_hosts when the file exists. Without
// it, unknown hosts are only accepted on explicit opt-in.
func HostKeyCallback(opts SSHOptions, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	path := opts.knownHostsPath()
	if _, err := os.Stat(path); err == nil {
		return knownhosts.New(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("known_hosts %s: %w", path, err)
	}
	if opts.StrictHostKeyChecking || !opts.AcceptUnknownHosts {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHostPolicy, path)
	}
	if logger != nil {
		logger.Warn("ssh.hostkey.insecure",
			"known_hosts", path,
			"msg", "accepting unknown host keys without verification",
		)
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// AuthMethods prefers the key file and falls back to the password. A
// password also unlocks an encrypted key.
func AuthMethods(src RemoteSource, keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if name := strings.TrimSpace(src.KeyFilename); name != "" {
		if !filepath.IsAbs(name) {
			name = filepath.Join(keyPath, name)
		}
		pemBytes, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", name, err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && src.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(src.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if src.Password != "" {
		password := src.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, ErrNoCredentials
	}
	return methods, nil
}

func (s RemoteSource) address() string {
	port := s.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// DialSFTP opens an SSH connection to src and starts an SFTP session on it.
func DialSFTP(ctx context.Context, src RemoteSource, opts SSHOptions, logger *slog.Logger) (RemoteFS, error) {
	auth, err := AuthMethods(src, opts.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := HostKeyCallback(opts, logger)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            src.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
	addr := src.address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sftp session %s: %w", addr, err)
	}
	return &sftpFS{client: sftpClient, conn: client}, nil
}

type sftpFS struct {
	client *sftp.Client
	conn   *ssh.Client
}

func (f *sftpFS) Stat(path string) (os.FileInfo, error) {
	return f.client.Stat(path)
}

func (f *sftpFS) ReadDir(path string) ([]os.FileInfo, error) {
	return f.client.ReadDir(path)
}

func (f *sftpFS) Open(path string) (io.ReadCloser, error) {
	return f.client.Open(path)
}

func (f *sftpFS) Close() error {
	sftpErr := f.client.Close()
	connErr := f.conn.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return connErr
}
