package sftpops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// PutMode selects how Channel.Put opens the remote target.
type PutMode int

const (
	// PutOverwrite truncates the target before writing.
	PutOverwrite PutMode = iota
	// PutAppend writes after the current end of the target.
	PutAppend
)

// Session is an authenticated SSH connection, before any file-transfer
// channel is opened on it.
type Session interface {
	IsConnected() bool
	Close() error
}

// Channel issues file-transfer verbs. Relative names resolve against the
// channel's working directory, which only Cd changes.
type Channel interface {
	IsConnected() bool
	Cd(dir string) error
	Pwd() (string, error)
	Mkdir(dir string) error
	Ls(p string) ([]os.FileInfo, error)
	Get(name string) (io.ReadCloser, error)
	Put(src io.Reader, name string, mode PutMode) error
	Rm(name string) error
	Rename(from, to string) error
	Chmod(mode os.FileMode, name string) error
	Close() error
}

// Transport creates sessions and opens channels on them. A zero timeout
// means block until the transport gives up on its own.
type Transport interface {
	NewSession(ctx context.Context, endpoint Endpoint, timeout time.Duration) (Session, error)
	OpenChannel(ctx context.Context, session Session, timeout time.Duration) (Channel, error)
}

// SFTP status codes that mean the path does not exist.
const (
	sshFxNoSuchFile = 2
	sshFxNoSuchPath = 10
)

// IsNotFound reports whether err is the server saying the path does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == sshFxNoSuchFile || statusErr.Code == sshFxNoSuchPath
	}
	return false
}

// SSHTransport is the production Transport over golang.org/x/crypto/ssh and
// github.com/pkg/sftp.
type SSHTransport struct {
	// ClientOptions are passed to sftp.NewClient.
	ClientOptions []sftp.ClientOption

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

var _ Transport = (*SSHTransport)(nil)

// NewSSHTransport returns a transport with concurrent reads and writes enabled.
func NewSSHTransport(logger *slog.Logger) *SSHTransport {
	return &SSHTransport{
		ClientOptions: []sftp.ClientOption{
			sftp.UseConcurrentReads(true),
			sftp.UseConcurrentWrites(true),
		},
		Logger: logger,
	}
}

func (t *SSHTransport) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// NewSession dials the endpoint, optionally through a bastion host, and
// completes the SSH handshake.
func (t *SSHTransport) NewSession(ctx context.Context, endpoint Endpoint, timeout time.Duration) (Session, error) {
	endpoint = endpoint.WithDefaults()
	logger := t.logger().With(slog.String("endpoint", endpoint.String()))

	authMethods, agentConn, err := buildAuthMethods(endpoint)
	if err != nil {
		return nil, err
	}
	if agentConn != nil {
		// Agent signatures are only needed during the handshake.
		defer agentConn.Close()
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH authentication method configured")
	}

	hostKeyCallback, err := buildHostKeyCallback(endpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	if endpoint.Compression > 0 {
		logger.Warn("ssh compression requested but not supported by the client; continuing uncompressed",
			slog.Int("level", endpoint.Compression))
	}

	sshConfig := clientConfig(endpoint, endpoint.User, authMethods, hostKeyCallback, timeout)
	targetAddr := endpoint.Address()

	var bastionClient *ssh.Client
	var conn net.Conn

	if endpoint.BastionHost != "" {
		bastionClient, err = connectToBastion(ctx, endpoint, hostKeyCallback, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bastion host: %w", err)
		}
		conn, err = bastionClient.Dial("tcp", targetAddr)
		if err != nil {
			bastionClient.Close()
			return nil, fmt.Errorf("failed to dial target through bastion: %w", err)
		}
	} else {
		dialer := net.Dialer{Timeout: timeout}
		conn, err = dialer.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", targetAddr, err)
		}
	}

	client, err := handshake(ctx, conn, targetAddr, sshConfig, timeout)
	if err != nil {
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, fmt.Errorf("failed to create SSH connection to %s: %w", targetAddr, err)
	}

	session := newSSHSession(client, bastionClient)
	if endpoint.ServerAliveInterval > 0 {
		go session.keepalive(endpoint.ServerAliveInterval, endpoint.ServerAliveCountMax, logger)
	}
	return session, nil
}

// OpenChannel starts the sftp subsystem on session.
func (t *SSHTransport) OpenChannel(ctx context.Context, session Session, timeout time.Duration) (Channel, error) {
	s, ok := session.(*sshSession)
	if !ok {
		return nil, fmt.Errorf("session of type %T was not created by SSHTransport", session)
	}

	type result struct {
		client *sftp.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := sftp.NewClient(s.client, t.ClientOptions...)
		done <- result{c, err}
	}()

	abandon := func() {
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to create SFTP client: %w", r.err)
		}
		return newSFTPChannel(r.client)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-expired:
		abandon()
		return nil, fmt.Errorf("sftp subsystem did not start within %v", timeout)
	}
}

// handshake runs the SSH handshake on conn, bounded by timeout and ctx.
func handshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// sshSession tracks liveness of an *ssh.Client through Wait.
type sshSession struct {
	client    *ssh.Client
	bastion   *ssh.Client
	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

func newSSHSession(client, bastion *ssh.Client) *sshSession {
	s := &sshSession{
		client:  client,
		bastion: bastion,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go func() {
		_ = client.Wait()
		close(s.done)
	}()
	return s
}

func (s *sshSession) IsConnected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.client.Close()
		if s.bastion != nil {
			s.bastion.Close()
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// sftpChannel adapts *sftp.Client to Channel. SFTP has no server-side
// working directory, so it is kept here and every relative name is resolved
// against it.
type sftpChannel struct {
	client *sftp.Client
	cwd    string
	done   chan struct{}
}

func newSFTPChannel(client *sftp.Client) (*sftpChannel, error) {
	cwd, err := client.Getwd()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to resolve initial working directory: %w", err)
	}
	c := &sftpChannel{
		client: client,
		cwd:    CompactPath(cwd),
		done:   make(chan struct{}),
	}
	if c.cwd == "" {
		c.cwd = "/"
	}
	go func() {
		_ = client.Wait()
		close(c.done)
	}()
	return c, nil
}

func (c *sftpChannel) resolve(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return c.cwd
	}
	if HasLeadingSeparator(p) {
		return CompactPath(p)
	}
	return CompactPath(c.cwd + "/" + p)
}

func (c *sftpChannel) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *sftpChannel) Cd(dir string) error {
	target := c.resolve(dir)
	info, err := c.client.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", target)
	}
	c.cwd = target
	return nil
}

func (c *sftpChannel) Pwd() (string, error) {
	return c.cwd, nil
}

func (c *sftpChannel) Mkdir(dir string) error {
	return c.client.Mkdir(c.resolve(dir))
}

func (c *sftpChannel) Ls(p string) ([]os.FileInfo, error) {
	target := c.resolve(p)
	info, err := c.client.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []os.FileInfo{info}, nil
	}
	return c.client.ReadDir(target)
}

func (c *sftpChannel) Get(name string) (io.ReadCloser, error) {
	return c.client.Open(c.resolve(name))
}

func (c *sftpChannel) Put(src io.Reader, name string, mode PutMode) error {
	flags := os.O_WRONLY | os.O_CREATE
	if mode == PutAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := c.client.OpenFile(c.resolve(name), flags)
	if err != nil {
		return err
	}
	if mode == PutAppend {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *sftpChannel) Rm(name string) error {
	return c.client.Remove(c.resolve(name))
}

func (c *sftpChannel) Rename(from, to string) error {
	src, dst := c.resolve(from), c.resolve(to)
	if _, ok := c.client.HasExtension("posix-rename@openssh.com"); ok {
		return c.client.PosixRename(src, dst)
	}
	return c.client.Rename(src, dst)
}

func (c *sftpChannel) Chmod(mode os.FileMode, name string) error {
	return c.client.Chmod(c.resolve(name), mode)
}

func (c *sftpChannel) Close() error {
	err := c.client.Close()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
