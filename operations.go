package sftpops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Operations is the remote file API for one endpoint. It owns one
// session/channel pair and the server-side working directory, so calls on
// one instance must be serialized. Use a Pool for parallel work.
type Operations struct {
	endpoint Endpoint
	opts     Options
	logger   *slog.Logger

	conn   *ConnectionManager
	nav    *Navigator
	lister *Lister
	engine *TransferEngine
}

type settings struct {
	transport Transport
	logger    *slog.Logger
}

// Option customizes New.
type Option func(*settings)

// WithTransport replaces the SSH/SFTP transport, mostly for tests.
func WithTransport(t Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithLogger overrides Options.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// New validates options and returns a disconnected Operations.
func New(endpoint Endpoint, opts Options, options ...Option) (*Operations, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: host is required")
	}

	var s settings
	for _, opt := range options {
		opt(&s)
	}
	if s.logger != nil {
		opts.Logger = s.logger
	}
	opts = opts.WithDefaults()
	endpoint = endpoint.WithDefaults()

	logger := opts.Logger.With(slog.String("component", "sftpops"), slog.String("host", endpoint.Host))
	opts.Logger = logger

	if s.transport == nil {
		s.transport = NewSSHTransport(logger)
	}

	conn := NewConnectionManager(endpoint, opts.Reconnect, s.transport, logger)
	nav := NewNavigator(conn, opts.Stepwise, logger)
	lister := NewLister(conn, opts.Root, opts.FastExistsCheck, logger)

	return &Operations{
		endpoint: endpoint,
		opts:     opts,
		logger:   logger,
		conn:     conn,
		nav:      nav,
		lister:   lister,
		engine:   NewTransferEngine(conn, nav, lister, opts),
	}, nil
}

// Endpoint returns the endpoint with defaults applied.
func (o *Operations) Endpoint() Endpoint { return o.endpoint }

// Options returns the options with defaults applied.
func (o *Operations) Options() Options { return o.opts }

func checkContext(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return interrupted(op, path, err)
	}
	return nil
}

// Connect connects unless already connected. See ConnectionManager.Connect.
func (o *Operations) Connect(ctx context.Context) error {
	return o.conn.Connect(ctx)
}

// IsConnected re-queries the session and the channel.
func (o *Operations) IsConnected() bool {
	return o.conn.IsConnected()
}

// State is IsConnected as a ConnectionState.
func (o *Operations) State() ConnectionState {
	return o.conn.State()
}

// Disconnect closes the connection. It is always safe to call.
func (o *Operations) Disconnect() {
	o.conn.Disconnect()
}

// BuildDirectory creates path and any missing parents. With absolute set a
// relative path is taken from the root.
func (o *Operations) BuildDirectory(ctx context.Context, path string, absolute bool) (bool, error) {
	if err := checkContext(ctx, "mkdir", path); err != nil {
		return false, err
	}
	return o.nav.BuildDirectory(path, absolute)
}

// CurrentDirectory returns the server-side working directory.
func (o *Operations) CurrentDirectory(ctx context.Context) (string, error) {
	if err := checkContext(ctx, "pwd", ""); err != nil {
		return "", err
	}
	return o.nav.CurrentDirectory()
}

// ChangeCurrentDirectory changes the working directory.
func (o *Operations) ChangeCurrentDirectory(ctx context.Context, path string) error {
	if err := checkContext(ctx, "cd", path); err != nil {
		return err
	}
	return o.nav.ChangeDirectory(path)
}

// ChangeToParentDirectory changes to "..".
func (o *Operations) ChangeToParentDirectory(ctx context.Context) error {
	if err := checkContext(ctx, "cd", ".."); err != nil {
		return err
	}
	return o.nav.ChangeToParent()
}

// ListFiles lists path, or the working directory when path is empty.
func (o *Operations) ListFiles(ctx context.Context, path string) ([]RemoteFile, error) {
	if err := checkContext(ctx, "ls", path); err != nil {
		return nil, err
	}
	return o.lister.ListFiles(path)
}

// ExistsFile reports whether name exists.
func (o *Operations) ExistsFile(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx, "exists", name); err != nil {
		return false, err
	}
	return o.lister.ExistsFile(name)
}

// RetrieveFile downloads name. The caller must release the result with
// ReleaseRetrievedFileResources or Download.Release.
func (o *Operations) RetrieveFile(ctx context.Context, name string) (*Download, error) {
	if err := checkContext(ctx, "retrieve", name); err != nil {
		return nil, err
	}
	return o.engine.Retrieve(name)
}

// ReleaseRetrievedFileResources closes the stream held by d, if any.
func (o *Operations) ReleaseRetrievedFileResources(d *Download) error {
	return d.Release()
}

// StoreFile uploads src to name under the configured FileExist policy and
// reports whether content was written.
func (o *Operations) StoreFile(ctx context.Context, name string, src io.Reader) (bool, error) {
	if err := checkContext(ctx, "store", name); err != nil {
		return false, err
	}
	return o.engine.Store(name, src)
}

// DeleteFile removes name.
func (o *Operations) DeleteFile(ctx context.Context, name string) error {
	if err := checkContext(ctx, "rm", name); err != nil {
		return err
	}
	return o.engine.Delete(name)
}

// RenameFile renames from to to.
func (o *Operations) RenameFile(ctx context.Context, from, to string) error {
	if err := checkContext(ctx, "rename", from); err != nil {
		return err
	}
	return o.engine.Rename(from, to)
}
