package sftpops

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Download is the result of RetrieveFile. Exactly one of Body and LocalPath
// is set: Body for streamed or buffered downloads, LocalPath when the file
// was materialized into the local work directory.
type Download struct {
	File      RemoteFile
	Body      io.ReadCloser
	LocalPath string
}

// Release closes Body. It is safe to call more than once.
func (d *Download) Release() error {
	if d == nil || d.Body == nil {
		return nil
	}
	err := d.Body.Close()
	d.Body = nil
	return err
}

// TransferEngine moves file content to and from the server.
type TransferEngine struct {
	conn   *ConnectionManager
	nav    *Navigator
	lister *Lister
	opts   Options
	logger *slog.Logger
}

// NewTransferEngine wires an engine over the given navigator and lister.
// opts must already have defaults applied.
func NewTransferEngine(conn *ConnectionManager, nav *Navigator, lister *Lister, opts Options) *TransferEngine {
	return &TransferEngine{
		conn:   conn,
		nav:    nav,
		lister: lister,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Retrieve downloads name. See Download for the possible result shapes.
func (e *TransferEngine) Retrieve(name string) (*Download, error) {
	name = NormalizePath(name)
	file := newRemoteFile(name, e.opts.Root, nil)

	dir := OnlyPath(name)
	if !e.opts.Stepwise || dir == "" {
		ch, err := e.conn.Channel()
		if err != nil {
			return nil, err
		}
		return e.retrieveFrom(ch, name, file)
	}

	var download *Download
	err := e.nav.preserveDirectory(func(ch Channel, _ string) error {
		if err := e.nav.changeDirectory(ch, dir); err != nil {
			return err
		}
		var err error
		download, err = e.retrieveFrom(ch, StripPath(name), file)
		return err
	})
	if err != nil {
		if download != nil {
			_ = download.Release()
		}
		return nil, err
	}
	return download, nil
}

func (e *TransferEngine) retrieveFrom(ch Channel, remoteName string, file RemoteFile) (*Download, error) {
	switch {
	case e.opts.LocalWorkDirectory != "":
		return e.materialize(ch, remoteName, file)

	case e.opts.StreamDownload:
		body, err := ch.Get(remoteName)
		if err != nil {
			return nil, operationFailed("get", file.Path, err)
		}
		return &Download{File: file, Body: body}, nil

	default:
		body, err := ch.Get(remoteName)
		if err != nil {
			return nil, operationFailed("get", file.Path, err)
		}
		defer body.Close()

		data, err := io.ReadAll(body)
		if err != nil {
			return nil, operationFailed("get", file.Path, err)
		}
		file.Size = int64(len(data))
		return &Download{File: file, Body: io.NopCloser(bytes.NewReader(data))}, nil
	}
}

// materialize writes the remote content to <relative path>.inprogress and
// renames it into place only once the transfer is complete. Nothing is left
// at either name when it fails.
func (e *TransferEngine) materialize(ch Channel, remoteName string, file RemoteFile) (*Download, error) {
	local := filepath.Join(e.opts.LocalWorkDirectory, filepath.FromSlash(file.RelativePath))
	temp := local + ".inprogress"

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, localIOFailed("retrieve", file.Path, fmt.Errorf("failed to create local directory: %w", err))
	}
	for _, p := range []string{temp, local} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, localIOFailed("retrieve", file.Path, fmt.Errorf("failed to remove existing local file: %w", err))
		}
	}

	out, err := os.Create(temp)
	if err != nil {
		return nil, localIOFailed("retrieve", file.Path, fmt.Errorf("failed to create temp file: %w", err))
	}
	removeTemp := func() {
		if err := os.Remove(temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("failed to remove temp file", slog.String("path", temp), slog.String("error", err.Error()))
		}
	}
	discard := func() {
		_ = out.Close()
		removeTemp()
	}

	body, err := ch.Get(remoteName)
	if err != nil {
		discard()
		return nil, operationFailed("get", file.Path, err)
	}
	n, err := io.Copy(out, body)
	body.Close()
	if err != nil {
		discard()
		return nil, operationFailed("get", file.Path, err)
	}

	// out is closed from here on.
	if err := out.Close(); err != nil {
		removeTemp()
		return nil, localIOFailed("retrieve", file.Path, fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Rename(temp, local); err != nil {
		removeTemp()
		return nil, localIOFailed("retrieve", file.Path, fmt.Errorf("failed to rename temp file: %w", err))
	}

	file.Size = n
	e.logger.Debug("materialized download",
		slog.String("remote", file.Path), slog.String("local", local), slog.Int64("bytes", n))
	return &Download{File: file, LocalPath: local}, nil
}

// Store writes src to name, applying the FileExist policy first. It reports
// whether anything was written: false means Ignore skipped an existing file.
func (e *TransferEngine) Store(name string, src io.Reader) (bool, error) {
	name = NormalizePath(name)

	if src == nil {
		if !e.opts.AllowNullBody {
			return false, operationFailed("store", name, ErrNullBody)
		}
		src = bytes.NewReader(nil)
	}

	switch e.opts.FileExist {
	case FileExistIgnore, FileExistFail, FileExistMove:
		exists, err := e.lister.ExistsFile(name)
		if err != nil {
			return false, err
		}
		if exists {
			switch e.opts.FileExist {
			case FileExistIgnore:
				e.logger.Debug("target exists, skipping store", slog.String("path", name))
				return false, nil
			case FileExistFail:
				return false, operationFailed("store", name, ErrFileExists)
			case FileExistMove:
				if err := e.moveExisting(name); err != nil {
					return false, err
				}
			}
		}
	}

	mode := PutOverwrite
	if e.opts.FileExist == FileExistAppend {
		mode = PutAppend
	}

	dir := OnlyPath(name)
	if !e.opts.Stepwise || dir == "" {
		ch, err := e.conn.Channel()
		if err != nil {
			return false, err
		}
		if err := e.put(ch, name, name, src, mode); err != nil {
			return false, err
		}
		return true, nil
	}

	err := e.nav.preserveDirectory(func(ch Channel, _ string) error {
		if err := e.nav.changeDirectory(ch, dir); err != nil {
			return err
		}
		return e.put(ch, StripPath(name), name, src, mode)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *TransferEngine) put(ch Channel, target, display string, src io.Reader, mode PutMode) error {
	if err := ch.Put(src, target, mode); err != nil {
		return operationFailed("put", display, err)
	}
	if perm, ok := e.opts.chmodMode(); ok {
		if err := ch.Chmod(perm, target); err != nil {
			return operationFailed("chmod", display, err)
		}
	}
	e.logger.Debug("stored file", slog.String("path", display))
	return nil
}

// moveExisting renames the current occupant of name to the MoveExisting
// destination.
func (e *TransferEngine) moveExisting(name string) error {
	to, err := evaluateMoveExisting(e.opts.MoveExisting, name)
	if err != nil {
		return operationFailed("move existing", name, err)
	}
	if CompactPath(to) == CompactPath(name) {
		return nil
	}

	if dir := OnlyPath(to); dir != "" {
		built, err := e.nav.BuildDirectory(dir, false)
		if err != nil {
			return err
		}
		if !built {
			return operationFailed("mkdir", dir, fmt.Errorf("cannot create directory"))
		}
	}

	exists, err := e.lister.ExistsFile(to)
	if err != nil {
		return err
	}
	if exists {
		if !e.opts.EagerDeleteTargetFile {
			return operationFailed("move existing", to, ErrFileExists)
		}
		if err := e.Delete(to); err != nil {
			return err
		}
	}

	e.logger.Debug("moving existing file", slog.String("from", name), slog.String("to", to))
	return e.Rename(name, to)
}

// Delete removes name.
func (e *TransferEngine) Delete(name string) error {
	ch, err := e.conn.Channel()
	if err != nil {
		return err
	}
	name = NormalizePath(name)
	if err := ch.Rm(name); err != nil {
		return operationFailed("rm", name, err)
	}
	return nil
}

// Rename renames from to to.
func (e *TransferEngine) Rename(from, to string) error {
	ch, err := e.conn.Channel()
	if err != nil {
		return err
	}
	from, to = NormalizePath(from), NormalizePath(to)
	if err := ch.Rename(from, to); err != nil {
		return operationFailed("rename", from, err)
	}
	return nil
}
