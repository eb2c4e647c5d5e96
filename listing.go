package sftpops

import (
	"log/slog"
	"os"
	"time"
)

// RemoteFile describes one remote entry found by a listing or moved by a transfer.
type RemoteFile struct {
	Name         string // base name
	Path         string // remote path as addressed
	RelativePath string // Path relative to Options.Root
	Size         int64
	ModTime      time.Time
	Mode         os.FileMode
	IsDirectory  bool
	IsLink       bool
	Absolute     bool
}

func newRemoteFile(path, root string, info os.FileInfo) RemoteFile {
	path = CompactPath(path)
	f := RemoteFile{
		Name:         StripPath(path),
		Path:         path,
		RelativePath: RelativePath(root, path),
		Absolute:     HasLeadingSeparator(path),
	}
	if info != nil {
		f.Size = info.Size()
		f.ModTime = info.ModTime()
		f.Mode = info.Mode()
		f.IsDirectory = info.IsDir()
		f.IsLink = info.Mode()&os.ModeSymlink != 0
	}
	return f
}

// Lister lists directories and answers existence checks.
type Lister struct {
	conn   *ConnectionManager
	root   string
	fast   bool
	logger *slog.Logger
}

// NewLister returns a lister. With fast set, ExistsFile lists the name itself
// instead of its parent directory.
func NewLister(conn *ConnectionManager, root string, fast bool, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{conn: conn, root: root, fast: fast, logger: logger}
}

// ListFiles lists path, "." when empty. The result is never nil and
// excludes the "." and ".." entries.
func (l *Lister) ListFiles(path string) ([]RemoteFile, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return nil, err
	}

	dir := NormalizePath(path)
	if dir == "" {
		dir = "."
	}

	entries, err := ch.Ls(dir)
	if err != nil {
		return nil, operationFailed("ls", dir, err)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, info := range entries {
		if info == nil {
			continue
		}
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		files = append(files, newRemoteFile(JoinPath(dir, name), l.root, info))
	}
	l.logger.Debug("listed directory", slog.String("path", dir), slog.Int("entries", len(files)))
	return files, nil
}

// ExistsFile reports whether name exists. "No such file" is a negative
// answer, not an error.
//
// The fast mode trusts any non-empty listing of name, so a server that lists
// a directory's content for a directory name makes it answer true.
func (l *Lister) ExistsFile(name string) (bool, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return false, err
	}

	name = NormalizePath(name)
	if l.fast {
		entries, err := ch.Ls(name)
		if err != nil {
			if IsNotFound(err) {
				return false, nil
			}
			return false, operationFailed("exists", name, err)
		}
		return len(entries) > 0, nil
	}

	dir := OnlyPath(name)
	if dir == "" {
		dir = "."
	}
	base := StripPath(name)

	entries, err := ch.Ls(dir)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, operationFailed("exists", name, err)
	}
	for _, info := range entries {
		if info != nil && info.Name() == base {
			return true, nil
		}
	}
	return false, nil
}
