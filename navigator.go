package sftpops

import (
	"log/slog"
)

// Navigator changes and creates remote directories through the live channel.
// The current directory is always read back from the channel.
type Navigator struct {
	conn     *ConnectionManager
	stepwise bool
	logger   *slog.Logger
}

// NewNavigator returns a navigator over conn. With stepwise set every
// directory change is issued one segment at a time.
func NewNavigator(conn *ConnectionManager, stepwise bool, logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{conn: conn, stepwise: stepwise, logger: logger}
}

// CurrentDirectory asks the server for the working directory.
func (n *Navigator) CurrentDirectory() (string, error) {
	ch, err := n.conn.Channel()
	if err != nil {
		return "", err
	}
	dir, err := ch.Pwd()
	if err != nil {
		return "", operationFailed("pwd", "", err)
	}
	return dir, nil
}

// ChangeDirectory changes the working directory to path.
func (n *Navigator) ChangeDirectory(path string) error {
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	return n.changeDirectory(ch, path)
}

// ChangeToParent moves one level up.
func (n *Navigator) ChangeToParent() error {
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	return n.cd(ch, "..")
}

// BuildDirectory makes sure path exists, creating missing segments. It
// reports whether the directory was found or created. The working directory
// is left where it was.
func (n *Navigator) BuildDirectory(path string, absolute bool) (bool, error) {
	dir := CompactPath(path)
	if absolute && !HasLeadingSeparator(dir) {
		dir = "/" + dir
	}
	if dir == "" || dir == "/" {
		return true, nil
	}

	var built bool
	err := n.preserveDirectory(func(ch Channel, original string) error {
		if err := n.changeDirectory(ch, dir); err == nil {
			built = true
			return nil
		}
		// A stepwise change can fail halfway down; relative names below
		// must resolve from where the call started.
		if n.stepwise {
			if err := n.changeDirectory(ch, original); err != nil {
				return err
			}
		}

		err := ch.Mkdir(dir)
		if err == nil {
			built = true
			return nil
		}
		n.logger.Debug("mkdir failed, building directory in chunks",
			slog.String("path", dir), slog.String("error", err.Error()))

		built = n.buildChunks(ch, dir)
		if !built {
			built = n.changeDirectory(ch, dir) == nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return built, nil
}

// buildChunks creates every accumulated prefix of dir in order. Failures are
// expected for segments that already exist and are ignored.
func (n *Navigator) buildChunks(ch Channel, dir string) bool {
	prefix := ""
	if HasLeadingSeparator(dir) {
		prefix = "/"
	}

	created := false
	for _, seg := range SplitSegments(dir) {
		prefix = JoinPath(prefix, seg)
		if seg == ".." {
			continue
		}
		if err := ch.Mkdir(prefix); err != nil {
			n.logger.Debug("mkdir chunk failed", slog.String("path", prefix), slog.String("error", err.Error()))
			continue
		}
		created = true
	}
	return created
}

// preserveDirectory runs fn with the directory that was current before it
// and then changes back there, whatever fn did.
func (n *Navigator) preserveDirectory(fn func(ch Channel, original string) error) (err error) {
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	original, err := ch.Pwd()
	if err != nil {
		return operationFailed("pwd", "", err)
	}

	defer func() {
		if restoreErr := n.changeDirectory(ch, original); restoreErr != nil {
			n.logger.Warn("failed to restore working directory",
				slog.String("path", original), slog.String("error", restoreErr.Error()))
			if err == nil {
				err = restoreErr
			}
		}
	}()

	return fn(ch, original)
}

func (n *Navigator) changeDirectory(ch Channel, path string) error {
	path = NormalizePath(path)

	if !n.stepwise {
		return n.cd(ch, CompactPath(path))
	}

	var steps []string
	if HasLeadingSeparator(path) {
		current, err := ch.Pwd()
		if err != nil {
			return operationFailed("pwd", "", err)
		}
		steps = stepwiseSegments(current, path)
	} else {
		steps = SplitSegments(path)
	}

	for _, step := range steps {
		if err := n.cd(ch, step); err != nil {
			return err
		}
	}
	return nil
}

// cd sends one change-directory call. Empty and "." targets are no-ops.
func (n *Navigator) cd(ch Channel, dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := ch.Cd(dir); err != nil {
		return operationFailed("cd", dir, err)
	}
	return nil
}

// stepwiseSegments plans the single-segment changes that lead from the
// absolute directory current to the absolute directory target. When the two
// share a leading segment the plan climbs with ".." to the longest common
// prefix and descends from there; otherwise it starts at "/".
func stepwiseSegments(current, target string) []string {
	cur := SplitSegments(CompactPath(current))
	tgt := SplitSegments(CompactPath(target))

	common := 0
	for common < len(cur) && common < len(tgt) && cur[common] == tgt[common] {
		common++
	}
	if common == len(cur) && common == len(tgt) {
		return nil
	}

	if common == 0 {
		return append([]string{"/"}, tgt...)
	}

	steps := make([]string, 0, len(cur)-common+len(tgt)-common)
	for i := common; i < len(cur); i++ {
		steps = append(steps, "..")
	}
	return append(steps, tgt[common:]...)
}
