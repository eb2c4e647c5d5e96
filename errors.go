package sftpops

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the public API wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	// ErrConnectionFailed means connecting failed after the reconnect policy
	// was exhausted, or the transport could not be set up at all.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInterrupted means the caller's context was cancelled while connecting
	// or while waiting between attempts. It is never retried.
	ErrInterrupted = errors.New("interrupted")

	// ErrOperationFailed means a remote verb reported a fault.
	ErrOperationFailed = errors.New("operation failed")

	// ErrLocalIO means a local filesystem step of a materialized download failed.
	ErrLocalIO = errors.New("local I/O failed")
)

// Causes attached to ErrOperationFailed by this package itself.
var (
	// ErrNotConnected means a verb was issued without a live channel.
	ErrNotConnected = errors.New("not connected")
	// ErrFileExists means the store target (or a move destination) is occupied.
	ErrFileExists = errors.New("file already exists")
	// ErrNullBody means StoreFile got a nil source and AllowNullBody is off.
	ErrNullBody = errors.New("no content to store")
)

// OperationError carries the failed operation, the remote path it acted on
// and the underlying cause.
type OperationError struct {
	Kind error  // one of the Err* kinds above
	Op   string // e.g. "connect", "store", "cd"
	Path string
	Err  error
}

func (e *OperationError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause.
func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func connectionFailed(op, path string, err error) error {
	return &OperationError{Kind: ErrConnectionFailed, Op: op, Path: path, Err: err}
}

func interrupted(op, path string, err error) error {
	return &OperationError{Kind: ErrInterrupted, Op: op, Path: path, Err: err}
}

func operationFailed(op, path string, err error) error {
	return &OperationError{Kind: ErrOperationFailed, Op: op, Path: path, Err: err}
}

func localIOFailed(op, path string, err error) error {
	return &OperationError{Kind: ErrLocalIO, Op: op, Path: path, Err: err}
}

// IsInterrupted reports whether err is a cancellation surfaced by this package.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// IsConnectionFailed reports whether err is a terminal connect failure.
func IsConnectionFailed(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
