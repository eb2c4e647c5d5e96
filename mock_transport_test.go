package sftpops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockFileInfo implements os.FileInfo for testing.
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// mockFS is an in-memory remote file system shared by every channel a
// mockTransport opens.
type mockFS struct {
	mu    sync.Mutex
	files map[string][]byte
	modes map[string]os.FileMode
	dirs  map[string]bool

	// failPuts makes that many Put calls, on any channel, fail with a
	// transient error before anything is written.
	failPuts int
}

func (m *mockFS) takePutFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPuts > 0 {
		m.failPuts--
		return true
	}
	return false
}

func newMockFS() *mockFS {
	return &mockFS{
		files: make(map[string][]byte),
		modes: make(map[string]os.FileMode),
		dirs:  map[string]bool{"/": true},
	}
}

// MkdirAll creates dir and its parents.
func (m *mockFS) MkdirAll(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = CompactPath(dir)
	for dir != "" && dir != "/" {
		m.dirs[dir] = true
		dir = OnlyPath(dir)
	}
}

// SetFile stores content at path, creating parent directories.
func (m *mockFS) SetFile(path string, content []byte) {
	path = CompactPath(path)
	m.MkdirAll(OnlyPath(path))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	m.modes[path] = 0644
}

func (m *mockFS) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[CompactPath(path)]
	return content, ok
}

func (m *mockFS) Mode(path string) os.FileMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[CompactPath(path)]
}

func (m *mockFS) HasDir(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[CompactPath(path)]
}

func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

// mockSession implements Session.
type mockSession struct {
	mu        sync.Mutex
	connected bool
	closed    int
}

func (s *mockSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed++
	return nil
}

func (s *mockSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// mockChannel implements Channel over a mockFS and records every verb it
// receives as "verb arg..." in calls.
type mockChannel struct {
	mu        sync.Mutex
	fs        *mockFS
	cwd       string
	connected bool
	closed    int
	calls     []string

	// errs makes the named verb ("cd", "mkdir", "ls", "get", "put", "rm",
	// "rename", "chmod", "pwd") fail with the given error.
	errs map[string]error

	// lsHook, when set, replaces Ls.
	lsHook func(p string) ([]os.FileInfo, error)

	// getFailAfter makes reads from Get fail after n bytes when >= 0.
	getFailAfter int
}

func newMockChannel(fsys *mockFS, cwd string) *mockChannel {
	return &mockChannel{
		fs:           fsys,
		cwd:          cwd,
		connected:    true,
		errs:         make(map[string]error),
		getFailAfter: -1,
	}
}

func (c *mockChannel) record(format string, args ...any) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls, optionally only those of one verb.
func (c *mockChannel) Calls(verb string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if verb == "" || strings.HasPrefix(call, verb+" ") || call == verb {
			out = append(out, call)
		}
	}
	return out
}

func (c *mockChannel) resetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *mockChannel) setErr(verb string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[verb] = err
}

func (c *mockChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *mockChannel) resolve(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return c.cwd
	}
	if HasLeadingSeparator(p) {
		return CompactPath(p)
	}
	return CompactPath(c.cwd + "/" + p)
}

func (c *mockChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockChannel) Cd(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("cd %s", dir)
	if err := c.errs["cd"]; err != nil {
		return err
	}
	target := c.resolve(dir)
	if !c.fs.HasDir(target) {
		return notExist("cd", target)
	}
	c.cwd = target
	return nil
}

func (c *mockChannel) Pwd() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["pwd"]; err != nil {
		return "", err
	}
	return c.cwd, nil
}

func (c *mockChannel) Mkdir(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("mkdir %s", dir)
	if err := c.errs["mkdir"]; err != nil {
		return err
	}
	target := c.resolve(dir)

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if _, ok := c.fs.files[target]; ok || c.fs.dirs[target] {
		return &fs.PathError{Op: "mkdir", Path: target, Err: fs.ErrExist}
	}
	parent := OnlyPath(target)
	if parent == "" {
		parent = "/"
	}
	if !c.fs.dirs[parent] {
		return notExist("mkdir", target)
	}
	c.fs.dirs[target] = true
	return nil
}

func (c *mockChannel) Ls(p string) ([]os.FileInfo, error) {
	c.mu.Lock()
	hook := c.lsHook
	c.record("ls %s", p)
	err := c.errs["ls"]
	target := c.resolve(p)
	c.mu.Unlock()

	if hook != nil {
		return hook(p)
	}
	if err != nil {
		return nil, err
	}

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	if content, ok := c.fs.files[target]; ok {
		return []os.FileInfo{&mockFileInfo{name: StripPath(target), size: int64(len(content)), mode: c.fs.modes[target]}}, nil
	}
	if !c.fs.dirs[target] {
		return nil, notExist("ls", target)
	}

	prefix := target + "/"
	if target == "/" {
		prefix = "/"
	}
	entries := []os.FileInfo{
		&mockFileInfo{name: ".", isDir: true, mode: fs.ModeDir | 0755},
		&mockFileInfo{name: "..", isDir: true, mode: fs.ModeDir | 0755},
	}
	for dir := range c.fs.dirs {
		if dir != target && strings.HasPrefix(dir, prefix) && !strings.Contains(dir[len(prefix):], "/") {
			entries = append(entries, &mockFileInfo{name: dir[len(prefix):], isDir: true, mode: fs.ModeDir | 0755})
		}
	}
	for file, content := range c.fs.files {
		if strings.HasPrefix(file, prefix) && !strings.Contains(file[len(prefix):], "/") {
			entries = append(entries, &mockFileInfo{name: file[len(prefix):], size: int64(len(content)), mode: c.fs.modes[file]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (c *mockChannel) Get(name string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("get %s", name)
	if err := c.errs["get"]; err != nil {
		return nil, err
	}
	content, ok := c.fs.File(c.resolve(name))
	if !ok {
		return nil, notExist("get", name)
	}
	var r io.Reader = bytes.NewReader(content)
	if c.getFailAfter >= 0 {
		r = io.MultiReader(io.LimitReader(r, int64(c.getFailAfter)), &failingReader{err: errors.New("connection lost")})
	}
	return &trackingReadCloser{Reader: r}, nil
}

func (c *mockChannel) Put(src io.Reader, name string, mode PutMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == PutAppend {
		c.record("put %s append", name)
	} else {
		c.record("put %s", name)
	}
	if err := c.errs["put"]; err != nil {
		return err
	}
	if c.fs.takePutFailure() {
		return errors.New("connection lost")
	}
	target := c.resolve(name)
	parent := OnlyPath(target)
	if parent == "" {
		parent = "/"
	}
	if !c.fs.HasDir(parent) {
		return notExist("put", target)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if mode == PutAppend {
		data = append(append([]byte{}, c.fs.files[target]...), data...)
	}
	c.fs.files[target] = data
	if _, ok := c.fs.modes[target]; !ok {
		c.fs.modes[target] = 0644
	}
	return nil
}

func (c *mockChannel) Rm(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("rm %s", name)
	if err := c.errs["rm"]; err != nil {
		return err
	}
	target := c.resolve(name)

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if _, ok := c.fs.files[target]; !ok {
		return notExist("rm", target)
	}
	delete(c.fs.files, target)
	delete(c.fs.modes, target)
	return nil
}

func (c *mockChannel) Rename(from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("rename %s %s", from, to)
	if err := c.errs["rename"]; err != nil {
		return err
	}
	src, dst := c.resolve(from), c.resolve(to)

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	content, ok := c.fs.files[src]
	if !ok {
		return notExist("rename", src)
	}
	if _, exists := c.fs.files[dst]; exists {
		return &fs.PathError{Op: "rename", Path: dst, Err: fs.ErrExist}
	}
	c.fs.files[dst] = content
	c.fs.modes[dst] = c.fs.modes[src]
	delete(c.fs.files, src)
	delete(c.fs.modes, src)
	return nil
}

func (c *mockChannel) Chmod(mode os.FileMode, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("chmod %o %s", mode, name)
	if err := c.errs["chmod"]; err != nil {
		return err
	}
	target := c.resolve(name)

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if _, ok := c.fs.files[target]; !ok {
		return notExist("chmod", target)
	}
	c.fs.modes[target] = mode
	return nil
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed++
	return nil
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

type trackingReadCloser struct {
	io.Reader
	closed bool
}

func (r *trackingReadCloser) Close() error {
	r.closed = true
	return nil
}

// mockTransport implements Transport. The first failSessions NewSession
// calls and the first failChannels OpenChannel calls fail.
type mockTransport struct {
	mu           sync.Mutex
	fs           *mockFS
	home         string
	failSessions int
	failChannels int
	err          error

	sessionCalls int
	channelCalls int
	sessions     []*mockSession
	channels     []*mockChannel

	// blockSession makes NewSession wait for ctx cancellation.
	blockSession bool
	// channelErrs is preset on every opened channel.
	channelErrs map[string]error
}

func newMockTransport() *mockTransport {
	fsys := newMockFS()
	fsys.MkdirAll("/home/test")
	return &mockTransport{
		fs:   fsys,
		home: "/home/test",
		err:  errors.New("connection refused"),
	}
}

func (t *mockTransport) NewSession(ctx context.Context, _ Endpoint, _ time.Duration) (Session, error) {
	t.mu.Lock()
	t.sessionCalls++
	call := t.sessionCalls
	block := t.blockSession
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if call <= t.failSessions {
		return nil, t.err
	}

	s := &mockSession{connected: true}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *mockTransport) OpenChannel(_ context.Context, _ Session, _ time.Duration) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelCalls++
	if t.channelCalls <= t.failChannels {
		return nil, t.err
	}
	c := newMockChannel(t.fs, t.home)
	for verb, err := range t.channelErrs {
		c.errs[verb] = err
	}
	t.channels = append(t.channels, c)
	return c, nil
}

// channel returns the most recently opened channel.
func (t *mockTransport) channel() *mockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

func (t *mockTransport) session() *mockSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

func (t *mockTransport) counts() (sessions, channels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionCalls, t.channelCalls
}
