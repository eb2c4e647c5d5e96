package sftpops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Pool hands out connected Operations, one caller at a time per instance.
// Instances are cached by endpoint and reused once returned with Put, so
// several goroutines can work in parallel on independent connections.
type Pool struct {
	mu      sync.Mutex
	idle    map[string][]*pooledOperations
	inUse   map[*Operations]checkout
	opts    Options
	options []Option
	maxIdle time.Duration
	closed  bool
	done    chan struct{}
}

type pooledOperations struct {
	ops      *Operations
	home     string
	lastUsed time.Time
}

type checkout struct {
	key  string
	home string
}

// NewPool creates a pool whose instances share opts. maxIdle specifies how
// long an idle instance is kept before it is disconnected; zero keeps it
// until Close.
func NewPool(opts Options, maxIdle time.Duration, options ...Option) *Pool {
	pool := &Pool{
		idle:    make(map[string][]*pooledOperations),
		inUse:   make(map[*Operations]checkout),
		opts:    opts,
		options: options,
		maxIdle: maxIdle,
		done:    make(chan struct{}),
	}

	if maxIdle > 0 {
		go pool.cleanupLoop()
	}

	return pool
}

// Get checks out a connected instance for endpoint, reusing an idle one when
// it is still connected. The caller must hand it back with Put. The instance
// starts in the directory the server put the session in at login.
func (p *Pool) Get(ctx context.Context, endpoint Endpoint) (*Operations, error) {
	key := p.connectionKey(endpoint.WithDefaults())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var stale []*Operations
	var ops *Operations
	for len(p.idle[key]) > 0 && ops == nil {
		n := len(p.idle[key])
		pc := p.idle[key][n-1]
		p.idle[key] = p.idle[key][:n-1]
		if pc.ops.IsConnected() {
			ops = pc.ops
			p.inUse[ops] = checkout{key: key, home: pc.home}
		} else {
			stale = append(stale, pc.ops)
		}
	}
	if len(p.idle[key]) == 0 {
		delete(p.idle, key)
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.Disconnect()
	}
	if ops != nil {
		return ops, nil
	}

	ops, err := New(endpoint, p.opts, p.options...)
	if err != nil {
		return nil, err
	}
	if err := ops.Connect(ctx); err != nil {
		ops.Disconnect()
		return nil, err
	}
	home, err := ops.CurrentDirectory(ctx)
	if err != nil {
		ops.Disconnect()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ops.Disconnect()
		return nil, ErrPoolClosed
	}
	p.inUse[ops] = checkout{key: key, home: home}
	return ops, nil
}

// Put returns ops to the pool after changing it back to its login
// directory. An instance that is disconnected or cannot change back is
// dropped.
func (p *Pool) Put(ops *Operations) {
	if ops == nil {
		return
	}

	p.mu.Lock()
	out, ok := p.inUse[ops]
	delete(p.inUse, ops)
	closed := p.closed
	p.mu.Unlock()

	if !ok || closed || !ops.IsConnected() {
		ops.Disconnect()
		return
	}
	if err := ops.ChangeCurrentDirectory(context.Background(), out.home); err != nil {
		ops.logger.Debug("dropping pooled instance, cannot restore working directory",
			slog.String("dir", out.home), slog.String("error", err.Error()))
		ops.Disconnect()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ops.Disconnect()
		return
	}
	p.idle[out.key] = append(p.idle[out.key], &pooledOperations{ops: ops, home: out.home, lastUsed: time.Now()})
	p.mu.Unlock()
}

// Close disconnects every idle instance and stops the cleanup goroutine.
// Instances still checked out are disconnected when they are Put back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var toClose []*Operations
	for key, list := range p.idle {
		for _, pc := range list {
			toClose = append(toClose, pc.ops)
		}
		delete(p.idle, key)
	}
	p.mu.Unlock()

	for _, ops := range toClose {
		ops.Disconnect()
	}
}

// CloseIdle disconnects instances that have been idle for longer than maxIdle.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	now := time.Now()
	var toClose []*Operations
	for key, list := range p.idle {
		kept := list[:0]
		for _, pc := range list {
			if now.Sub(pc.lastUsed) > p.maxIdle {
				toClose = append(toClose, pc.ops)
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	for _, ops := range toClose {
		ops.Disconnect()
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idle int
	for _, list := range p.idle {
		idle += len(list)
	}

	return PoolStats{
		Total: idle + len(p.inUse),
		InUse: len(p.inUse),
		Idle:  idle,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total int
	InUse int
	Idle  int
}

func (p *Pool) connectionKey(endpoint Endpoint) string {
	h := sha256.New()

	h.Write([]byte(endpoint.Host))
	fmt.Fprintf(h, ":%d:", endpoint.Port)
	h.Write([]byte(endpoint.User))

	if endpoint.Password != "" {
		h.Write([]byte(":password:"))
		h.Write([]byte(endpoint.Password))
	}
	if endpoint.PrivateKey != "" {
		h.Write([]byte(":key:"))
		h.Write([]byte(endpoint.PrivateKey))
	}
	if endpoint.KeyPath != "" {
		h.Write([]byte(":keypath:"))
		h.Write([]byte(endpoint.KeyPath))
	}
	if endpoint.AuthMethod != "" {
		h.Write([]byte(":auth:"))
		h.Write([]byte(endpoint.AuthMethod))
	}

	if endpoint.BastionHost != "" {
		h.Write([]byte(":bastion:"))
		h.Write([]byte(endpoint.BastionHost))
		fmt.Fprintf(h, ":%d:", endpoint.BastionPort)
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(max(p.maxIdle/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CloseIdle()
		case <-p.done:
			return
		}
	}
}
