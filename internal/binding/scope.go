package binding

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/omnistore/internal/kvstore"
)

// ErrScopeClosed is returned for work requested on a closed scope.
var ErrScopeClosed = errors.New("binding: scope closed")

// Scope is the lifetime of one consumer of bindings. Results that arrive
// after Close are discarded.
type Scope struct {
	c      *Context
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	cleanups []func()

	kvMu sync.Mutex
	kv   *kvstore.Handle
}

// NewScope opens a scope in c.
func (c *Context) NewScope() *Scope {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scope{c: c, ctx: ctx, cancel: cancel}
}

// Context returns the owning browsing context.
func (s *Scope) Context() *Context {
	return s.c
}

// Alive reports whether the scope is still open.
func (s *Scope) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Done is closed when the scope is closed.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// OnClose registers fn to run when the scope closes. Cleanups run in
// reverse registration order. On a closed scope fn runs immediately.
func (s *Scope) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// kvHandle returns the scope's async KV handle, opening it on first use.
// A failed open is not memoized.
func (s *Scope) kvHandle(ctx context.Context) (*kvstore.Handle, error) {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()

	if s.kv != nil {
		return s.kv, nil
	}
	if !s.Alive() {
		return nil, ErrScopeClosed
	}

	h, err := s.c.registry.Open(ctx, s.c.kvOpts)
	if err != nil {
		return nil, err
	}
	s.kv = h
	return h, nil
}

// Close marks the scope dead and runs its cleanups. The KV handle is
// released last, after every binding has flushed its queued writes.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	s.kvMu.Lock()
	h := s.kv
	s.kv = nil
	s.kvMu.Unlock()
	if h != nil {
		return h.Release()
	}
	return nil
}
