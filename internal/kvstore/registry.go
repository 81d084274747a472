package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/omnistore/internal/metrics"
)

// Registry shares open handles within one process.
//
// bbolt locks the file per open, so a second open of the same path in the
// same process would block behind the first. The registry hands out the
// existing handle instead and counts references.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	group   singleflight.Group

	logger  *slog.Logger
	metrics *metrics.Collector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger handed to opened databases.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics reports reads and writes of opened databases to c.
func WithMetrics(c *metrics.Collector) RegistryOption {
	return func(r *Registry) {
		r.metrics = c
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handles: make(map[string]*Handle),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Open returns a handle for opts.Path, opening the database on first use.
// Concurrent opens of the same path share one attempt. Every successful Open
// must be paired with Handle.Release. Opening a path that is already open
// with another collection or version fails with ErrOptionsMismatch.
func (r *Registry) Open(ctx context.Context, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, &ConnectionError{Path: opts.Path, Err: err}
	}

	for {
		if h, err := r.acquire(path, opts); h != nil || err != nil {
			return h, err
		}

		ch := r.group.DoChan(path, func() (any, error) {
			r.mu.Lock()
			if h, ok := r.handles[path]; ok {
				r.mu.Unlock()
				return h, nil
			}
			r.mu.Unlock()

			h, err := openHandle(path, opts, r.logger, r.metrics)
			if err != nil {
				return nil, err
			}
			h.registry = r

			r.mu.Lock()
			r.handles[path] = h
			r.mu.Unlock()
			r.logger.Debug("kv database open", "path", path, "collection", opts.Collection, "version", opts.Version)
			return h, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// Loop to take the reference under the lock; the handle may have
		// been released in between, in which case it is opened again.
	}
}

func (r *Registry) acquire(path string, opts Options) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[path]
	if !ok {
		return nil, nil
	}
	if h.opts.Collection != opts.Collection || h.opts.Version != opts.Version {
		return nil, &ConnectionError{
			Path: path,
			Err: fmt.Errorf("%w: open as %q v%d, requested %q v%d", ErrOptionsMismatch,
				h.opts.Collection, h.opts.Version, opts.Collection, opts.Version),
		}
	}
	h.refs++
	return h, nil
}

func (r *Registry) release(h *Handle) error {
	r.mu.Lock()
	h.refs--
	if h.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	if r.handles[h.path] == h {
		delete(r.handles, h.path)
	}
	r.mu.Unlock()
	return h.close()
}

// Len returns the number of open databases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Refs returns the reference count of the database at path.
func (r *Registry) Refs(path string) int {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[abs]; ok {
		return h.refs
	}
	return 0
}

// Close closes every open database regardless of references.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var first error
	for _, h := range handles {
		if err := h.close(); err != nil && first == nil {
			first = fmt.Errorf("close registry: %w", err)
		}
	}
	return first
}
