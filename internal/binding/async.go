package binding

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/queue"
	"github.com/roach88/omnistore/internal/record"
)

// AsyncBinding is a value bound to the async KV store.
//
// The default is visible while the stored value loads. A write made during
// that time wins over the loaded value: hydration only applies when no
// local write happened first, and the store is seeded with the default on
// a miss under the same condition. Writes are written through in order,
// after hydration.
type AsyncBinding[T any] struct {
	scope *Scope
	key   string
	def   T

	mu      sync.Mutex
	value   T
	pending bool
	dirty   bool
	err     error

	writes   *queue.Queue[[]byte]
	hydrated chan struct{}
	done     chan struct{}

	watchers watchers[T]
}

// BindAsyncKV creates a binding for key and starts hydrating it.
func BindAsyncKV[T any](s *Scope, key string, def T) *AsyncBinding[T] {
	b := &AsyncBinding[T]{
		scope:    s,
		key:      key,
		def:      def,
		value:    def,
		pending:  true,
		writes:   queue.New[[]byte](),
		hydrated: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	s.OnClose(b.shutdown)
	return b
}

// shutdown stops accepting writes and waits until queued writes have been
// handed to the store.
func (b *AsyncBinding[T]) shutdown() {
	b.writes.Close()
	<-b.done
}

func (b *AsyncBinding[T]) run() {
	defer close(b.done)
	logger := b.scope.c.logger.With("key", b.key)

	h, err := b.scope.kvHandle(b.scope.ctx)
	if err != nil {
		b.fail(err)
		logger.Error("async store unavailable", "error", err)
		b.finishHydration()
		b.discardWrites()
		return
	}

	b.hydrate(h)
	b.finishHydration()

	// Writes are not tied to the scope context: a write accepted before
	// Close still reaches the store.
	ctx := context.Background()
	for {
		if rec, ok := b.writes.TryPop(); ok {
			if err := h.Put(ctx, b.key, rec); err != nil {
				b.fail(err)
				logger.Error("async write failed", "error", err)
			}
			continue
		}
		if b.writes.Drained() {
			return
		}
		<-b.writes.Wait()
	}
}

func (b *AsyncBinding[T]) hydrate(h *kvstore.Handle) {
	logger := b.scope.c.logger.With("key", b.key)

	rec, found, err := h.Get(b.scope.ctx, b.key)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.fail(err)
			logger.Error("async read failed", "error", err)
		}
		return
	}
	if !b.scope.Alive() {
		return
	}

	if !found {
		b.mu.Lock()
		dirty := b.dirty
		b.mu.Unlock()
		if dirty {
			return
		}
		seed, err := record.Encode(b.def)
		if err != nil {
			b.fail(err)
			return
		}
		if err := h.Put(b.scope.ctx, b.key, seed); err != nil && !errors.Is(err, context.Canceled) {
			b.fail(err)
			logger.Error("seeding default failed", "error", err)
		}
		return
	}

	v, err := record.Decode[T](rec)
	if err != nil {
		var se *record.SerializationError
		if errors.As(err, &se) {
			err = se.WithKey(b.key)
		}
		logger.Warn("stored value unreadable, using default", "error", err)
		return
	}

	b.mu.Lock()
	if b.dirty || !b.scope.Alive() {
		b.mu.Unlock()
		return
	}
	b.value = v
	b.mu.Unlock()
	b.watchers.notify(v)
}

func (b *AsyncBinding[T]) finishHydration() {
	b.mu.Lock()
	b.pending = false
	b.mu.Unlock()
	close(b.hydrated)
}

func (b *AsyncBinding[T]) discardWrites() {
	for {
		if _, ok := b.writes.TryPop(); ok {
			continue
		}
		if b.writes.Drained() {
			return
		}
		<-b.writes.Wait()
	}
}

func (b *AsyncBinding[T]) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Key returns the bound key.
func (b *AsyncBinding[T]) Key() string {
	return b.key
}

// Value returns the current value.
func (b *AsyncBinding[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Pending reports whether the stored value is still loading.
func (b *AsyncBinding[T]) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Hydrated is closed once loading has finished, successfully or not.
func (b *AsyncBinding[T]) Hydrated() <-chan struct{} {
	return b.hydrated
}

// Err returns the last background failure: an unavailable store or a
// failed read or write.
func (b *AsyncBinding[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Set applies u to the current value, updates it immediately and queues the
// write. An encoding failure, or a closed scope, is returned and leaves the
// value unchanged. Store failures land in Err.
func (b *AsyncBinding[T]) Set(u Update[T]) error {
	b.mu.Lock()
	next := u.Apply(b.value)
	rec, err := record.Encode(next)
	if err != nil {
		var se *record.SerializationError
		if errors.As(err, &se) {
			err = se.WithKey(b.key)
		}
		b.err = err
		b.mu.Unlock()
		return err
	}
	// Queued under the lock so store order matches value order.
	if !b.writes.Push(rec) {
		b.mu.Unlock()
		return ErrScopeClosed
	}
	b.value = next
	b.dirty = true
	b.mu.Unlock()

	b.watchers.notify(next)
	return nil
}

// Watch calls fn with every new value, including the hydrated one.
func (b *AsyncBinding[T]) Watch(fn func(T)) func() {
	return b.watchers.add(fn)
}

// Pair returns the current value and the setter.
func (b *AsyncBinding[T]) Pair() (T, func(Update[T]) error) {
	return b.Value(), b.Set
}
