package binding

import (
	"errors"
	"sync"

	"github.com/roach88/omnistore/internal/notify"
	"github.com/roach88/omnistore/internal/record"
	"github.com/roach88/omnistore/internal/syncstore"
)

// watchers fans value changes out to registered callbacks.
type watchers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func (w *watchers[T]) add(fn func(T)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[uint64]func(T))
	}
	w.nextID++
	id := w.nextID
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.fns, id)
		})
	}
}

func (w *watchers[T]) notify(v T) {
	w.mu.Lock()
	fns := make([]func(T), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// SyncBinding is a value bound to the session or shared store.
type SyncBinding[T any] struct {
	scope   *Scope
	adapter *syncstore.Adapter
	key     string
	def     T

	mu    sync.Mutex
	value T
	err   error

	watchers watchers[T]
}

// BindSync reads key from the store of the given kind and returns a binding
// holding the stored value, or def when the key is absent or unreadable.
//
// Bindings on the shared store follow writes made by other contexts until
// the scope closes.
func BindSync[T any](s *Scope, kind syncstore.Kind, key string, def T) *SyncBinding[T] {
	b := &SyncBinding[T]{
		scope:   s,
		adapter: s.c.Adapter(kind),
		key:     key,
		def:     def,
	}

	// Subscribe before reading so a change landing in between is delivered.
	// The lock holds that delivery back until the read value is in place.
	b.mu.Lock()
	if kind == syncstore.KindShared {
		s.OnClose(s.c.notifier.Subscribe(key, b.onExternalChange))
	}
	v, err := syncstore.Load(b.adapter, key, def)
	if err != nil {
		s.c.logger.Warn("stored value unreadable, using default", "store", kind, "key", key, "error", err)
	}
	b.value = v
	b.mu.Unlock()
	return b
}

func (b *SyncBinding[T]) onExternalChange(ev notify.StorageEvent) {
	if !b.scope.Alive() {
		return
	}

	next := b.def
	if ev.NewValue != nil {
		v, err := record.Decode[T]([]byte(*ev.NewValue))
		if err != nil {
			var se *record.SerializationError
			if errors.As(err, &se) {
				err = se.WithKey(b.key)
			}
			b.scope.c.logger.Warn("ignoring unreadable external change", "key", b.key, "error", err)
			return
		}
		next = v
	}

	b.mu.Lock()
	b.value = next
	b.mu.Unlock()
	b.watchers.notify(next)
}

// Key returns the bound key.
func (b *SyncBinding[T]) Key() string {
	return b.key
}

// Value returns the current value.
func (b *SyncBinding[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Err returns the last write failure, if any.
func (b *SyncBinding[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Set applies u to the current value and writes the result through to the
// store. The local value changes even when the write fails; the failure is
// returned and kept in Err.
func (b *SyncBinding[T]) Set(u Update[T]) error {
	b.mu.Lock()
	next := u.Apply(b.value)
	b.value = next
	err := b.adapter.Write(b.key, next)
	b.err = err
	b.mu.Unlock()

	if err != nil {
		b.scope.c.logger.Error("sync write failed", "key", b.key, "error", err)
	}
	b.watchers.notify(next)
	return err
}

// Watch calls fn with every new value, from local writes and from other
// contexts. The returned function stops the callbacks.
func (b *SyncBinding[T]) Watch(fn func(T)) func() {
	return b.watchers.add(fn)
}

// Pair returns the current value and the setter.
func (b *SyncBinding[T]) Pair() (T, func(Update[T]) error) {
	return b.Value(), b.Set
}
