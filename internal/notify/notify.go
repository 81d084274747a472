// Package notify delivers changes made to the shared synchronous store by
// other browsing contexts.
//
// One Notifier watches the origin directory of a DirMedium with fsnotify.
// Each change is reconciled against the content this context last knew for
// the key; only genuinely external changes reach subscribers. The context's
// own writes are announced through Observe before they hit the disk, so the
// resulting file events compare equal and are dropped. Guard runs the write
// itself under the notifier's read lock, so a reconcile already reading the
// file cannot record stale content over it.
package notify

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/syncstore"
)

// StorageEvent describes one external change to a shared key.
// A nil NewValue means the key was removed.
type StorageEvent struct {
	Key      string
	OldValue *string
	NewValue *string
}

// Notifier is the per-context subscription to shared-store changes.
type Notifier struct {
	medium  *syncstore.DirMedium
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	metrics *metrics.Collector

	// io orders medium reads by the watcher against writes by Guard.
	io sync.Mutex

	mu     sync.Mutex
	known  map[string]*string
	subs   map[string]map[uint64]func(StorageEvent)
	nextID uint64
	closed bool

	done chan struct{}
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger used for watcher errors.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithMetrics counts delivered external changes.
func WithMetrics(c *metrics.Collector) Option {
	return func(n *Notifier) {
		n.metrics = c
	}
}

// New starts watching the medium's directory.
// The current content of the directory becomes the known baseline.
func New(m *syncstore.DirMedium, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		medium: m,
		logger: slog.Default(),
		known:  make(map[string]*string),
		subs:   make(map[string]map[uint64]func(StorageEvent)),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("notifier baseline: %w", err)
	}
	for _, k := range keys {
		if v, ok, err := m.Get(k); err == nil && ok {
			n.known[k] = &v
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(m.Dir()); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", m.Dir(), err)
	}
	n.watcher = w

	go n.run()
	return n, nil
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := n.medium.KeyForFile(filepath.Base(event.Name))
			if !ok {
				continue
			}
			n.reconcile(key)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn("shared store watcher error", "dir", n.medium.Dir(), "error", err)
		}
	}
}

// reconcile re-reads key and dispatches an event if its content differs from
// what this context last knew.
func (n *Notifier) reconcile(key string) {
	n.io.Lock()
	var current *string
	v, ok, err := n.medium.Get(key)
	if err != nil {
		n.io.Unlock()
		n.logger.Warn("shared store read failed", "key", key, "error", err)
		return
	}
	if ok {
		current = &v
	}
	ev, fns := n.record(StorageEvent{Key: key, NewValue: current})
	n.io.Unlock()

	n.dispatch(ev, fns)
}

// Observe records a write made by this context. It must be called before
// the write reaches the medium. Prefer Guard, which also performs the write.
func (n *Notifier) Observe(key string, value *string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.known[key] = cloneString(value)
}

// Guard records a write made by this context and performs it. value is nil
// for removals. If write fails the previously known content is restored.
// Its signature matches syncstore.WriteGuard.
func (n *Notifier) Guard(key string, value *string, write func() error) error {
	n.io.Lock()
	defer n.io.Unlock()

	n.mu.Lock()
	prev, had := n.known[key]
	n.known[key] = cloneString(value)
	n.mu.Unlock()

	if err := write(); err != nil {
		n.mu.Lock()
		if had {
			n.known[key] = prev
		} else {
			delete(n.known, key)
		}
		n.mu.Unlock()
		return err
	}
	return nil
}

// Emit delivers ev to the subscribers of ev.Key unless its NewValue matches
// the known content. OldValue is filled from the known content.
func (n *Notifier) Emit(ev StorageEvent) {
	n.dispatch(n.record(ev))
}

// record updates the known content for ev and returns the event to deliver
// with its subscribers. No subscribers are returned for a suppressed event.
func (n *Notifier) record(ev StorageEvent) (StorageEvent, []func(StorageEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ev, nil
	}
	old := n.known[ev.Key]
	if equalString(old, ev.NewValue) {
		return ev, nil
	}
	n.known[ev.Key] = cloneString(ev.NewValue)
	ev.OldValue = cloneString(old)

	fns := make([]func(StorageEvent), 0, len(n.subs[ev.Key]))
	for _, fn := range n.subs[ev.Key] {
		fns = append(fns, fn)
	}
	n.metrics.ExternalChange()
	return ev, fns
}

func (n *Notifier) dispatch(ev StorageEvent, fns []func(StorageEvent)) {
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers fn for external changes to key. The returned function
// removes the subscription and may be called more than once.
func (n *Notifier) Subscribe(key string, fn func(StorageEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.subs[key] == nil {
		n.subs[key] = make(map[uint64]func(StorageEvent))
	}
	n.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[key], id)
			if len(n.subs[key]) == 0 {
				delete(n.subs, key)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions for key.
func (n *Notifier) Subscribers(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[key])
}

// Close stops the watcher and drops every subscription.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.subs = make(map[string]map[uint64]func(StorageEvent))
	n.mu.Unlock()

	err := n.watcher.Close()
	<-n.done
	return err
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
