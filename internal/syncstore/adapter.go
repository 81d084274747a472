package syncstore

import (
	"errors"
	"fmt"

	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/record"
)

// Kind selects which synchronous store an Adapter addresses.
type Kind string

const (
	// KindSession is visible only within one browsing context.
	KindSession Kind = "session-scoped"

	// KindShared is shared by every context of the same origin. Writes from
	// other contexts arrive through the notifier.
	KindShared Kind = "shared-across-tabs"
)

// ParseKind validates a kind name. "session" and "shared" are accepted as
// short forms.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindSession), "session":
		return KindSession, nil
	case string(KindShared), "shared", "":
		return KindShared, nil
	default:
		return "", fmt.Errorf("invalid store kind %q: must be %s or %s", s, KindSession, KindShared)
	}
}

// WriteGuard wraps every write to the medium. It is told the key and the new
// value, nil for removals, and must call write exactly once.
type WriteGuard func(key string, value *string, write func() error) error

// Adapter is the uniform get/set primitive over one synchronous medium.
type Adapter struct {
	kind     Kind
	medium   Medium
	metrics  *metrics.Collector
	guard    WriteGuard
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithMetrics reports reads, writes and serialization failures to c.
func WithMetrics(c *metrics.Collector) AdapterOption {
	return func(a *Adapter) {
		a.metrics = c
	}
}

// WithWriteGuard routes every write through fn.
// The shared store uses it so the local notifier recognises its own writes.
func WithWriteGuard(fn WriteGuard) AdapterOption {
	return func(a *Adapter) {
		a.guard = fn
	}
}

// NewAdapter creates an adapter of the given kind over m.
func NewAdapter(kind Kind, m Medium, opts ...AdapterOption) *Adapter {
	a := &Adapter{kind: kind, medium: m}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind returns the store kind.
func (a *Adapter) Kind() Kind {
	return a.kind
}

// Medium returns the underlying medium.
func (a *Adapter) Medium() Medium {
	return a.medium
}

// Read returns the stored record for key.
func (a *Adapter) Read(key string) ([]byte, bool, error) {
	a.metrics.Read(string(a.kind))
	v, ok, err := a.medium.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(v), true, nil
}

// Write encodes v and stores it under key.
// Fails with *record.SerializationError when v cannot be encoded.
func (a *Adapter) Write(key string, v any) error {
	rec, err := record.Encode(v)
	if err != nil {
		a.metrics.SerializationError(string(a.kind))
		var se *record.SerializationError
		if errors.As(err, &se) {
			return se.WithKey(key)
		}
		return err
	}
	return a.WriteRecord(key, rec)
}

// WriteRecord stores an already encoded record.
func (a *Adapter) WriteRecord(key string, rec []byte) error {
	s := string(rec)
	a.metrics.Write(string(a.kind))
	err := a.guarded(key, &s, func() error { return a.medium.Set(key, s) })
	if err != nil {
		return fmt.Errorf("%s store: %w", a.kind, err)
	}
	return nil
}

// Remove deletes key.
func (a *Adapter) Remove(key string) error {
	a.metrics.Write(string(a.kind))
	err := a.guarded(key, nil, func() error { return a.medium.Remove(key) })
	if err != nil {
		return fmt.Errorf("%s store: %w", a.kind, err)
	}
	return nil
}

func (a *Adapter) guarded(key string, value *string, write func() error) error {
	if a.guard == nil {
		return write()
	}
	return a.guard(key, value, write)
}

// Keys lists stored keys in sorted order.
func (a *Adapter) Keys() ([]string, error) {
	return a.medium.Keys()
}

// Load reads key and decodes it into T.
//
// An absent key yields def with a nil error. A corrupt record yields def and
// the *record.SerializationError, which callers log rather than propagate.
func Load[T any](a *Adapter, key string, def T) (T, error) {
	rec, ok, err := a.Read(key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	v, err := record.Decode[T](rec)
	if err != nil {
		a.metrics.SerializationError(string(a.kind))
		var se *record.SerializationError
		if errors.As(err, &se) {
			return def, se.WithKey(key)
		}
		return def, err
	}
	return v, nil
}
