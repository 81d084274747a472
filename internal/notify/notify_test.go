package notify

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/omnistore/internal/syncstore"
)

// tab is one simulated browsing context over a shared directory.
type tab struct {
	adapter  *syncstore.Adapter
	notifier *Notifier
}

func newTab(t *testing.T, dir string) *tab {
	t.Helper()
	m, err := syncstore.NewDirMedium(dir)
	require.NoError(t, err)
	n, err := New(m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return &tab{
		adapter:  syncstore.NewAdapter(syncstore.KindShared, m, syncstore.WithWriteGuard(n.Guard)),
		notifier: n,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []StorageEvent
}

func (r *recorder) record(ev StorageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []StorageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StorageEvent(nil), r.events...)
}

func TestNotifier_ExternalWriteDelivered(t *testing.T) {
	dir := t.TempDir()
	a := newTab(t, dir)
	b := newTab(t, dir)

	rec := &recorder{}
	b.notifier.Subscribe("count", rec.record)

	require.NoError(t, a.adapter.Write("count", 3))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := rec.snapshot()[0]
	assert.Equal(t, "count", ev.Key)
	assert.Nil(t, ev.OldValue)
	require.NotNil(t, ev.NewValue)
	assert.Equal(t, "3", *ev.NewValue)
}

func TestNotifier_OwnWritesNotDelivered(t *testing.T) {
	dir := t.TempDir()
	a := newTab(t, dir)

	rec := &recorder{}
	a.notifier.Subscribe("count", rec.record)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.adapter.Write("count", i))
	}

	assert.Never(t, func() bool { return len(rec.snapshot()) > 0 }, 300*time.Millisecond, 10*time.Millisecond)
}

func TestNotifier_RemovalDeliversNil(t *testing.T) {
	dir := t.TempDir()
	a := newTab(t, dir)
	b := newTab(t, dir)
	require.NoError(t, a.adapter.Write("theme", "dark"))

	rec := &recorder{}
	b.notifier.Subscribe("theme", rec.record)

	// Wait until b has caught up with the first write before removing.
	require.Eventually(t, func() bool {
		b.notifier.mu.Lock()
		defer b.notifier.mu.Unlock()
		return b.notifier.known["theme"] != nil
	}, 5*time.Second, 10*time.Millisecond)
	before := len(rec.snapshot())

	require.NoError(t, a.adapter.Remove("theme"))

	require.Eventually(t, func() bool {
		evs := rec.snapshot()
		return len(evs) > before && evs[len(evs)-1].NewValue == nil
	}, 5*time.Second, 10*time.Millisecond)
	last := rec.snapshot()[len(rec.snapshot())-1]
	require.NotNil(t, last.OldValue)
	assert.Equal(t, `"dark"`, *last.OldValue)
}

func TestNotifier_FiltersByKey(t *testing.T) {
	dir := t.TempDir()
	a := newTab(t, dir)
	b := newTab(t, dir)

	other := &recorder{}
	watched := &recorder{}
	b.notifier.Subscribe("other", other.record)
	b.notifier.Subscribe("watched", watched.record)

	require.NoError(t, a.adapter.Write("watched", true))

	require.Eventually(t, func() bool { return len(watched.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, other.snapshot())
}

func TestNotifier_Unsubscribe(t *testing.T) {
	dir := t.TempDir()
	b := newTab(t, dir)

	rec := &recorder{}
	unsubscribe := b.notifier.Subscribe("k", rec.record)
	assert.Equal(t, 1, b.notifier.Subscribers("k"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.notifier.Subscribers("k"))

	v := "1"
	b.notifier.Emit(StorageEvent{Key: "k", NewValue: &v})
	assert.Empty(t, rec.snapshot())
}

func TestNotifier_EmitSuppressesKnownContent(t *testing.T) {
	b := newTab(t, t.TempDir())

	rec := &recorder{}
	b.notifier.Subscribe("k", rec.record)

	v := "1"
	b.notifier.Observe("k", &v)
	b.notifier.Emit(StorageEvent{Key: "k", NewValue: &v})
	assert.Empty(t, rec.snapshot())

	w := "2"
	b.notifier.Emit(StorageEvent{Key: "k", NewValue: &w})
	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, "1", *rec.snapshot()[0].OldValue)
}

func TestNotifier_CloseIdempotent(t *testing.T) {
	m, err := syncstore.NewDirMedium(t.TempDir())
	require.NoError(t, err)
	n, err := New(m)
	require.NoError(t, err)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	v := "x"
	assert.NotPanics(t, func() { n.Emit(StorageEvent{Key: "k", NewValue: &v}) })
}

func TestNotifier_LongKeyDelivered(t *testing.T) {
	dir := t.TempDir()
	a := newTab(t, dir)
	b := newTab(t, dir)

	key := strings.Repeat("k", 200)
	rec := &recorder{}
	b.notifier.Subscribe(key, rec.record)

	require.NoError(t, a.adapter.Write(key, 5))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := rec.snapshot()[0]
	assert.Equal(t, key, ev.Key)
	require.NotNil(t, ev.NewValue)
	assert.Equal(t, "5", *ev.NewValue)

	require.NoError(t, a.adapter.Remove(key))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, rec.snapshot()[1].NewValue)
}

func TestNotifier_GuardHoldsBackReconcile(t *testing.T) {
	m, err := syncstore.NewDirMedium(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Set("theme", `"light"`))
	n, err := New(m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	rec := &recorder{}
	n.Subscribe("theme", rec.record)

	dark := `"dark"`
	reconciled := make(chan struct{})
	err = n.Guard("theme", &dark, func() error {
		// A reconcile for an earlier change starts while the write is in flight.
		go func() {
			n.reconcile("theme")
			close(reconciled)
		}()
		select {
		case <-reconciled:
			t.Error("reconcile read the file during a guarded write")
		case <-time.After(50 * time.Millisecond):
		}
		return m.Set("theme", dark)
	})
	require.NoError(t, err)

	select {
	case <-reconciled:
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile never ran")
	}
	// Give the watcher time to report the write itself.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "own write must not look external")
}

func TestNotifier_GuardFailureRestoresKnown(t *testing.T) {
	m, err := syncstore.NewDirMedium(t.TempDir())
	require.NoError(t, err)
	n, err := New(m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	rec := &recorder{}
	n.Subscribe("k", rec.record)

	v1, v2 := "1", "2"
	n.Observe("k", &v1)
	boom := errors.New("disk full")
	assert.ErrorIs(t, n.Guard("k", &v2, func() error { return boom }), boom)

	n.Emit(StorageEvent{Key: "k", NewValue: &v1})
	assert.Empty(t, rec.snapshot(), "content before the failed write is still known")

	n.Emit(StorageEvent{Key: "k", NewValue: &v2})
	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, "1", *rec.snapshot()[0].OldValue)
}
