package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Path:        filepath.Join(t.TempDir(), "kv", "omnistore-db.db"),
		OpenTimeout: 100 * time.Millisecond,
		NoSync:      true,
	}
}

func openTest(t *testing.T, r *Registry, opts Options) *Handle {
	t.Helper()
	h, err := r.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })
	return h
}

// holdFile locks the database file the way another process mid-batch
// would, until the returned function is called.
func holdFile(t *testing.T, path string) func() {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	var once sync.Once
	release := func() {
		once.Do(func() { assert.NoError(t, db.Close()) })
	}
	t.Cleanup(release)
	return release
}

func TestOpen_CreatesCollection(t *testing.T) {
	opts := testOptions(t)
	h, err := NewRegistry().Open(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, h.State())
	require.NoError(t, h.Release())

	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	require.NoError(t, err)
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(DefaultCollection)) == nil {
			return errors.New("collection missing")
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestGetPut_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, NewRegistry(), testOptions(t))

	_, found, err := h.Get(ctx, "indexedDBCount")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.Put(ctx, "indexedDBCount", []byte("3")))

	v, found, err := h.Get(ctx, "indexedDBCount")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("3"), v)
}

func TestPut_Overwrites(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, NewRegistry(), testOptions(t))

	require.NoError(t, h.Put(ctx, "k", []byte(`{"a":1}`)))
	require.NoError(t, h.Put(ctx, "k", []byte(`{"b":2}`)))

	v, _, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(v), "no merge semantics")
}

func TestDeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, NewRegistry(), testOptions(t))

	require.NoError(t, h.Put(ctx, "b", []byte("1")))
	require.NoError(t, h.Put(ctx, "a", []byte("2")))

	keys, err := h.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, h.Delete(ctx, "a"))
	keys, err = h.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestOps_SubmissionOrder(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, NewRegistry(), testOptions(t))

	// Queue a read between two writes without waiting: the read must see
	// the first write and not the second.
	h.PutAsync("k", []byte("1"))
	read := h.GetAsync("k")
	last := h.PutAsync("k", []byte("2"))

	v, found, err := read.Wait(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(v))

	_, _, err = last.Wait(ctx)
	require.NoError(t, err)
	v, _, _ = h.Get(ctx, "k")
	assert.Equal(t, "2", string(v))
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	r := NewRegistry()
	h, err := r.Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, h.Put(ctx, "theme", []byte(`"dark"`)))
	require.NoError(t, h.Release())
	assert.Equal(t, StateClosed, h.State())

	h2 := openTest(t, NewRegistry(), opts)
	v, found, err := h2.Get(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `"dark"`, string(v))
}

func TestReopenSameVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	for i := 0; i < 3; i++ {
		h, err := NewRegistry().Open(ctx, opts)
		require.NoError(t, err, "open %d", i)
		require.NoError(t, h.Put(ctx, fmt.Sprintf("k%d", i), []byte("1")))
		require.NoError(t, h.Release())
	}

	h := openTest(t, NewRegistry(), opts)
	keys, err := h.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1", "k2"}, keys, "upgrade must not wipe data")
}

func TestOpen_NewerStoredVersionRejected(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.Version = 2

	h, err := NewRegistry().Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	opts.Version = 1
	_, err = NewRegistry().Open(ctx, opts)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrVersion)
}

func TestOpen_UpgradeAddsCollection(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)

	h, err := NewRegistry().Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, h.Put(ctx, "kept", []byte("1")))
	require.NoError(t, h.Release())

	opts.Version = 2
	opts.Collection = "keyval-v2"
	h2 := openTest(t, NewRegistry(), opts)
	_, found, err := h2.Get(ctx, "kept")
	require.NoError(t, err)
	assert.False(t, found, "new collection starts empty")
}

func TestOpen_BlockedByOtherHolder(t *testing.T) {
	opts := testOptions(t)
	holdFile(t, opts.Path)

	_, err := NewRegistry().Open(context.Background(), opts)
	require.Error(t, err)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Blocked)
	abs, _ := filepath.Abs(opts.Path)
	assert.Equal(t, abs, ce.Path)
}

func TestOp_BlockedWhileFileHeld(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	h := openTest(t, NewRegistry(), opts)
	require.NoError(t, h.Put(ctx, "k", []byte("1")))

	// The worker lets go of the file once idle, so a batch in another
	// process can take it. Ops queued meanwhile wait on the lock.
	release := holdFile(t, opts.Path)
	_, _, err := h.Get(ctx, "k")
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Blocked)

	release()
	v, found, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))
	assert.Equal(t, StateOpen, h.State())
}

func TestTwoRegistries_ShareFile(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.OpenTimeout = time.Second

	// Each registry stands in for a separate process holding the database.
	a := openTest(t, NewRegistry(), opts)
	b := openTest(t, NewRegistry(), opts)

	require.NoError(t, a.Put(ctx, "n", []byte("1")))
	v, found, err := b.Get(ctx, "n")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(v))

	require.NoError(t, b.Put(ctx, "n", []byte("2")))
	v, _, err = a.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v), "last write wins across holders")

	require.NoError(t, a.Delete(ctx, "n"))
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegistry_RejectsOptionsMismatch(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	opts := testOptions(t)
	h := openTest(t, r, opts)

	other := opts
	other.Version = 2
	other.Collection = "keyval-v2"
	_, err := r.Open(ctx, other)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrOptionsMismatch)
	assert.Equal(t, 1, r.Refs(h.Path()))
}

func TestOpen_UnavailableMedium(t *testing.T) {
	opts := testOptions(t)
	opts.Path = filepath.Join("/proc", "omnistore-nope", "db")

	_, err := NewRegistry().Open(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestRegistry_SharesHandle(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	opts := testOptions(t)

	h1, err := r.Open(ctx, opts)
	require.NoError(t, err)
	h2, err := r.Open(ctx, opts)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 2, r.Refs(opts.Path))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, h1.Release())
	assert.Equal(t, StateOpen, h2.State())
	require.NoError(t, h2.Release())
	assert.Equal(t, StateClosed, h2.State())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentOpens(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	opts := testOptions(t)

	const n = 20
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Open(ctx, opts)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, n, r.Refs(opts.Path))
	require.NoError(t, r.Close())
}

func TestOps_AfterCloseFail(t *testing.T) {
	h, err := NewRegistry().Open(context.Background(), testOptions(t))
	require.NoError(t, err)
	require.NoError(t, h.Release())

	_, _, err = h.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOp_WaitHonoursContext(t *testing.T) {
	op := newOp(opGet, "k", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := op.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "upgrading", StateUpgrading.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}
