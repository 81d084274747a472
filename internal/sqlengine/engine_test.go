package sqlengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/syncstore"
)

// memImages is an in-memory ImageStore with injectable failures.
type memImages struct {
	mu      sync.Mutex
	image   []byte
	ok      bool
	loadErr error
	saveErr error
	saves   int
}

func (m *memImages) LoadImage(context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	return m.image, m.ok, nil
}

func (m *memImages) SaveImage(_ context.Context, image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.image = append([]byte(nil), image...)
	m.ok = true
	m.saves++
	return nil
}

func newReady(t *testing.T, images ImageStore, opts ...Option) *Engine {
	t.Helper()
	e := New(images, RuntimeConfig{}, opts...)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func kvImages(t *testing.T) *KVImageStore {
	t.Helper()
	return NewKVImageStore(kvstore.NewRegistry(), kvstore.Options{
		Path:        filepath.Join(t.TempDir(), "kv", "omnistore-db.db"),
		OpenTimeout: 100 * time.Millisecond,
		NoSync:      true,
	})
}

func TestNotes_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	images := kvImages(t)

	first := newReady(t, images)
	require.NoError(t, first.ExecScript(ctx, "CREATE TABLE notes(id INTEGER PRIMARY KEY, content TEXT)"))
	_, err := first.Execute(ctx, "INSERT INTO notes(content) VALUES (?)", "hello")
	require.NoError(t, err)
	require.NoError(t, first.Persist(ctx))
	require.NoError(t, first.Close())

	second := newReady(t, images)
	res, err := second.Execute(ctx, "SELECT * FROM notes")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "content"}, res.Columns)
	require.Len(t, res.Values, 1)
	assert.Equal(t, []any{int64(1), "hello"}, res.Values[0])
}

func TestWithoutPersist_ChangesAreLost(t *testing.T) {
	ctx := context.Background()
	images := &memImages{}

	first := newReady(t, images)
	require.NoError(t, first.ExecScript(ctx, "CREATE TABLE t(x)"))
	require.NoError(t, first.Persist(ctx))
	_, err := first.Execute(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newReady(t, images)
	res, err := second.Execute(ctx, "SELECT count(*) AS n FROM t")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(0)}}, res.Values)
}

func TestFreshDatabase_WhenNoImage(t *testing.T) {
	e := newReady(t, &memImages{})

	assert.Equal(t, StateReady, e.State())
	res, err := e.Execute(context.Background(), "SELECT name FROM sqlite_master")
	require.NoError(t, err)
	assert.Empty(t, res.Values)
	assert.NotEmpty(t, e.Runtime().Version())
}

func TestExecute_BeforeInit(t *testing.T) {
	e := New(&memImages{}, RuntimeConfig{})

	_, err := e.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, IsNotInitialized(err))

	var ne *NotInitializedError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, StateUninitialized, ne.State)

	assert.True(t, IsNotInitialized(e.Persist(context.Background())))
}

func TestExecute_QueryError(t *testing.T) {
	e := newReady(t, &memImages{})
	ctx := context.Background()

	_, err := e.Execute(ctx, "SELEC nonsense")
	require.Error(t, err)
	assert.True(t, IsQueryError(err))

	require.NoError(t, e.ExecScript(ctx, "CREATE TABLE u(id INTEGER PRIMARY KEY, name TEXT UNIQUE)"))
	_, err = e.Execute(ctx, "INSERT INTO u(name) VALUES (?)", "a")
	require.NoError(t, err)
	_, err = e.Execute(ctx, "INSERT INTO u(name) VALUES (?)", "a")
	assert.True(t, IsQueryError(err), "constraint violation")

	err = e.ExecScript(ctx, "CREATE TABLE v(x); BROKEN;")
	assert.True(t, IsQueryError(err))
}

func TestExecute_ColumnTypes(t *testing.T) {
	e := newReady(t, &memImages{})
	ctx := context.Background()

	require.NoError(t, e.ExecScript(ctx, "CREATE TABLE m(i INTEGER, r REAL, s TEXT, b BLOB, n)"))
	_, err := e.Execute(ctx, "INSERT INTO m VALUES (?, ?, ?, ?, ?)", 7, 1.5, "txt", []byte{0, 1}, nil)
	require.NoError(t, err)

	res, err := e.Execute(ctx, "SELECT i, r, s, b, n FROM m")
	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.Equal(t, []any{int64(7), 1.5, "txt", []byte{0, 1}, nil}, res.Values[0])
}

func TestExecScript_MultipleStatements(t *testing.T) {
	e := newReady(t, &memImages{})
	ctx := context.Background()

	require.NoError(t, e.ExecScript(ctx, `
		CREATE TABLE a(x);
		INSERT INTO a VALUES (1);
		INSERT INTO a VALUES (2);
	`))

	res, err := e.Execute(ctx, "SELECT sum(x) FROM a")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(3)}}, res.Values)
}

func TestPersist_FailureKeepsEngineUsable(t *testing.T) {
	ctx := context.Background()
	images := &memImages{saveErr: errors.New("quota exceeded")}
	e := newReady(t, images)

	require.NoError(t, e.ExecScript(ctx, "CREATE TABLE t(x)"))
	err := e.Persist(ctx)
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.ErrorContains(t, err, "quota exceeded")

	_, err = e.Execute(ctx, "INSERT INTO t VALUES (1)")
	assert.NoError(t, err)
	assert.Equal(t, StateReady, e.State())
}

func TestInit_LoadFailureFaults(t *testing.T) {
	images := &memImages{loadErr: errors.New("medium unavailable")}
	e := New(images, RuntimeConfig{})
	t.Cleanup(func() { _ = e.Close() })

	err := e.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFaulted, e.State())
	assert.ErrorContains(t, e.Err(), "medium unavailable")

	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after fault")
	}

	// No automatic retry; the caller re-initializes.
	images.mu.Lock()
	images.loadErr = nil
	images.mu.Unlock()

	require.NoError(t, e.Init(context.Background()))
	assert.Equal(t, StateReady, e.State())
	assert.NoError(t, e.Err())
}

func TestInit_CorruptImageFaults(t *testing.T) {
	images := &memImages{image: []byte("definitely not a database image"), ok: true}
	e := New(images, RuntimeConfig{})
	t.Cleanup(func() { _ = e.Close() })

	err := e.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFaulted, e.State())

	_, err = e.Execute(context.Background(), "SELECT 1")
	assert.True(t, IsNotInitialized(err))
}

func TestInit_Idempotent(t *testing.T) {
	images := &memImages{}
	e := newReady(t, images)
	ctx := context.Background()

	require.NoError(t, e.ExecScript(ctx, "CREATE TABLE keep(x)"))
	require.NoError(t, e.Init(ctx))

	_, err := e.Execute(ctx, "SELECT * FROM keep")
	assert.NoError(t, err, "second Init must not reload the image")
}

func TestInit_Concurrent(t *testing.T) {
	e := New(&memImages{}, RuntimeConfig{})
	t.Cleanup(func() { _ = e.Close() })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Init(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateReady, e.State())
}

func TestClose(t *testing.T) {
	e := newReady(t, &memImages{})

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Init(context.Background()), ErrClosed)
	_, err := e.Execute(context.Background(), "SELECT 1")
	assert.True(t, IsNotInitialized(err))
}

func TestPersist_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	images := &memImages{}
	e := newReady(t, images, WithMetrics(m))

	require.NoError(t, e.Persist(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Persists))
	assert.Equal(t, float64(len(images.image)), testutil.ToFloat64(m.ImageBytes))
}

func TestSharedImageStore_LegacyLayout(t *testing.T) {
	ctx := context.Background()
	adapter := syncstore.NewAdapter(syncstore.KindShared, syncstore.NewMemoryMedium())
	images := &SharedImageStore{Adapter: adapter}

	e := newReady(t, images)
	require.NoError(t, e.ExecScript(ctx, "CREATE TABLE notes(id INTEGER PRIMARY KEY, content TEXT)"))
	require.NoError(t, e.Persist(ctx))

	rec, ok, err := adapter.Read(DefaultImageKey)
	require.NoError(t, err)
	require.True(t, ok)
	// "SQLite format 3" header as a number array.
	assert.Regexp(t, `^\[83,81,76,105,116,101,`, string(rec))

	reloaded := newReady(t, images)
	res, err := reloaded.Execute(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"notes"}}, res.Values)
}

func TestSharedImageStore_RejectsOutOfRange(t *testing.T) {
	adapter := syncstore.NewAdapter(syncstore.KindShared, syncstore.NewMemoryMedium())
	require.NoError(t, adapter.Write(DefaultImageKey, []int{1, 300}))

	_, _, err := (&SharedImageStore{Adapter: adapter}).LoadImage(context.Background())
	assert.ErrorContains(t, err, "out of range")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "loading-runtime", StateLoadingRuntime.String())
	assert.Equal(t, "loading-image", StateLoadingImage.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "State(42)", State(42).String())
}
