package binding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/omnistore/internal/sqlengine"
	"github.com/roach88/omnistore/internal/syncstore"
)

func readyEngine(t *testing.T, s *Scope) *RelationalBinding {
	t.Helper()
	b := BindRelationalEngine(s)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.WaitReady(ctx))
	require.True(t, b.Ready())
	return b
}

func TestRelational_NotesRoundTrip(t *testing.T) {
	e := newEnv(t)
	c := e.open()
	ctx := context.Background()

	s := c.NewScope()
	db := readyEngine(t, s)
	_, err := db.Execute(ctx, "CREATE TABLE notes(id INTEGER PRIMARY KEY, content TEXT)")
	require.NoError(t, err)
	_, err = db.Execute(ctx, "INSERT INTO notes(content) VALUES (?)", "first note")
	require.NoError(t, err)
	require.NoError(t, db.Persist(ctx))
	require.NoError(t, s.Close())

	fresh := readyEngine(t, e.scope(e.open()))
	res, err := fresh.Execute(ctx, "SELECT * FROM notes")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "first note"}}, res.Values)

	_, found := e.kvGet(c, sqlengine.DefaultImageKey)
	assert.True(t, found, "image lives in the async store")
}

func TestRelational_NotDurableWithoutPersist(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s := e.open().NewScope()
	db := readyEngine(t, s)
	require.NoError(t, db.ExecScript(ctx, "CREATE TABLE t(x); INSERT INTO t VALUES (1);"))
	require.NoError(t, s.Close())

	fresh := readyEngine(t, e.scope(e.open()))
	_, err := fresh.Execute(ctx, "SELECT * FROM t")
	assert.True(t, sqlengine.IsQueryError(err), "table must not exist after reload")
}

func TestRelational_ExecuteBeforeReady(t *testing.T) {
	e := newEnv(t)
	c := e.open()
	// The image load waits for the KV file, which another process holds.
	release := holdKV(t, c)

	db := BindRelationalEngine(e.scope(c))
	assert.True(t, db.Loading())
	assert.False(t, db.Ready())

	_, err := db.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, sqlengine.IsNotInitialized(err))

	release()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, db.WaitReady(ctx))
	_, err = db.Execute(ctx, "SELECT 1")
	assert.NoError(t, err)
}

func TestRelational_LegacySharedLayout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.open(WithImageLayout(ImageInShared))

	db := readyEngine(t, e.scope(c))
	require.NoError(t, db.ExecScript(ctx, "CREATE TABLE notes(id INTEGER PRIMARY KEY, content TEXT)"))
	require.NoError(t, db.Persist(ctx))

	rec, ok, err := c.Adapter(syncstore.KindShared).Read(sqlengine.DefaultImageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte('['), rec[0])

	_, found := e.kvGet(c, sqlengine.DefaultImageKey)
	assert.False(t, found)
}

func TestRelational_FaultAndReinit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.open(WithImageLayout(ImageInShared))
	shared := c.Adapter(syncstore.KindShared)
	require.NoError(t, shared.Write(sqlengine.DefaultImageKey, []int{1, 2, 3}))

	db := BindRelationalEngine(e.scope(c))
	wctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	err := db.WaitReady(wctx)
	require.Error(t, err)
	assert.Equal(t, sqlengine.StateFaulted, db.State())
	assert.Equal(t, err, db.Err())
	assert.False(t, db.Loading())

	require.NoError(t, shared.Remove(sqlengine.DefaultImageKey))
	require.NoError(t, db.Reinit(ctx))
	assert.True(t, db.Ready())
	assert.NoError(t, db.Err())
}

func TestRelational_ScopeCloseClosesEngine(t *testing.T) {
	e := newEnv(t)
	s := e.open().NewScope()
	db := readyEngine(t, s)

	require.NoError(t, s.Close())
	assert.False(t, db.Ready())

	_, err := db.Execute(context.Background(), "SELECT 1")
	assert.True(t, sqlengine.IsNotInitialized(err))
	assert.ErrorIs(t, db.Reinit(context.Background()), ErrScopeClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, db.WaitReady(ctx), ErrScopeClosed)
}
