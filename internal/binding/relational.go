package binding

import (
	"context"

	"github.com/roach88/omnistore/internal/sqlengine"
)

// RelationalBinding exposes an embedded relational engine to one scope.
type RelationalBinding struct {
	scope  *Scope
	engine *sqlengine.Engine
}

// BindRelationalEngine creates an engine over the context's image store and
// starts initializing it in the background. The engine is closed with the
// scope; statements not persisted by then are lost.
func BindRelationalEngine(s *Scope) *RelationalBinding {
	c := s.c
	e := sqlengine.New(c.images, c.runtime,
		sqlengine.WithLogger(c.logger),
		sqlengine.WithMetrics(c.metrics),
	)
	b := &RelationalBinding{scope: s, engine: e}

	go b.init()
	s.OnClose(func() {
		if err := e.Close(); err != nil {
			c.logger.Warn("closing relational engine", "error", err)
		}
	})
	return b
}

func (b *RelationalBinding) init() {
	// Failures are kept by the engine and read through Err.
	_ = b.engine.Init(b.scope.ctx)
}

// Ready reports whether statements can be executed.
func (b *RelationalBinding) Ready() bool {
	return b.engine.State() == sqlengine.StateReady
}

// Loading reports whether initialization is still running.
func (b *RelationalBinding) Loading() bool {
	switch b.engine.State() {
	case sqlengine.StateUninitialized, sqlengine.StateLoadingRuntime, sqlengine.StateLoadingImage:
		return b.scope.Alive()
	}
	return false
}

// State returns the engine lifecycle state.
func (b *RelationalBinding) State() sqlengine.State {
	return b.engine.State()
}

// Err returns the error that faulted the engine, if any.
func (b *RelationalBinding) Err() error {
	return b.engine.Err()
}

// WaitReady blocks until initialization settles and returns its error.
func (b *RelationalBinding) WaitReady(ctx context.Context) error {
	if !b.scope.Alive() {
		return ErrScopeClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.scope.Done():
		return ErrScopeClosed
	case <-b.engine.Done():
		return b.engine.Err()
	}
}

// Reinit starts a new initialization attempt after a fault.
func (b *RelationalBinding) Reinit(ctx context.Context) error {
	if !b.scope.Alive() {
		return ErrScopeClosed
	}
	return b.engine.Init(ctx)
}

// Execute runs one statement. Before the engine is ready it fails with
// *sqlengine.NotInitializedError.
func (b *RelationalBinding) Execute(ctx context.Context, query string, args ...any) (*sqlengine.Result, error) {
	return b.engine.Execute(ctx, query, args...)
}

// ExecScript runs several statements.
func (b *RelationalBinding) ExecScript(ctx context.Context, script string) error {
	return b.engine.ExecScript(ctx, script)
}

// Persist writes the database image to storage.
func (b *RelationalBinding) Persist(ctx context.Context) error {
	return b.engine.Persist(ctx)
}

// Export returns the current database image without storing it.
func (b *RelationalBinding) Export() ([]byte, error) {
	return b.engine.Export()
}
