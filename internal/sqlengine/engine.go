package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/omnistore/internal/metrics"
)

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoadingRuntime
	StateLoadingImage
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoadingRuntime:
		return "loading-runtime"
	case StateLoadingImage:
		return "loading-image"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the output of one statement. Values holds one slice per row.
type Result struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

// Engine is one in-memory relational database backed by a persisted image.
type Engine struct {
	images ImageStore
	cfg    RuntimeConfig

	mu      sync.Mutex
	state   State
	err     error
	attempt uint64
	done    chan struct{}
	closed  bool
	runtime *Runtime
	db      *sql.DB
	conn    *sql.Conn

	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics reports persists to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// New creates an uninitialized engine. Call Init before use.
func New(images ImageStore, cfg RuntimeConfig, opts ...Option) *Engine {
	e := &Engine{
		images: images,
		cfg:    cfg,
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that faulted the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Runtime returns the loaded runtime, or nil before the engine is ready.
func (e *Engine) Runtime() *Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime
}

// Done is closed when the current initialization attempt settles as ready
// or faulted.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Init loads the runtime and the stored image, or starts an empty database
// when no image exists.
//
// Calling Init on a ready engine is a no-op. Calling it while another Init
// is loading waits for that attempt. Calling it on a faulted engine starts
// a new attempt.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.state == StateReady:
		e.mu.Unlock()
		return nil
	case e.state == StateLoadingRuntime || e.state == StateLoadingImage:
		done := e.done
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return e.Err()
		}
	}
	e.attempt++
	attempt := e.attempt
	if e.state == StateFaulted {
		e.done = make(chan struct{})
	}
	e.state = StateLoadingRuntime
	e.err = nil
	e.mu.Unlock()

	rt, err := LoadRuntime(ctx, e.cfg)
	if err != nil {
		return e.fault(attempt, fmt.Errorf("load runtime: %w", err))
	}
	if !e.advance(attempt, StateLoadingImage) {
		return ErrClosed
	}

	image, ok, err := e.images.LoadImage(ctx)
	if err != nil {
		return e.fault(attempt, fmt.Errorf("load image: %w", err))
	}

	db, conn, err := rt.openMemory(ctx)
	if err != nil {
		return e.fault(attempt, err)
	}
	if !ok {
		// An empty database has no pages and cannot be serialized. A header
		// write allocates page 1.
		if _, err := conn.ExecContext(ctx, "PRAGMA user_version = 0"); err != nil {
			conn.Close()
			db.Close()
			return e.fault(attempt, fmt.Errorf("create database: %w", err))
		}
	} else {
		err = withSQLiteConn(conn, func(c *sqlite3.SQLiteConn) error {
			return c.Deserialize(image, "main")
		})
		if err == nil {
			// sqlite3_deserialize accepts any bytes; the header is only
			// checked on first read.
			var n int
			err = conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
		}
		if err != nil {
			conn.Close()
			db.Close()
			return e.fault(attempt, fmt.Errorf("deserialize image: %w", err))
		}
	}

	e.mu.Lock()
	if attempt != e.attempt || e.closed {
		e.mu.Unlock()
		conn.Close()
		db.Close()
		return ErrClosed
	}
	e.runtime, e.db, e.conn = rt, db, conn
	e.state = StateReady
	close(e.done)
	e.mu.Unlock()

	e.logger.Debug("sqlite engine ready", "version", rt.Version(), "image_bytes", len(image), "restored", ok)
	return nil
}

// advance moves a live attempt to the next loading state.
func (e *Engine) advance(attempt uint64, s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt != e.attempt || e.closed {
		return false
	}
	e.state = s
	return true
}

// fault records err for a live attempt. A stale attempt's error is returned
// to its caller but leaves the engine untouched.
func (e *Engine) fault(attempt uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt != e.attempt || e.closed {
		return err
	}
	e.state = StateFaulted
	e.err = err
	close(e.done)
	e.logger.Error("sqlite engine faulted", "error", err)
	return err
}

func (e *Engine) readyConn() (*sql.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady || e.closed {
		return nil, &NotInitializedError{State: e.state}
	}
	return e.conn, nil
}

// Execute runs one statement with positional parameters and returns its
// rows. Statements that return no rows yield an empty Result.
func (e *Engine) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	conn, err := e.readyConn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	defer rows.Close()

	res, err := scanResult(rows)
	if err != nil {
		return nil, &QueryError{SQL: query, Err: err}
	}
	return res, nil
}

func scanResult(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols, Values: [][]any{}}
	for rows.Next() {
		row := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok && !strings.EqualFold(types[i].DatabaseTypeName(), "BLOB") {
				row[i] = string(b)
			}
		}
		res.Values = append(res.Values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// ExecScript runs one or more statements separated by semicolons. No rows
// are returned.
func (e *Engine) ExecScript(ctx context.Context, script string) error {
	conn, err := e.readyConn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, script); err != nil {
		return &QueryError{SQL: script, Err: err}
	}
	return nil
}

// Export serializes the main database to an image.
func (e *Engine) Export() ([]byte, error) {
	conn, err := e.readyConn()
	if err != nil {
		return nil, err
	}

	var image []byte
	err = withSQLiteConn(conn, func(c *sqlite3.SQLiteConn) error {
		var err error
		image, err = c.Serialize("main")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return image, nil
}

// Persist writes the current database image to the image store. The image
// reflects every statement that completed before serialization began.
// On failure the engine stays usable.
func (e *Engine) Persist(ctx context.Context) error {
	image, err := e.Export()
	if err != nil {
		if IsNotInitialized(err) {
			return err
		}
		return &PersistenceError{Err: err}
	}
	if err := e.images.SaveImage(ctx, image); err != nil {
		return &PersistenceError{Err: err}
	}
	e.metrics.Persisted(len(image))
	e.logger.Debug("sqlite image persisted", "bytes", len(image))
	return nil
}

// Close discards the in-memory database. Unpersisted changes are lost.
// An Init still loading when Close is called returns ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.attempt++
	if e.state != StateReady && e.state != StateFaulted {
		close(e.done)
	}
	e.state = StateUninitialized
	conn, db := e.conn, e.db
	e.conn, e.db = nil, nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	return errors.Join(conn.Close(), db.Close())
}
