package sqlengine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// DefaultDriverName is the database/sql driver name the runtime registers.
const DefaultDriverName = "sqlite3_omnistore"

// DefaultPragmas are applied to every connection the runtime opens.
var DefaultPragmas = []string{
	"PRAGMA foreign_keys = ON",
}

// RuntimeConfig describes how to load the engine runtime.
type RuntimeConfig struct {
	// DriverName is the name registered with database/sql.
	DriverName string

	// ResourceDir is where engine support files (extensions) are located.
	ResourceDir string

	// Extensions are loaded into every connection. Relative names are
	// resolved with LocateFile.
	Extensions []string

	// Pragmas run on every new connection. Default: DefaultPragmas.
	Pragmas []string
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.DriverName == "" {
		c.DriverName = DefaultDriverName
	}
	if c.Pragmas == nil {
		c.Pragmas = DefaultPragmas
	}
	return c
}

// LocateFile resolves an engine support file name against ResourceDir.
// Absolute names are returned unchanged.
func (c RuntimeConfig) LocateFile(name string) string {
	if filepath.IsAbs(name) || c.ResourceDir == "" {
		return name
	}
	return filepath.Join(c.ResourceDir, name)
}

// Runtime is a loaded engine runtime, shared by every Engine in the process.
type Runtime struct {
	cfg     RuntimeConfig
	version string
}

// Version returns the SQLite library version reported by the probe.
func (r *Runtime) Version() string {
	return r.version
}

// DriverName returns the registered database/sql driver name.
func (r *Runtime) DriverName() string {
	return r.cfg.DriverName
}

var (
	runtimeMu    sync.Mutex
	runtimes     = make(map[string]*Runtime)
	registered   = make(map[string]bool)
	runtimeGroup singleflight.Group
)

// LoadRuntime returns the process-wide runtime for cfg.DriverName, loading it
// on first use. Concurrent callers share one load. A successful load is
// cached for the life of the process; a failed load is not, so a later call
// can try again.
func LoadRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.withDefaults()

	runtimeMu.Lock()
	if rt, ok := runtimes[cfg.DriverName]; ok {
		runtimeMu.Unlock()
		return rt, nil
	}
	runtimeMu.Unlock()

	ch := runtimeGroup.DoChan(cfg.DriverName, func() (any, error) {
		return loadRuntime(cfg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Runtime), nil
	}
}

func loadRuntime(cfg RuntimeConfig) (*Runtime, error) {
	extensions := make([]string, 0, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		path := cfg.LocateFile(ext)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("locate extension %q: %w", ext, err)
		}
		extensions = append(extensions, path)
	}

	// sql.Register panics on duplicates, so a retried load reuses the
	// driver registered by the failed attempt.
	runtimeMu.Lock()
	if !registered[cfg.DriverName] {
		pragmas := append([]string(nil), cfg.Pragmas...)
		sql.Register(cfg.DriverName, &sqlite3.SQLiteDriver{
			Extensions: extensions,
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				for _, pragma := range pragmas {
					if _, err := conn.Exec(pragma, []driver.Value{}); err != nil {
						return fmt.Errorf("failed to execute %q: %w", pragma, err)
					}
				}
				return nil
			},
		})
		registered[cfg.DriverName] = true
	}
	runtimeMu.Unlock()

	db, err := sql.Open(cfg.DriverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open probe database: %w", err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		return nil, fmt.Errorf("probe runtime: %w", err)
	}

	rt := &Runtime{cfg: cfg, version: version}
	runtimeMu.Lock()
	runtimes[cfg.DriverName] = rt
	runtimeMu.Unlock()
	return rt, nil
}

// openMemory opens a private in-memory database pinned to one connection.
// The pool is limited to that connection so the database is never dropped
// and recreated behind the caller's back.
func (r *Runtime) openMemory(ctx context.Context) (*sql.DB, *sql.Conn, error) {
	db, err := sql.Open(r.cfg.DriverName, ":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pin memory connection: %w", err)
	}
	return db, conn, nil
}

// withSQLiteConn runs fn on the driver connection behind conn.
func withSQLiteConn(conn *sql.Conn, fn func(*sqlite3.SQLiteConn) error) error {
	return conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		return fn(c)
	})
}
