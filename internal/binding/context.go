package binding

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/notify"
	"github.com/roach88/omnistore/internal/sqlengine"
	"github.com/roach88/omnistore/internal/syncstore"
)

// DefaultOrigin is used when a Profile names no origin.
const DefaultOrigin = "default"

// DefaultDatabase is the async KV database name.
const DefaultDatabase = "omnistore-db"

// Profile is the on-disk root every Context of one user shares.
type Profile struct {
	Root   string
	Origin string
}

func (p Profile) origin() string {
	if p.Origin == "" {
		return DefaultOrigin
	}
	return p.Origin
}

// SharedDir is the directory of the shared-across-tabs store.
func (p Profile) SharedDir() string {
	return filepath.Join(p.Root, "shared", url.PathEscape(p.origin()))
}

// KVPath is the file of the named async KV database.
func (p Profile) KVPath(database string) string {
	if database == "" {
		database = DefaultDatabase
	}
	return filepath.Join(p.Root, "kv", url.PathEscape(p.origin()), database+".db")
}

// ImageLayout selects where the relational image is persisted.
type ImageLayout string

const (
	// ImageInKV stores the image as one value in the async KV store.
	ImageInKV ImageLayout = "kv"

	// ImageInShared stores the image as a JSON byte array in the shared
	// synchronous store, the layout of older profiles.
	ImageInShared ImageLayout = "shared"
)

// Context is one browsing context. Contexts over the same Profile see each
// other's shared-store writes through their notifiers.
type Context struct {
	id      string
	profile Profile

	session  *syncstore.Adapter
	shared   *syncstore.Adapter
	notifier *notify.Notifier

	registry  *kvstore.Registry
	kvOpts    kvstore.Options
	images    sqlengine.ImageStore
	layout    ImageLayout
	imageKey  string
	runtime   sqlengine.RuntimeConfig
	sessionMd syncstore.Medium

	ids     IDGenerator
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	closed bool
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the logger used by the context and its bindings.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *Context) {
		c.logger = l
	}
}

// WithMetrics reports backend traffic to m.
func WithMetrics(m *metrics.Collector) ContextOption {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithRegistry shares async KV handles through r instead of the
// process-wide registry.
func WithRegistry(r *kvstore.Registry) ContextOption {
	return func(c *Context) {
		c.registry = r
	}
}

// WithKVOptions overrides the async KV database options. An empty Path is
// filled from the profile.
func WithKVOptions(opts kvstore.Options) ContextOption {
	return func(c *Context) {
		c.kvOpts = opts
	}
}

// WithRuntimeConfig configures the relational engine runtime.
func WithRuntimeConfig(cfg sqlengine.RuntimeConfig) ContextOption {
	return func(c *Context) {
		c.runtime = cfg
	}
}

// WithImageLayout selects where relational images are persisted.
func WithImageLayout(l ImageLayout) ContextOption {
	return func(c *Context) {
		c.layout = l
	}
}

// WithImageKey sets the key the relational image is stored under.
func WithImageKey(key string) ContextOption {
	return func(c *Context) {
		c.imageKey = key
	}
}

// WithSessionMedium hands an existing session store to the new context, as
// a duplicated tab inherits its opener's session.
func WithSessionMedium(m syncstore.Medium) ContextOption {
	return func(c *Context) {
		c.sessionMd = m
	}
}

// WithIDGenerator sets the generator for the context ID.
func WithIDGenerator(g IDGenerator) ContextOption {
	return func(c *Context) {
		c.ids = g
	}
}

// NewContext opens a browsing context over profile. Close releases the
// notifier.
func NewContext(profile Profile, opts ...ContextOption) (*Context, error) {
	c := &Context{
		profile:  profile,
		layout:   ImageInKV,
		imageKey: sqlengine.DefaultImageKey,
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if profile.Root == "" {
		return nil, errors.New("profile root is required")
	}
	if c.registry == nil {
		c.registry = kvstore.DefaultRegistry()
	}
	if c.kvOpts.Path == "" {
		c.kvOpts.Path = profile.KVPath(DefaultDatabase)
	}
	if c.sessionMd == nil {
		c.sessionMd = syncstore.NewMemoryMedium()
	}
	c.id = c.ids.Generate()
	c.logger = c.logger.With("context", c.id)

	dir, err := syncstore.NewDirMedium(profile.SharedDir())
	if err != nil {
		return nil, err
	}
	n, err := notify.New(dir, notify.WithLogger(c.logger), notify.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.notifier = n

	c.session = syncstore.NewAdapter(syncstore.KindSession, c.sessionMd, syncstore.WithMetrics(c.metrics))
	c.shared = syncstore.NewAdapter(syncstore.KindShared, dir,
		syncstore.WithMetrics(c.metrics),
		syncstore.WithWriteGuard(n.Guard),
	)

	switch c.layout {
	case ImageInKV:
		c.images = &sqlengine.KVImageStore{Registry: c.registry, Options: c.kvOpts, Key: c.imageKey}
	case ImageInShared:
		c.images = &sqlengine.SharedImageStore{Adapter: c.shared, Key: c.imageKey}
	default:
		_ = n.Close()
		return nil, fmt.Errorf("invalid image layout %q", c.layout)
	}

	c.logger.Debug("context opened", "profile", profile.Root, "origin", profile.origin())
	return c, nil
}

// ID returns the context identifier.
func (c *Context) ID() string {
	return c.id
}

// Profile returns the profile the context was opened over.
func (c *Context) Profile() Profile {
	return c.profile
}

// Adapter returns the synchronous store of the given kind.
func (c *Context) Adapter(kind syncstore.Kind) *syncstore.Adapter {
	if kind == syncstore.KindSession {
		return c.session
	}
	return c.shared
}

// SessionMedium returns the session store medium, for handing to a
// duplicated context.
func (c *Context) SessionMedium() syncstore.Medium {
	return c.sessionMd
}

// Notifier returns the shared-store change notifier.
func (c *Context) Notifier() *notify.Notifier {
	return c.notifier
}

// Registry returns the async KV registry.
func (c *Context) Registry() *kvstore.Registry {
	return c.registry
}

// KVOptions returns the async KV database options.
func (c *Context) KVOptions() kvstore.Options {
	return c.kvOpts
}

// Images returns where relational images are persisted.
func (c *Context) Images() sqlengine.ImageStore {
	return c.images
}

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Close stops the notifier. Scopes should be closed first.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Debug("context closed")
	return c.notifier.Close()
}
