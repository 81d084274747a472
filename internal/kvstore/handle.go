package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/omnistore/internal/metrics"
	"github.com/roach88/omnistore/internal/queue"
)

// DefaultCollection is the object collection created on first open.
const DefaultCollection = "keyval"

// DefaultOpenTimeout bounds how long Open waits for another process to
// release the file.
const DefaultOpenTimeout = time.Second

// DefaultIdleClose is how long the file stays locked after the last queued
// operation ran.
const DefaultIdleClose = 25 * time.Millisecond

var (
	metaBucket = []byte("__meta__")
	versionKey = []byte("version")
)

// State is the lifecycle state of a database handle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateUpgrading
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options describe one database.
type Options struct {
	// Path is the database file.
	Path string

	// Collection is the single object collection. Default: "keyval".
	Collection string

	// Version is the schema version. Default: 1.
	Version int

	// OpenTimeout bounds waiting for a lock held by another process.
	OpenTimeout time.Duration

	// IdleClose is how long the worker keeps the file open once the queue
	// is empty. Other processes can open the database in between.
	// Default: DefaultIdleClose.
	IdleClose time.Duration

	// NoSync skips fsync on commit. Tests only.
	NoSync bool
}

func (o Options) withDefaults() Options {
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.Version <= 0 {
		o.Version = 1
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.IdleClose <= 0 {
		o.IdleClose = DefaultIdleClose
	}
	return o
}

type opKind int

const (
	opGet opKind = iota + 1
	opPut
	opDelete
	opKeys
)

// Op is one queued operation. Its result is available once Done is closed.
type Op struct {
	kind  opKind
	key   string
	value []byte

	done   chan struct{}
	result []byte
	keys   []string
	found  bool
	err    error
}

func newOp(kind opKind, key string, value []byte) *Op {
	return &Op{kind: kind, key: key, value: value, done: make(chan struct{})}
}

func (o *Op) finish(err error) {
	o.err = err
	close(o.done)
}

// Done is closed when the operation has completed.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation completes or ctx is done.
// For Get, found reports whether the key existed.
func (o *Op) Wait(ctx context.Context) (value []byte, found bool, err error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-o.done:
		return o.result, o.found, o.err
	}
}

// Handle is an open database shared by every holder in the process.
//
// bbolt locks the file for as long as it is open, so the worker only keeps
// it open while operations are queued. A handle held for a long time does
// not lock other processes out.
type Handle struct {
	path     string
	opts     Options
	registry *Registry
	refs     int // guarded by registry.mu

	// db is nil while the file is released. Owned by the worker once it
	// has started.
	db       *bolt.DB
	closeErr error

	ops  *queue.Queue[*Op]
	done chan struct{}

	mu    sync.Mutex
	state State

	logger  *slog.Logger
	metrics *metrics.Collector
}

func openHandle(path string, opts Options, logger *slog.Logger, m *metrics.Collector) (*Handle, error) {
	h := &Handle{
		path:    path,
		opts:    opts,
		ops:     queue.New[*Op](),
		done:    make(chan struct{}),
		state:   StateOpening,
		logger:  logger,
		metrics: m,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		h.setState(StateClosed)
		return nil, &ConnectionError{Path: path, Err: err}
	}

	if err := h.openDB(); err != nil {
		h.setState(StateClosed)
		return nil, err
	}

	if err := h.upgrade(); err != nil {
		_ = h.db.Close()
		h.setState(StateClosed)
		return nil, &ConnectionError{Path: path, Err: err}
	}

	h.setState(StateOpen)
	go h.run()
	return h, nil
}

// upgrade creates the collection when the stored schema version is older
// than the requested one. Opening at the stored version changes nothing.
func (h *Handle) upgrade() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("meta bucket: %w", err)
		}

		stored := 0
		if v := meta.Get(versionKey); len(v) == 8 {
			stored = int(binary.BigEndian.Uint64(v))
		}

		switch {
		case stored > h.opts.Version:
			return fmt.Errorf("%w: stored %d, requested %d", ErrVersion, stored, h.opts.Version)
		case stored == h.opts.Version:
			if tx.Bucket([]byte(h.opts.Collection)) == nil {
				return fmt.Errorf("collection %q missing at version %d", h.opts.Collection, stored)
			}
			return nil
		}

		h.setState(StateUpgrading)
		h.logger.Info("upgrading kv schema", "path", h.path, "from", stored, "to", h.opts.Version)
		if _, err := tx.CreateBucketIfNotExists([]byte(h.opts.Collection)); err != nil {
			return fmt.Errorf("create collection %q: %w", h.opts.Collection, err)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(h.opts.Version))
		return meta.Put(versionKey, buf)
	})
}

// openDB locks and maps the file unless it is already open.
func (h *Handle) openDB() error {
	if h.db != nil {
		return nil
	}
	db, err := bolt.Open(h.path, 0o600, &bolt.Options{Timeout: h.opts.OpenTimeout, NoSync: h.opts.NoSync})
	if err != nil {
		return &ConnectionError{Path: h.path, Blocked: errors.Is(err, bolt.ErrTimeout), Err: err}
	}
	h.db = db
	return nil
}

// releaseDB closes the file so other processes can open it.
func (h *Handle) releaseDB() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", h.path, err)
	}
	return nil
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Path returns the database file path.
func (h *Handle) Path() string {
	return h.path
}

// run is the single worker executing queued operations in order. The file
// is released once the queue has been empty for IdleClose.
func (h *Handle) run() {
	defer close(h.done)
	idle := time.NewTimer(h.opts.IdleClose)
	defer idle.Stop()

	for {
		if op, ok := h.ops.TryPop(); ok {
			h.apply(op)
			idle.Reset(h.opts.IdleClose)
			continue
		}
		if h.ops.Drained() {
			h.closeErr = h.releaseDB()
			return
		}
		select {
		case <-h.ops.Wait():
		case <-idle.C:
			if err := h.releaseDB(); err != nil {
				h.logger.Warn("releasing kv database", "path", h.path, "error", err)
			}
		}
	}
}

func (h *Handle) apply(op *Op) {
	if err := h.openDB(); err != nil {
		op.finish(err)
		return
	}
	collection := []byte(h.opts.Collection)

	switch op.kind {
	case opGet:
		h.metrics.Read(metrics.BackendKV)
		op.finish(h.db.View(func(tx *bolt.Tx) error {
			b, err := h.bucket(tx, collection)
			if err != nil {
				return err
			}
			if v := b.Get([]byte(op.key)); v != nil {
				op.result = bytes.Clone(v)
				op.found = true
			}
			return nil
		}))
	case opPut:
		h.metrics.Write(metrics.BackendKV)
		op.finish(h.db.Update(func(tx *bolt.Tx) error {
			b, err := h.bucket(tx, collection)
			if err != nil {
				return err
			}
			return b.Put([]byte(op.key), op.value)
		}))
	case opDelete:
		h.metrics.Write(metrics.BackendKV)
		op.finish(h.db.Update(func(tx *bolt.Tx) error {
			b, err := h.bucket(tx, collection)
			if err != nil {
				return err
			}
			return b.Delete([]byte(op.key))
		}))
	case opKeys:
		op.finish(h.db.View(func(tx *bolt.Tx) error {
			b, err := h.bucket(tx, collection)
			if err != nil {
				return err
			}
			op.keys = []string{}
			return b.ForEach(func(k, _ []byte) error {
				op.keys = append(op.keys, string(k))
				return nil
			})
		}))
	default:
		op.finish(fmt.Errorf("unknown op kind %d", op.kind))
	}
}

// bucket returns the collection. It can only be missing if another process
// replaced the file since this handle upgraded it.
func (h *Handle) bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, &ConnectionError{Path: h.path, Err: fmt.Errorf("collection %q missing", name)}
	}
	return b, nil
}

func (h *Handle) submit(op *Op) *Op {
	if !h.ops.Push(op) {
		op.finish(ErrClosed)
	}
	return op
}

// GetAsync queues a read of key.
func (h *Handle) GetAsync(key string) *Op {
	return h.submit(newOp(opGet, key, nil))
}

// PutAsync queues an unconditional overwrite of key.
func (h *Handle) PutAsync(key string, value []byte) *Op {
	return h.submit(newOp(opPut, key, bytes.Clone(value)))
}

// DeleteAsync queues removal of key.
func (h *Handle) DeleteAsync(key string) *Op {
	return h.submit(newOp(opDelete, key, nil))
}

// Get reads key, blocking until the worker has run the read.
func (h *Handle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return h.GetAsync(key).Wait(ctx)
}

// Put overwrites key, blocking until committed.
func (h *Handle) Put(ctx context.Context, key string, value []byte) error {
	_, _, err := h.PutAsync(key, value).Wait(ctx)
	return err
}

// Delete removes key, blocking until committed.
func (h *Handle) Delete(ctx context.Context, key string) error {
	_, _, err := h.DeleteAsync(key).Wait(ctx)
	return err
}

// Keys lists every key in the collection in byte order.
func (h *Handle) Keys(ctx context.Context) ([]string, error) {
	op := h.submit(newOp(opKeys, "", nil))
	if _, _, err := op.Wait(ctx); err != nil {
		return nil, err
	}
	return op.keys, nil
}

// Release drops one reference. The last release closes the database after
// the queued operations have run.
func (h *Handle) Release() error {
	if h.registry == nil {
		return h.close()
	}
	return h.registry.release(h)
}

func (h *Handle) close() error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	h.mu.Unlock()

	h.ops.Close()
	<-h.done
	return h.closeErr
}
