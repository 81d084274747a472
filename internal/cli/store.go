package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/record"
	"github.com/roach88/omnistore/internal/syncstore"
)

// Stores addressable from the command line. The session store lives only as
// long as the process, so there is nothing to inspect in it.
const (
	StoreShared = "shared"
	StoreKV     = "kv"
)

// StoreOptions holds the store selection shared by the key commands.
type StoreOptions struct {
	*RootOptions
	Store string
}

func addStoreFlag(cmd *cobra.Command, opts *StoreOptions) {
	cmd.Flags().StringVarP(&opts.Store, "store", "s", StoreShared, "store to address (shared|kv)")
}

func (opts *StoreOptions) check() error {
	switch opts.Store {
	case StoreShared, StoreKV:
		return nil
	}
	return NewExitError(ExitCommandError,
		fmt.Sprintf("invalid store %q: must be %s or %s", opts.Store, StoreShared, StoreKV))
}

// KeyValue is the JSON payload of get and set.
type KeyValue struct {
	Store string          `json:"store"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the stored record of a key",
		Long: `Print the JSON record stored under a key.

Example:
  omnistore get theme
  omnistore get indexedDBCount --store kv --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, args[0], cmd)
		},
	}
	addStoreFlag(cmd, opts)
	return cmd
}

func runGet(ctx context.Context, opts *StoreOptions, key string, cmd *cobra.Command) (err error) {
	if err := opts.check(); err != nil {
		return err
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	var (
		rec   []byte
		found bool
	)
	if opts.Store == StoreKV {
		err = s.withKV(ctx, func(h *kvstore.Handle) error {
			var gerr error
			rec, found, gerr = h.Get(ctx, key)
			return gerr
		})
	} else {
		rec, found, err = s.ctx.Adapter(syncstore.KindShared).Read(key)
	}
	if err != nil {
		return wrapFailure("read failed", err)
	}
	if !found {
		return WrapExitError(ExitFailure, "get", &notFoundError{Store: opts.Store, Key: key})
	}

	f := s.formatter(cmd)
	if f.Format == "json" {
		return f.Success(KeyValue{Store: opts.Store, Key: key, Value: rawRecord(rec)})
	}
	return f.Success(string(rec))
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Store a JSON value under a key",
		Long: `Store a JSON value under a key. The value is stored in canonical form.

Other processes watching the shared store see the change.

Example:
  omnistore set theme '"dark"'
  omnistore set prefs '{"zoom":1.5}' --store kv`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}
	addStoreFlag(cmd, opts)
	return cmd
}

func runSet(ctx context.Context, opts *StoreOptions, key, value string, cmd *cobra.Command) (err error) {
	if err := opts.check(); err != nil {
		return err
	}
	rec, err := record.Canonicalize([]byte(value))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid value", err)
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	if opts.Store == StoreKV {
		err = s.withKV(ctx, func(h *kvstore.Handle) error {
			return h.Put(ctx, key, rec)
		})
	} else {
		err = s.ctx.Adapter(syncstore.KindShared).WriteRecord(key, rec)
	}
	if err != nil {
		return wrapFailure("write failed", err)
	}

	f := s.formatter(cmd)
	f.VerboseLog("stored %d bytes under %q", len(rec), key)
	if f.Format == "json" {
		return f.Success(KeyValue{Store: opts.Store, Key: key, Value: rawRecord(rec)})
	}
	return f.Success(string(rec))
}

// NewDelCommand creates the del command.
func NewDelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "del <key>",
		Aliases: []string{"rm"},
		Short:   "Remove a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDel(cmd.Context(), opts, args[0], cmd)
		},
	}
	addStoreFlag(cmd, opts)
	return cmd
}

func runDel(ctx context.Context, opts *StoreOptions, key string, cmd *cobra.Command) (err error) {
	if err := opts.check(); err != nil {
		return err
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	if opts.Store == StoreKV {
		err = s.withKV(ctx, func(h *kvstore.Handle) error {
			return h.Delete(ctx, key)
		})
	} else {
		err = s.ctx.Adapter(syncstore.KindShared).Remove(key)
	}
	if err != nil {
		return wrapFailure("remove failed", err)
	}

	f := s.formatter(cmd)
	if f.Format == "json" {
		return f.Success(KeyValue{Store: opts.Store, Key: key})
	}
	return f.Success(fmt.Sprintf("removed %s", key))
}

// NewKeysCommand creates the keys command.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the keys of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeys(cmd.Context(), opts, cmd)
		},
	}
	addStoreFlag(cmd, opts)
	return cmd
}

func runKeys(ctx context.Context, opts *StoreOptions, cmd *cobra.Command) (err error) {
	if err := opts.check(); err != nil {
		return err
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	var keys []string
	if opts.Store == StoreKV {
		err = s.withKV(ctx, func(h *kvstore.Handle) error {
			var kerr error
			keys, kerr = h.Keys(ctx)
			return kerr
		})
	} else {
		keys, err = s.ctx.Adapter(syncstore.KindShared).Keys()
	}
	if err != nil {
		return wrapFailure("list failed", err)
	}

	f := s.formatter(cmd)
	if f.Format == "json" {
		if keys == nil {
			keys = []string{}
		}
		return f.Success(map[string]any{"store": opts.Store, "keys": keys})
	}
	if len(keys) == 0 {
		return nil
	}
	return f.Success(strings.Join(keys, "\n"))
}

// wrapFailure marks err as an operation failure unless it already carries
// an exit code.
func wrapFailure(message string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return WrapExitError(ExitFailure, message, err)
}

// withKV opens the async store for the duration of fn.
func (s *session) withKV(ctx context.Context, fn func(*kvstore.Handle) error) error {
	h, err := s.ctx.Registry().Open(ctx, s.ctx.KVOptions())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open async store", err)
	}
	ferr := fn(h)
	if rerr := h.Release(); rerr != nil && ferr == nil {
		ferr = rerr
	}
	return ferr
}

// formatter builds the output formatter for cmd, tagged with the context ID.
func (s *session) formatter(cmd *cobra.Command) *OutputFormatter {
	f := s.opts.formatter(cmd)
	f.Context = s.ctx.ID()
	return f
}

// rawRecord returns rec for embedding in a JSON response. Records that are
// not valid JSON are embedded as strings.
func rawRecord(rec []byte) json.RawMessage {
	if json.Valid(rec) {
		return rec
	}
	quoted, _ := json.Marshal(string(rec))
	return quoted
}
