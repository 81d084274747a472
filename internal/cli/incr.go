package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/omnistore/internal/binding"
	"github.com/roach88/omnistore/internal/syncstore"
)

// IncrOptions holds flags for the incr command.
type IncrOptions struct {
	StoreOptions
	By      int64
	Timeout time.Duration
}

// NewIncrCommand creates the incr command.
func NewIncrCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncrOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "incr <key>",
		Short: "Increment a numeric counter",
		Long: `Increment the integer stored under a key, starting from 0.

A value that does not decode as an integer is treated as absent and
replaced.

Example:
  omnistore incr localStorageCount
  omnistore incr indexedDBCount --store kv --by 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncr(cmd.Context(), opts, args[0], cmd)
		},
	}
	addStoreFlag(cmd, &opts.StoreOptions)
	cmd.Flags().Int64Var(&opts.By, "by", 1, "amount to add")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the async store")
	return cmd
}

func runIncr(ctx context.Context, opts *IncrOptions, key string, cmd *cobra.Command) (err error) {
	if err := opts.check(); err != nil {
		return err
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	add := binding.Transform(func(n int64) int64 { return n + opts.By })

	var value int64
	if opts.Store == StoreKV {
		value, err = incrAsync(ctx, s, key, add, opts.Timeout)
	} else {
		b := binding.BindSync(s.scope, syncstore.KindShared, key, int64(0))
		err = b.Set(add)
		value = b.Value()
	}
	if err != nil {
		return wrapFailure("increment failed", err)
	}

	f := s.formatter(cmd)
	if f.Format == "json" {
		return f.Success(map[string]any{"store": opts.Store, "key": key, "value": value})
	}
	return f.Success(fmt.Sprint(value))
}

// incrAsync waits for the stored value before applying add, so the update
// builds on it rather than on the default.
func incrAsync(ctx context.Context, s *session, key string, add binding.Update[int64], timeout time.Duration) (int64, error) {
	b := binding.BindAsyncKV(s.scope, key, int64(0))

	wait := time.NewTimer(timeout)
	defer wait.Stop()
	select {
	case <-b.Hydrated():
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-wait.C:
		return 0, fmt.Errorf("async store not ready after %s", timeout)
	}
	if err := b.Err(); err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to open async store", err)
	}

	if err := b.Set(add); err != nil {
		return 0, err
	}
	// Closing the scope flushes the queued write.
	if err := s.scope.Close(); err != nil {
		return 0, err
	}
	return b.Value(), b.Err()
}
