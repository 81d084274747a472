package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/omnistore/internal/notify"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions

	// Ready, if set, is closed once every subscription is in place (tests).
	Ready chan struct{}
}

// Change is the JSON form of one external change. Value is absent when the
// key was removed.
type Change struct {
	Key      string  `json:"key"`
	OldValue *string `json:"old_value,omitempty"`
	Value    *string `json:"value,omitempty"`
	Removed  bool    `json:"removed,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <key>...",
		Short: "Print changes other processes make to shared keys",
		Long: `Print every change another process makes to the given shared keys,
one line per change, until interrupted.

Example:
  omnistore watch theme localStorageCount
  omnistore watch theme --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, args, cmd)
		},
	}
	return cmd
}

func runWatch(parent context.Context, opts *WatchOptions, keys []string, cmd *cobra.Command) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	f := s.formatter(cmd)
	n := s.ctx.Notifier()

	var mu sync.Mutex
	emit := func(ev notify.StorageEvent) {
		mu.Lock()
		defer mu.Unlock()
		if perr := printChange(f, ev); perr != nil {
			s.opts.Logger.Warn("printing change", "key", ev.Key, "error", perr)
		}
	}
	for _, key := range keys {
		s.scope.OnClose(n.Subscribe(key, emit))
	}
	s.opts.Logger.Info("watching shared keys", "keys", keys, "dir", s.ctx.Profile().SharedDir())
	if opts.Ready != nil {
		close(opts.Ready)
	}

	<-ctx.Done()
	s.opts.Logger.Debug("watch stopped", "reason", context.Cause(ctx))
	return nil
}

func printChange(f *OutputFormatter, ev notify.StorageEvent) error {
	if f.Format == "json" {
		return f.Success(Change{
			Key:      ev.Key,
			OldValue: ev.OldValue,
			Value:    ev.NewValue,
			Removed:  ev.NewValue == nil,
		})
	}
	if ev.NewValue == nil {
		return f.Success(fmt.Sprintf("%s removed", ev.Key))
	}
	return f.Success(fmt.Sprintf("%s = %s", ev.Key, *ev.NewValue))
}
