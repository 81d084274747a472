package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/omnistore/internal/binding"
	"github.com/roach88/omnistore/internal/config"
	"github.com/roach88/omnistore/internal/kvstore"
	"github.com/roach88/omnistore/internal/record"
	"github.com/roach88/omnistore/internal/sqlengine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	ConfigPath  string
	Profile     string
	Origin      string
	MetricsFile string

	// Resolved by the root command before any subcommand runs.
	Config *config.Config
	Logger *slog.Logger

	// ContextOptions are applied after the ones derived from Config when a
	// browsing context is opened.
	ContextOptions []binding.ContextOption
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the omnistore CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "omnistore",
		Short: "omnistore - browser-style storage for Go programs",
		Long: `Inspect and edit an omnistore profile from the command line.

A profile holds the shared key/value store every context sees, the async
key/value database and the persisted image of the embedded SQL database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Origin, "origin", "", "origin within the profile (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.MetricsFile, "metrics-file", "", "write prometheus metrics to this file on exit")

	// Add subcommands
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewDelCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewIncrCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSQLCommand(opts))

	return cmd
}

// resolve loads the config file, applies flag overrides and installs the
// logger. Explicit flags win over the file.
func (opts *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(opts.Format) {
		return WrapExitError(ExitCommandError, "bad flags",
			fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	flags := cmd.Flags()
	if flags.Changed("profile") {
		cfg.Profile = opts.Profile
	}
	if flags.Changed("origin") {
		cfg.Origin = opts.Origin
	}
	if flags.Changed("format") {
		cfg.Format = opts.Format
	} else {
		opts.Format = cfg.Format
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	opts.Config = cfg
	opts.Logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	opts.Logger.Debug("config resolved", "file", opts.ConfigPath, "profile", cfg.Profile, "origin", cfg.Origin)
	return nil
}

// formatter builds the output formatter for cmd.
func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Keep JSON on stdout clean
		Verbose:   opts.Verbose,
	}
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are reported once, in the selected output format.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	formatter := opts.formatter(cmd)
	if !isValidFormat(formatter.Format) {
		formatter.Format = "text"
	}
	_ = formatter.Error(errorCode(err), err.Error(), nil)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		// Unknown commands and bad arguments never reach RunE.
		return ExitCommandError
	}
	return exitErr.Code
}

// errorCode maps err to the CLIError code reported for it.
func errorCode(err error) string {
	var notFound *notFoundError
	switch {
	case errors.As(err, &notFound):
		return ErrCodeNotFound
	case config.IsValidationError(err):
		return ErrCodeConfig
	case record.IsSerializationError(err):
		return ErrCodeSerialization
	case kvstore.IsConnectionError(err):
		return ErrCodeConnection
	case sqlengine.IsQueryError(err):
		return ErrCodeQuery
	case sqlengine.IsPersistenceError(err):
		return ErrCodePersistence
	case sqlengine.IsNotInitialized(err):
		return ErrCodeNotInitialized
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitCommandError {
		return ErrCodeConfig
	}
	return ErrCodeGeneric
}

// notFoundError reports a key absent from the addressed store.
type notFoundError struct {
	Store string
	Key   string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("key %q not found in %s store", e.Key, e.Store)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
