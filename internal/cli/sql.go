package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"

	"github.com/roach88/omnistore/internal/binding"
	"github.com/roach88/omnistore/internal/sqlengine"
)

// SQLOptions holds flags for the sql command.
type SQLOptions struct {
	*RootOptions
	Persist bool
	Script  bool
	Timeout time.Duration
}

// NewSQLCommand creates the sql command.
func NewSQLCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SQLOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sql <statement> [args...]",
		Short: "Run SQL against the persisted database image",
		Long: `Load the persisted database image, run one statement and print its rows.

Extra arguments bind to the statement's ? parameters as text. Changes are
discarded unless --persist is given.

Example:
  omnistore sql 'CREATE TABLE notes(id INTEGER PRIMARY KEY, content TEXT)' --persist
  omnistore sql 'INSERT INTO notes(content) VALUES (?)' 'first note' --persist
  omnistore sql 'SELECT * FROM notes' --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQL(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "store the database image afterwards")
	cmd.Flags().BoolVar(&opts.Script, "script", false, "run several statements; no rows are printed")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the engine to load")

	return cmd
}

func runSQL(ctx context.Context, opts *SQLOptions, query string, params []string, cmd *cobra.Command) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Script && len(params) > 0 {
		return NewExitError(ExitCommandError, "--script takes no statement arguments")
	}
	s, err := openSession(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	db := binding.BindRelationalEngine(s.scope)
	wctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := db.WaitReady(wctx); err != nil {
		return WrapExitError(ExitCommandError, "engine failed to load", err)
	}

	f := s.formatter(cmd)
	res := &sqlengine.Result{}
	if opts.Script {
		err = db.ExecScript(ctx, query)
	} else {
		args := make([]any, len(params))
		for i, p := range params {
			args[i] = p
		}
		res, err = db.Execute(ctx, query, args...)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "statement failed", err)
	}

	if opts.Persist {
		if err := db.Persist(ctx); err != nil {
			return WrapExitError(ExitFailure, "persist failed", err)
		}
		f.VerboseLog("database image persisted")
	}

	if f.Format == "json" {
		return f.Success(res)
	}
	if len(res.Columns) == 0 {
		return nil
	}
	writeTable(f.Writer, res)
	return nil
}

// writeTable renders res as a bordered table with a header row.
func writeTable(w io.Writer, res *sqlengine.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	// Keep column names as the statement spelled them.
	t.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(res.Columns))
	for i, c := range res.Columns {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, row := range res.Values {
		cells := make(table.Row, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		t.AppendRow(cells)
	}
	t.Render()
}

func formatCell(v any) any {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%X'", val)
	default:
		return val
	}
}
