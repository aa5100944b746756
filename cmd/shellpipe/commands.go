package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

func (a *app) newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec STATEMENT [PARAM...]",
		Short: "Run a statement and print its text output",
		Long: `Exec runs one statement and prints whatever the shell wrote in reply.
Each '?' in the statement is bound to the next PARAM.

Example:
  shellpipe exec --database app.db "INSERT INTO users(name) VALUES (?)" alice`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withShell(cmd.Context(), func(shell *shellpipe.Shell) error {
				out, err := shell.Exec(cmd.Context(), args[0], parseParams(args[1:])...)
				if err != nil {
					return err
				}
				return a.printText(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (a *app) newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query STATEMENT [PARAM...]",
		Short: "Run a query and print the rows",
		Long: `Query switches the shell to JSON output, runs the statement and prints
the rows as a table, or as JSON with --json.

Example:
  shellpipe query --database app.db "SELECT * FROM users WHERE id > ?" 10
  shellpipe query --json "SELECT sqlite_version() AS v"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withShell(cmd.Context(), func(shell *shellpipe.Shell) error {
				rows, err := shell.Query(cmd.Context(), args[0], parseParams(args[1:])...)
				if err != nil {
					return err
				}
				if a.flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), rows)
				}
				return printRows(cmd.OutOrStdout(), rows)
			})
		},
	}
}

func (a *app) newRawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw COMMAND",
		Short: "Send a command to the shell verbatim",
		Long: `Raw writes COMMAND without parameter binding. Use it for dot-commands.

Example:
  shellpipe raw --database app.db ".tables"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withShell(cmd.Context(), func(shell *shellpipe.Shell) error {
				out, err := shell.Raw(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printText(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (a *app) newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch FILE",
		Short: "Run a JSON array of statements in order",
		Long: `Batch reads a JSON array of operations from FILE ("-" for stdin) and runs
them back to back. An operation is a statement string, an array of
statement and params, or an object with "statement" and "params".
The first failure stops the batch.

Example:
  echo '["BEGIN", ["INSERT INTO t VALUES (?)", 1], "COMMIT"]' | shellpipe batch -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := readOps(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return a.withShell(cmd.Context(), func(shell *shellpipe.Shell) error {
				results, err := shell.Batch(cmd.Context(), ops...)
				if a.flags.jsonOutput {
					if printErr := printJSON(cmd.OutOrStdout(), results); printErr != nil {
						return printErr
					}
				} else {
					for i, out := range results {
						fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", i, out)
					}
				}
				return err
			})
		},
	}
}

// readOps decodes the batch file at path, or stdin for "-".
func readOps(stdin io.Reader, path string) ([]shellpipe.Op, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}

	var ops []shellpipe.Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}
	return ops, nil
}

func (a *app) printText(w io.Writer, out string) error {
	if a.flags.jsonOutput {
		return printJSON(w, map[string]string{"output": out})
	}
	if out == "" {
		return nil
	}
	_, err := fmt.Fprintln(w, out)
	return err
}
