package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellpipe/internal/infrastructure/config"
	"github.com/nerrad567/shellpipe/internal/infrastructure/logging"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// configEnvVar names the config file when --config is not given.
const configEnvVar = "SHELLPIPE_CONFIG"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	binary     string
	database   string
	timeout    time.Duration
	jsonOutput bool
}

// app carries state from PersistentPreRunE to the command bodies.
type app struct {
	flags globalFlags
	cfg   *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "shellpipe",
		Short: "Drive an interactive SQL shell as a query service",
		Long: `shellpipe runs a SQL shell such as sqlite3 as a child process and turns
its text interface into request/response calls. Statements are written to
the shell one at a time and each reply is delimited with sentinel commands.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}

	root.PersistentFlags().StringVar(&a.flags.configPath, "config", "", "config file (default: $"+configEnvVar+")")
	root.PersistentFlags().StringVar(&a.flags.binary, "binary", "", "shell executable (overrides shell.binary)")
	root.PersistentFlags().StringVar(&a.flags.database, "database", "", "database file for the shell (overrides shell.database)")
	root.PersistentFlags().DurationVar(&a.flags.timeout, "timeout", 0, "per-statement timeout (overrides shell.request_timeout)")
	root.PersistentFlags().BoolVar(&a.flags.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		a.newExecCmd(),
		a.newQueryCmd(),
		a.newRawCmd(),
		a.newBatchCmd(),
		a.newServeCmd(),
		a.newMigrateCmd(),
		a.newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file (if any) and applies flag overrides.
func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	path := a.flags.configPath
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.applyFlags(cfg)
	a.cfg = cfg
	return nil
}

func (a *app) applyFlags(cfg *config.Config) {
	if a.flags.binary != "" {
		cfg.Shell.Binary = a.flags.binary
	}
	if a.flags.database != "" {
		cfg.Shell.Database = a.flags.database
	}
	if a.flags.timeout > 0 {
		cfg.Shell.RequestTimeout = a.flags.timeout
	}
}

// shellConfig maps the file configuration onto shellpipe.Config.
func shellConfig(c config.ShellConfig) shellpipe.Config {
	return shellpipe.Config{
		Binary:          c.Binary,
		Database:        c.Database,
		Args:            c.Args,
		Env:             c.Env,
		WorkDir:         c.WorkDir,
		RequestTimeout:  c.RequestTimeout,
		OrphanTimeout:   c.OrphanTimeout,
		GracefulTimeout: c.GracefulTimeout,
		MaxBufferBytes:  c.MaxBufferBytes,
		MaxLineBytes:    c.MaxLineBytes,
	}
}

// openShell starts the shell for a one-shot command. Logs go to stderr so
// they do not mix with results.
func (a *app) openShell(ctx context.Context) (*shellpipe.Shell, error) {
	logCfg := a.cfg.Logging
	logCfg.Output = "stderr"
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	log := logging.New(logCfg, version)

	shell, err := shellpipe.Open(ctx, shellConfig(a.cfg.Shell), shellpipe.WithLogger(log.With("component", "shell")))
	if err != nil {
		return nil, fmt.Errorf("opening shell: %w", err)
	}
	if err := shell.Err(); err != nil {
		return nil, err
	}
	return shell, nil
}

// withShell opens a shell, runs fn, then closes the shell.
func (a *app) withShell(ctx context.Context, fn func(*shellpipe.Shell) error) (err error) {
	shell, err := a.openShell(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := shell.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing shell: %w", closeErr)
		}
	}()
	return fn(shell)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shellpipe %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
