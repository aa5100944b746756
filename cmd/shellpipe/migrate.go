package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellpipe/internal/infrastructure/database"
	"github.com/nerrad567/shellpipe/migrations"
)

func (a *app) newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the journal database schema",
		Long: `Migrate brings the journal database at database.path up to date and
prints which migrations are applied. With --down it rolls back the most
recent migration instead. Serve applies pending migrations on its own.

Example:
  shellpipe migrate
  shellpipe migrate --down`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := database.Open(database.Config{
				Path:        a.cfg.Database.Path,
				WALMode:     a.cfg.Database.WALMode,
				BusyTimeout: a.cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening journal database: %w", err)
			}
			defer db.Close() //nolint:errcheck // nothing useful to report on close

			ctx := cmd.Context()
			if down {
				err = db.MigrateDown(ctx, migrations.FS)
			} else {
				err = db.Migrate(ctx, migrations.FS)
			}
			if err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
			if err != nil {
				return fmt.Errorf("reading migration status: %w", err)
			}
			return printMigrations(cmd.OutOrStdout(), applied, pending)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func printMigrations(w io.Writer, applied []database.MigrationRecord, pending []database.Migration) error {
	for _, m := range applied {
		if _, err := fmt.Fprintf(w, "applied  %s  %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05")); err != nil {
			return err
		}
	}
	for _, m := range pending {
		if _, err := fmt.Fprintf(w, "pending  %s  %s\n", m.Version, m.Name); err != nil {
			return err
		}
	}
	return nil
}
