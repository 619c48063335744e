package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply pending database migrations to bring the schema up to date. By
default all pending migrations run; use --num-steps to apply a fixed
number.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	defer flushLogs()

	m, cfg, err := newMigrator(cmd)
	if err != nil {
		return err
	}

	ok, err := confirmMigration(cmd, cfg, "apply")
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	steps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	slog.Info("Applying database migrations", "steps", steps)
	if steps > 0 {
		err = m.Steps(int(steps))
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	reportVersion(m)
	return nil
}
