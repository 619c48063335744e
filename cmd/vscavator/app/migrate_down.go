package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back database migrations. By default a single migration is
reverted; use --num-steps to revert more.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	defer flushLogs()

	m, cfg, err := newMigrator(cmd)
	if err != nil {
		return err
	}

	ok, err := confirmMigration(cmd, cfg, "roll back")
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
	if steps == 0 {
		steps = 1
	}

	slog.Info("Rolling back database migrations", "steps", steps)
	if err := m.Steps(-int(steps)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}

	reportVersion(m)
	return nil
}
