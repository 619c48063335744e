package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single ingestion run and exit",
	Long: `Execute one ingestion run: synchronize catalog metadata, track release
history, and acquire outstanding archives. An unfinished earlier run is
resumed from its checkpoint. The command exits non-zero when the run
fails.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	runCmd.Flags().Bool("force-full", false, "Re-examine every active extension's release history, ignoring up-to-date markers")
	runCmd.Flags().Int("max-concurrency", 0, "Cap the release and acquisition worker pools (0 = use configured values)")

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runOnce(cmd *cobra.Command, _ []string) error {
	defer flushLogs()
	ctx := context.Background()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	forceFull, err := cmd.Flags().GetBool("force-full")
	if err != nil {
		return fmt.Errorf("failed to get force-full flag: %w", err)
	}
	maxConcurrency, err := cmd.Flags().GetInt("max-concurrency")
	if err != nil {
		return fmt.Errorf("failed to get max-concurrency flag: %w", err)
	}

	p, err := buildPipeline(ctx, configPath, pipelineOptions{maxConcurrency: maxConcurrency})
	if err != nil {
		return err
	}
	defer p.close()

	summary, runErr := p.coordinator.RunOnce(ctx, forceFull)
	if summary != nil {
		if encoded, err := json.MarshalIndent(summary, "", "  "); err == nil {
			fmt.Fprintln(os.Stdout, string(encoded))
		}
	}
	if runErr != nil {
		return fmt.Errorf("ingestion run failed: %w", runErr)
	}
	return nil
}
