package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vscavator/vscavator/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit stored releases against the blob store",
	Long: `Audit the database against the blob store in both directions: every
release recorded as stored must have a blob under its content address,
and every blob must be referenced by a stored release. Exits non-zero
on any mismatch.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	verifyCmd.Flags().Int("workers", 0, "Number of concurrent blob probes (0 = default)")

	if err := verifyCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	defer flushLogs()
	ctx := context.Background()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return fmt.Errorf("failed to get workers flag: %w", err)
	}

	p, err := buildPipeline(ctx, configPath, pipelineOptions{})
	if err != nil {
		return err
	}
	defer p.close()

	var opts []verify.VerifierOption
	if workers > 0 {
		opts = append(opts, verify.WithVerifyWorkers(workers))
	}

	report, err := verify.NewVerifier(p.store, p.blobs, opts...).Verify(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if encoded, err := json.MarshalIndent(report, "", "  "); err == nil {
		fmt.Fprintln(os.Stdout, string(encoded))
	}

	if !report.OK() {
		return fmt.Errorf("audit found %d stored releases without blobs and %d unreferenced blobs",
			len(report.Missing), len(report.Unreferenced))
	}
	return nil
}
