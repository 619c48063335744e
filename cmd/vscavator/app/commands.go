// Package app provides the command line entry points for vscavator.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vscavator/vscavator/internal/logging"
	"github.com/vscavator/vscavator/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "vscavator",
	DisableAutoGenTag: true,
	Short:             "VS Code Marketplace ingestion service",
	Long: `vscavator mirrors the Visual Studio Code extension marketplace: it walks
the public catalog, records publishers, extensions, and their release
history in PostgreSQL, and archives release packages in content-addressed
blob storage.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		flushLogs = logging.Setup(viper.GetBool("debug"))
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// flushLogs drains buffered log output; set once logging is configured.
var flushLogs = func() {}

// NewRootCmd creates the root command for the ingestion service.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			slog.Error("Error retrieving format flag", "error", err)
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				slog.Error("Error formatting version info as JSON", "error", err)
				return
			}
			fmt.Println(string(output))
		} else {
			slog.Info("vscavator version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
