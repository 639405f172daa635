// Command vaultctl inspects and maintains a chunkvault store file offline:
// listing its chunks, triggering compaction, and reclaiming space from a
// closed store without going through a running process.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"chunkvault/cmd/vaultctl/cli"
	"chunkvault/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelWarn)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Inspect and maintain chunkvault store files",
	}
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringSlice("debug-component", nil, "enable debug logging for a component (blockio, chunkstore); repeatable")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		components, _ := cmd.Flags().GetStringSlice("debug-component")
		for _, c := range components {
			filterHandler.SetLevel(c, slog.LevelDebug)
		}
		return nil
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		cli.NewInspectCommand(logger),
		cli.NewCompactCommand(logger),
		cli.NewGCCommand(logger),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
