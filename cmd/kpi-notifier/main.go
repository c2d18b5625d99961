package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kpi-notifier",
		Short:         "KPI threshold notification worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnvFile()
		},
	}

	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		seedKpisCommand(),
		updateKpiCommand(),
	)

	return rootCmd
}
