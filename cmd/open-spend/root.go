package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:               "open-spend",
	Short:             "Open-Spend audits software spend imported from billing and accounting systems.",
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrapCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, connectCmd, integrationsCmd, migrateCmd, exportCmd)
}
