package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "chainproof-agent",
	Short: "Runs scan and validation pipelines against registered protocols",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}
