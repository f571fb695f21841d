package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Sandbox pool and session runtime for long-running coding agents",
	Long: `bridge hosts long-running AI coding agent sessions behind a REST+SSE API,
each session backed by a pooled, sandboxed child process with pause/resume
and cold-resume workspace recovery.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
