package main

import (
	"fmt"
	"runtime"

	"github.com/router-for-me/GeminiRelay/internal/buildinfo"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "relay %s\n", buildinfo.Version)
		fmt.Fprintf(out, "Git Commit: %s\n", buildinfo.Commit)
		fmt.Fprintf(out, "Build Date: %s\n", buildinfo.BuildDate)
		fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
