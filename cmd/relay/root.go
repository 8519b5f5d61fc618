package main

import (
	"fmt"
	"os"

	"github.com/router-for-me/GeminiRelay/internal/buildinfo"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Gemini relay with pooled upstream credentials",
	Long: `relay forwards Gemini API traffic (HTTP and WebSocket) upstream, rotating through a
pool of upstream credentials. Callers authenticate with relay-issued tokens which are
created by an administrator or redeemed from redemption batches.`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml, or $RELAY_CONFIG)")
}

func appConfig() config.AppConfig {
	return config.AppConfig{ConfigPath: cfgFile}
}
