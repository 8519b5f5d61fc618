package main

import (
	"fmt"
	"time"

	"github.com/router-for-me/GeminiRelay/internal/app"
	"github.com/spf13/cobra"
)

var tokenFlags struct {
	days int
	note string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage caller tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a caller token directly in the store",
	Long: `Create a caller token without going through the admin API.

Examples:
  relay token create --days 30
  relay token create --days 7 --note "load test"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, record, err := app.CreateCallerToken(cmd.Context(), appConfig(), app.CreateCallerTokenParams{
			ValidityDays: tokenFlags.days,
			Note:         tokenFlags.note,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, token)
		fmt.Fprintf(out, "expires: %s\n", time.UnixMilli(record.ExpiresAt).UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().IntVar(&tokenFlags.days, "days", 30, "validity in days")
	tokenCreateCmd.Flags().StringVar(&tokenFlags.note, "note", "", "free-form note stored with the token")
	tokenCmd.AddCommand(tokenCreateCmd)
	rootCmd.AddCommand(tokenCmd)
}
