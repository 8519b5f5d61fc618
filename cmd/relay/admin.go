package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/GeminiRelay/internal/security"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Admin credential helpers",
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print a bcrypt hash for admin.token_hash",
	Long: `Hash an admin token for the admin.token_hash setting. The token is read from the
argument or, when omitted, from the first line of stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read token: %w", err)
			}
			token = line
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return errors.New("admin token is empty")
		}
		hash, err := security.HashSecret(token)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	adminCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(adminCmd)
}
