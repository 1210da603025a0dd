package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/chatsync/chatsync"
	"github.com/vovakirdan/chatsync/chatsync/chattest"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token accepted by `serve --secret`",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		userID, _ := cmd.Flags().GetString("user-id")
		userName, _ := cmd.Flags().GetString("user-name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		if userName == "" {
			userName = userID
		}
		id := chatsync.Identity{UserID: userID, UserName: userName}
		if err := id.Validate(); err != nil {
			return err
		}
		tok, err := chattest.IssueToken([]byte(secret), id, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("secret", os.Getenv("CHATSYNC_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().String("user-id", "", "subject claim")
	tokenCmd.Flags().String("user-name", "", "name claim (defaults to the user id)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
