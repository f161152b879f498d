package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/chatsync/src/auth"
	"github.com/spf13/cobra"
)

func init() {
	tokenCmd.Flags().Int64("user-id", 0, "user id to embed in the token")
	tokenCmd.Flags().String("name", "", "display name to embed in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with server.jwt_secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		uid, _ := cmd.Flags().GetInt64("user-id")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if uid <= 0 {
			return errors.New("--user-id must be positive")
		}
		if name == "" {
			name = fmt.Sprintf("user%d", uid)
		}

		tok, err := auth.Issue([]byte(cfg.Server.JWTSecret), auth.Identity{UserID: uid, Name: name}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
