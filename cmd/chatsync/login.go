package main

import (
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Validate a session token and store it in the local configuration file.\nA running 'chatsync watch' picks up the new token automatically.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := chatsync.ParseSession(args[0])
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = sess.Token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if sess.UserID != 0 {
			fmt.Printf("  User ID: %d\n", sess.UserID)
		}
		if !sess.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}
