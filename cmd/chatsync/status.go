package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the token is expired, and summarize the synced conversations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Stream URL: %s\n", valueOrDefault(cfg.Default.StreamURL, "(not set)"))
		if path, err := statePath(cfg); err == nil {
			fmt.Printf("  State:      %s\n", path)
		}

		fmt.Println()
		fmt.Println("Auth:")
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			sess, err := chatsync.ParseSession(cfg.Auth.Token)
			switch {
			case errors.Is(err, chatsync.ErrSessionExpired):
				tokenStatus = "EXPIRED"
			case err != nil:
				tokenStatus = fmt.Sprintf("invalid (%v)", err)
			case !sess.ExpiresAt.IsZero():
				tokenStatus = fmt.Sprintf("valid (expires %s)", sess.ExpiresAt.Format(time.RFC3339))
			default:
				tokenStatus = "present (no expiry)"
			}
			if err == nil && sess.UserID != 0 {
				fmt.Printf("  User ID:    %d\n", sess.UserID)
			}
			fmt.Printf("  Token:      %s %s\n", maskKey(cfg.Auth.Token), tokenStatus)
		} else {
			fmt.Printf("  Token:      %s\n", tokenStatus)
		}

		if cfg.Auth.Token == "" || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Conversations:")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := startSession(ctx, cfg, false)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		snap := s.engine.Store().Snapshot()
		unread, pending := 0, 0
		for _, c := range snap.Conversations() {
			unread += c.UnreadCount
			for _, p := range c.Pending {
				if p.Status == chatsync.PendingFailed {
					pending++
				}
			}
		}
		fmt.Printf("  Total:        %d\n", snap.Len())
		fmt.Printf("  Unread:       %d\n", unread)
		fmt.Printf("  Failed sends: %d\n", pending)
		if focused, ok := snap.Focused(); ok {
			fmt.Printf("  Open:         %s (#%d)\n", conversationTitle(focused), focused.ID)
		}
		return nil
	},
}
