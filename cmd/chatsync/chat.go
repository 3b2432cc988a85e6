package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread  bool
	conversationsRefresh bool
	conversationsJSON    bool

	// history
	historyPages int
	historyJSON  bool

	// send
	sendType  string
	sendImage string
	sendJSON  bool
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := startFromConfig(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if conversationsRefresh {
			if err := s.engine.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
		}

		var conversations []chatsync.Conversation
		for _, c := range s.engine.Store().Snapshot().Conversations() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			conversations = append(conversations, c)
		}

		if conversationsJSON {
			return printJSON(conversations)
		}
		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		fmt.Printf("%-8s %-8s %-24s %-7s %s\n", "ID", "TYPE", "TITLE", "UNREAD", "LAST ACTIVE")
		for _, c := range conversations {
			fmt.Printf("%-8d %-8s %-24s %-7d %s\n", c.ID, c.Type, conversationTitle(c), c.UnreadCount, formatTime(c.LastActiveTime))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation, loading older pages",
	Long:  "Open a conversation (marking it read) and load --pages pages of older history before printing it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := startFromConfig(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Focus(ctx, id); err != nil {
			return err
		}
		for i := 0; i < historyPages; i++ {
			added, err := s.engine.LoadOlder(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			if added == 0 {
				break
			}
		}
		s.engine.Wait()

		c, _ := s.engine.Store().Snapshot().Conversation(id)
		if historyJSON {
			return printJSON(c)
		}

		fmt.Printf("%s (#%d)\n", conversationTitle(c), c.ID)
		for i := len(c.Messages) - 1; i >= 0; i-- {
			printMessage(c.Messages[i])
		}
		for _, p := range c.Pending {
			fmt.Printf("  %-9s %s  %s (%s)\n", p.Status, formatTime(p.CreatedAt), p.ContentBody, valueOrDefault(p.Error, p.ClientID))
		}
		if c.HistoryExhausted {
			fmt.Println("  (beginning of conversation)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Long:  "Send a text message, or upload an image with --image and send it.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		if (len(args) == 2) == (sendImage != "") {
			return fmt.Errorf("pass either a text or --image")
		}
		var name string
		var data []byte
		if sendImage != "" {
			if name, data, err = readImage(sendImage); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		s, err := startFromConfig(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		var sent chatsync.Message
		if data != nil {
			sent, err = s.engine.SendImage(ctx, id, name, data)
		} else {
			sent, err = s.engine.Send(ctx, id, args[1], chatsync.ContentType(sendType))
		}
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(sent)
		}
		fmt.Printf("Sent message #%d to conversation %d\n", sent.ID, id)
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open a private conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := startFromConfig(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.engine.OpenPrivate(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Printf("Conversation #%d with %s\n", c.ID, conversationTitle(c))
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsRefresh, "refresh", false, "Refetch the list instead of using saved state")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of older pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVarP(&sendType, "type", "t", string(chatsync.ContentText), "Content type (text, image, audio, video)")
	sendCmd.Flags().StringVarP(&sendImage, "image", "i", "", "Upload and send an image file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(openCmd)
}
