package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const (
	reloadDebounce = 200 * time.Millisecond
	autoRetryAfter = time.Minute
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live messages",
	Long:  "Connect to the stream and print new messages and connection changes as they happen.\nEditing the config file (e.g. 'chatsync login') restarts the session with the new token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.StreamURL == "" {
			return errors.New("no stream URL. Run 'chatsync config set default.stream_url <url>' first")
		}
		path, err := configPath()
		if err != nil {
			return err
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer watcher.Close()
		// Editors often replace the file, so watch its directory.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}

		s, err := startSession(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer func() {
			if s != nil {
				s.Close()
			}
		}()

		updates, unsubscribe := s.engine.Store().Subscribe()
		defer func() { unsubscribe() }()
		prev := s.engine.Store().Snapshot()
		fmt.Printf("Watching %d conversations. Press Ctrl+C to stop.\n", prev.Len())

		var reload, retry <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return nil

			case st := <-s.engine.Connection().Status():
				printStatus(st)
				if st.State == chatsync.StateExhausted {
					fmt.Printf("  retrying in %s\n", autoRetryAfter)
					retry = time.After(autoRetryAfter)
				}

			case <-retry:
				retry = nil
				if err := s.engine.Reconnect(); err != nil {
					fmt.Fprintf(os.Stderr, "reconnect failed: %v\n", err)
				}

			case snap, ok := <-updates:
				if !ok {
					continue
				}
				printNewMessages(prev, snap)
				prev = snap

			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload = time.After(reloadDebounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintf(os.Stderr, "config watch error: %v\n", err)

			case <-reload:
				reload = nil
				next, err := loadConfig()
				if err != nil {
					fmt.Fprintf(os.Stderr, "ignoring config change: %v\n", err)
					continue
				}
				if next.Auth.Token == cfg.Auth.Token && next.Default == cfg.Default {
					continue
				}
				unsubscribe()
				s.Close()
				restarted, err := startSession(ctx, next, true)
				if err != nil {
					s = nil
					return fmt.Errorf("failed to restart session: %w", err)
				}
				s, cfg = restarted, next
				retry = nil
				updates, unsubscribe = s.engine.Store().Subscribe()
				prev = s.engine.Store().Snapshot()
				fmt.Printf("Config changed; session restarted (%d conversations).\n", prev.Len())
			}
		}
	},
}

func printStatus(st chatsync.StatusEvent) {
	ts := time.Now().Format("15:04:05")
	switch {
	case st.Err != nil:
		fmt.Printf("[%s] stream %s (attempt %d): %v\n", ts, st.State, st.Attempt, st.Err)
	case st.Attempt > 0:
		fmt.Printf("[%s] stream %s (attempt %d)\n", ts, st.State, st.Attempt)
	default:
		fmt.Printf("[%s] stream %s\n", ts, st.State)
	}
}

// printNewMessages prints messages that became newer than each conversation's
// previous head. Older history pages are not repeated.
func printNewMessages(prev, next *chatsync.Snapshot) {
	for _, c := range next.Conversations() {
		var seen int64
		if old, ok := prev.Conversation(c.ID); ok {
			seen = old.LastMessageID
		}
		if c.LastMessageID <= seen {
			continue
		}
		fmt.Printf("%s (#%d, %d unread)\n", conversationTitle(c), c.ID, c.UnreadCount)
		for i := len(c.Messages) - 1; i >= 0; i-- {
			if c.Messages[i].ID > seen {
				printMessage(c.Messages[i])
			}
		}
	}
}
