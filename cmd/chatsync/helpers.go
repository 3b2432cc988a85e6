package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/LuminPulse-AI/chatsync"
)

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// session bundles a started engine with the persister it writes to.
type session struct {
	engine    *chatsync.Engine
	persister *chatsync.SQLitePersister
}

func (s *session) Close() {
	s.engine.Stop()
	s.persister.Close()
}

// startSession builds an engine from the CLI config and starts it. The
// stream is only opened when live is set.
func startSession(ctx context.Context, cfg *Config, live bool) (*session, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token. Run 'chatsync login <token>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}
	path, err := statePath(cfg)
	if err != nil {
		return nil, err
	}
	persister, err := chatsync.OpenSQLitePersister(path)
	if err != nil {
		return nil, err
	}

	engineCfg := chatsync.Config{
		BaseURL:   cfg.Default.BaseURL,
		PageSize:  cfg.Default.PageSize,
		Logger:    newLogger(),
		Persister: persister,
	}
	if live {
		engineCfg.StreamURL = cfg.Default.StreamURL
	}
	engine, err := chatsync.New(engineCfg)
	if err != nil {
		persister.Close()
		return nil, err
	}
	if err := engine.Start(ctx, cfg.Auth.Token); err != nil {
		persister.Close()
		return nil, err
	}
	return &session{engine: engine, persister: persister}, nil
}

// startFromConfig loads the config file and starts a session.
func startFromConfig(ctx context.Context, live bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return startSession(ctx, cfg, live)
}

// readImage loads an image for upload, enforcing the server's size limit.
func readImage(path string) (string, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("cannot read image: %w", err)
	}
	if info.Size() > chatsync.MaxImageSize {
		return "", nil, fmt.Errorf("image is %d bytes, the limit is %d", info.Size(), chatsync.MaxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("cannot read image: %w", err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("image %s is empty", path)
	}
	return filepath.Base(path), data, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func conversationTitle(c chatsync.Conversation) string {
	if c.Nickname != "" {
		return c.Nickname
	}
	if c.Type == chatsync.ConversationGroup {
		return fmt.Sprintf("group %d", c.ID)
	}
	return fmt.Sprintf("user %d", c.PeerID)
}

// formatTime renders a server timestamp, which may be seconds or milliseconds.
func formatTime(ts int64) string {
	if ts == 0 {
		return "-"
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).Format("2006-01-02 15:04")
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04")
}

func printMessage(m chatsync.Message) {
	body := m.ContentBody
	if m.ContentType != chatsync.ContentText && m.ContentType != "" {
		body = fmt.Sprintf("[%s] %s", m.ContentType, body)
	}
	fmt.Printf("  #%-8d %s  from %-6d %s\n", m.ID, formatTime(m.CreatedAt), m.SenderID, body)
}

// maskKey shows the first 8 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
