package chatsync

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures an Engine and the components it builds.
type Config struct {
	// BaseURL of the REST API, e.g. "https://chat.example.com/api/v1".
	BaseURL string
	// StreamURL of the streaming endpoint, e.g. "wss://chat.example.com/api/v1/chatting/ws".
	StreamURL string

	PageSize             int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	RequestTimeout       time.Duration
	HistoryDebounce      time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Backend overrides the REST client built from BaseURL.
	Backend Backend
	// Persister, when set, receives every committed store state.
	Persister Persister
}

const (
	DefaultPageSize             = 20
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultHistoryDebounce      = 250 * time.Millisecond
)

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.HistoryDebounce == 0 {
		c.HistoryDebounce = DefaultHistoryDebounce
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
