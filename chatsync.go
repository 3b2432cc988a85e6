// Package chatsync is a client-side chat synchronization core.
//
// It keeps a local conversation store consistent with a messaging backend:
// a streaming connection delivers live messages, a reconciler merges them into
// the store, a paginator loads older history on demand, and a sender posts
// local messages through the REST API.
//
// Example:
//
//	engine, _ := chatsync.New(chatsync.Config{
//		BaseURL:   "https://chat.example.com/api/v1",
//		StreamURL: "wss://chat.example.com/api/v1/chatting/ws",
//	})
//	if err := engine.Start(ctx, token); err != nil { ... }
//	defer engine.Stop()
//
//	updates, cancel := engine.Store().Subscribe()
//	defer cancel()
//	for snap := range updates { ... }
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend is the REST collaborator consumed by the sync core.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (Conversation, error)
	History(ctx context.Context, conversationID, before int64, limit int) ([]Message, error)
	SendMessage(ctx context.Context, conversationID int64, req SendRequest) (Message, error)
	MarkRead(ctx context.Context, conversationID, messageID int64) error
	CreatePrivate(ctx context.Context, userID int64) (Conversation, error)
	// Upload stores a file and returns the URL it is served from.
	Upload(ctx context.Context, fileName string, data []byte) (string, error)
}

// ============================================================================
// Client
// ============================================================================

const DefaultTimeout = 15 * time.Second

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer credential, e.g. after a new login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, query, contentType, bodyReader, out)
}

// send issues the request and decodes the response envelope into out.
func (c *Client) send(ctx context.Context, method, path string, query map[string]string, contentType string, body io.Reader, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(token, "Bearer "))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return env.decode(out)
}

func idPath(format string, ids ...int64) string {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf(format, args...)
}

// ============================================================================
// Conversation API
// ============================================================================

// ListConversations fetches every conversation of the session (bootstrap).
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var data struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil, &data); err != nil {
		return nil, err
	}
	return data.Conversations, nil
}

// GetConversation fetches a single conversation snapshot.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	var data struct {
		Conversation *Conversation `json:"conversation"`
	}
	if err := c.doRequest(ctx, http.MethodGet, idPath("/conversations/%s", conversationID), nil, nil, &data); err != nil {
		return Conversation{}, err
	}
	if data.Conversation == nil {
		return Conversation{}, fmt.Errorf("%w: %d", ErrConversationNotFound, conversationID)
	}
	return *data.Conversation, nil
}

// CreatePrivate opens (or returns the existing) private conversation with userID.
func (c *Client) CreatePrivate(ctx context.Context, userID int64) (Conversation, error) {
	var data struct {
		Conversation *Conversation `json:"conversation"`
	}
	if err := c.doRequest(ctx, http.MethodPost, idPath("/conversations/private/%s", userID), nil, nil, &data); err != nil {
		return Conversation{}, err
	}
	if data.Conversation == nil {
		return Conversation{}, fmt.Errorf("create private conversation: empty response")
	}
	return *data.Conversation, nil
}

// MarkRead acknowledges every message up to messageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID int64) error {
	query := map[string]string{"at": strconv.FormatInt(messageID, 10)}
	return c.doRequest(ctx, http.MethodPut, idPath("/conversations/%s/read", conversationID), nil, query, nil)
}

// ============================================================================
// Message API
// ============================================================================

// History returns up to limit messages older than before, newest first.
// A zero before asks for the newest page.
func (c *Client) History(ctx context.Context, conversationID, before int64, limit int) ([]Message, error) {
	query := map[string]string{}
	if before > 0 {
		query["before"] = strconv.FormatInt(before, 10)
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var data struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doRequest(ctx, http.MethodGet, idPath("/conversations/%s/messages", conversationID), nil, query, &data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, req SendRequest) (Message, error) {
	var data struct {
		Message *Message `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, idPath("/conversations/%s/messages", conversationID), req, nil, &data); err != nil {
		return Message{}, err
	}
	if data.Message == nil {
		return Message{}, fmt.Errorf("send message: empty response")
	}
	return *data.Message, nil
}

// ============================================================================
// Upload API
// ============================================================================

// Upload posts data as the "file" field of a multipart form and returns the
// URL of the stored file.
func (c *Client) Upload(ctx context.Context, fileName string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.send(ctx, http.MethodPost, "/user/oss/upload", nil, w.FormDataContentType(), &buf, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload %s: empty url", fileName)
	}
	return out.URL, nil
}
