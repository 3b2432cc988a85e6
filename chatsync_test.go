package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// REST client
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// newEnvelopeServer replies to every request with the given code and data.
func newEnvelopeServer(t *testing.T, code int, data any, got *recordedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		}
		raw, _ := json.Marshal(data)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"data":    json.RawMessage(raw),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientListConversations(t *testing.T) {
	var got recordedRequest
	srv := newEnvelopeServer(t, 200, map[string]any{
		"conversations": []map[string]any{
			{"id": 1, "type": "private", "chat_user_id": 9, "nickname": "bob", "unread_message": 2, "last_message_id": 5},
			{"id": 2, "type": "group", "total_user": 4},
		},
	}, &got)

	client := NewClient("tok", WithBaseURL(srv.URL+"/"))
	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "bob", convs[0].Nickname)
	require.EqualValues(t, 9, convs[0].PeerID)
	require.Equal(t, 2, convs[0].UnreadCount)
	require.Equal(t, ConversationGroup, convs[1].Type)

	require.Equal(t, http.MethodGet, got.Method)
	require.Equal(t, "/conversations", got.Path)
	require.Equal(t, "Bearer tok", got.Auth)
}

func TestClientRoutes(t *testing.T) {
	ctx := context.Background()
	m := map[string]any{"id": 11, "conversation_id": 3, "sender": 1, "content_type": "text", "content_body": "hi", "content_length": 2, "created_at": 1}

	tests := []struct {
		name       string
		data       any
		call       func(c *Client) error
		wantMethod string
		wantPath   string
		wantQuery  string
		wantBody   string
	}{
		{
			name: "get conversation",
			data: map[string]any{"conversation": map[string]any{"id": 3}},
			call: func(c *Client) error {
				conv, err := c.GetConversation(ctx, 3)
				if err == nil && conv.ID != 3 {
					return errors.New("wrong conversation")
				}
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/conversations/3",
		},
		{
			name: "history",
			data: map[string]any{"messages": []any{m}},
			call: func(c *Client) error {
				page, err := c.History(ctx, 3, 40, 20)
				if err == nil && len(page) != 1 {
					return errors.New("wrong page")
				}
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/conversations/3/messages",
			wantQuery:  "before=40&limit=20",
		},
		{
			name: "send",
			data: map[string]any{"message": m},
			call: func(c *Client) error {
				sent, err := c.SendMessage(ctx, 3, SendRequest{ContentBody: "hi", ContentType: ContentText, ContentLength: 2})
				if err == nil && sent.ID != 11 {
					return errors.New("wrong message")
				}
				return err
			},
			wantMethod: http.MethodPost,
			wantPath:   "/conversations/3/messages",
			wantBody:   `{"content_body":"hi","content_type":"text","content_length":2}`,
		},
		{
			name:       "mark read",
			data:       nil,
			call:       func(c *Client) error { return c.MarkRead(ctx, 3, 11) },
			wantMethod: http.MethodPut,
			wantPath:   "/conversations/3/read",
			wantQuery:  "at=11",
		},
		{
			name: "create private",
			data: map[string]any{"conversation": map[string]any{"id": 8, "type": "private", "chat_user_id": 77}},
			call: func(c *Client) error {
				conv, err := c.CreatePrivate(ctx, 77)
				if err == nil && conv.PeerID != 77 {
					return errors.New("wrong peer")
				}
				return err
			},
			wantMethod: http.MethodPost,
			wantPath:   "/conversations/private/77",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got recordedRequest
			srv := newEnvelopeServer(t, 200, tt.data, &got)
			require.NoError(t, tt.call(NewClient("tok", WithBaseURL(srv.URL))))
			require.Equal(t, tt.wantMethod, got.Method)
			require.Equal(t, tt.wantPath, got.Path)
			require.Equal(t, tt.wantQuery, got.Query)
			if tt.wantBody != "" {
				require.JSONEq(t, tt.wantBody, got.Body)
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("envelope code", func(t *testing.T) {
		var got recordedRequest
		srv := newEnvelopeServer(t, 401, nil, &got)
		_, err := NewClient("tok", WithBaseURL(srv.URL)).ListConversations(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, 401, apiErr.Code)
	})

	t.Run("non-json error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway down", http.StatusBadGateway)
		}))
		defer srv.Close()
		err := NewClient("tok", WithBaseURL(srv.URL)).MarkRead(ctx, 1, 1)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadGateway, apiErr.Code)
	})

	t.Run("missing conversation", func(t *testing.T) {
		var got recordedRequest
		srv := newEnvelopeServer(t, 200, map[string]any{}, &got)
		_, err := NewClient("tok", WithBaseURL(srv.URL)).GetConversation(ctx, 5)
		require.ErrorIs(t, err, ErrConversationNotFound)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		_, err := NewClient("tok", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond)).ListConversations(ctx)
		require.Error(t, err)
	})
}

func TestClientSetToken(t *testing.T) {
	var got recordedRequest
	srv := newEnvelopeServer(t, 200, map[string]any{"conversations": []any{}}, &got)
	client := NewClient("old", WithBaseURL(srv.URL))
	client.SetToken("Bearer new")
	_, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer new", got.Auth)
}

func TestClientUpload(t *testing.T) {
	var (
		fileName string
		content  string
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/user/oss/upload", r.URL.Path)
		auth = r.Header.Get("Authorization")
		file, header, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(file)
			fileName, content = header.Filename, string(data)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"url": "https://oss.example.com/a.png"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	u, err := client.Upload(context.Background(), "a.png", []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "https://oss.example.com/a.png", u)
	require.Equal(t, "a.png", fileName)
	require.Equal(t, "png-bytes", content)
	require.Equal(t, "Bearer tok", auth)

	t.Run("empty url", func(t *testing.T) {
		var got recordedRequest
		srv := newEnvelopeServer(t, 200, map[string]any{}, &got)
		_, err := NewClient("tok", WithBaseURL(srv.URL)).Upload(context.Background(), "a.png", []byte("x"))
		require.Error(t, err)
	})
}
