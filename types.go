package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the backend answers with a non-success envelope code.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

var (
	ErrNoSession            = errors.New("chatsync: no session credential")
	ErrSessionExpired       = errors.New("chatsync: session credential expired")
	ErrSessionChanged       = errors.New("chatsync: session changed while request was in flight")
	ErrConversationNotFound = errors.New("chatsync: conversation not found")
	ErrNotConnected         = errors.New("chatsync: not connected")
	ErrRetriesExhausted     = errors.New("chatsync: reconnect attempts exhausted")
	ErrEmptyMessage         = errors.New("chatsync: message body is empty")
	ErrPendingNotFound      = errors.New("chatsync: pending message not found")
	ErrImageTooLarge        = errors.New("chatsync: image exceeds the upload limit")
)

// envelope is the wire format of every REST response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const codeOK = 200

// decode unmarshals the Data field into v, or returns the envelope as an APIError.
func (e *envelope) decode(v interface{}) error {
	if e.Code != codeOK {
		return &APIError{Code: e.Code, Message: e.Message}
	}
	if e.Data == nil || v == nil {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// ============================================================================
// Chat Types
// ============================================================================

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentImage, ContentAudio, ContentVideo:
		return true
	}
	return false
}

// Message is a single chat message. IDs are assigned by the server and grow
// monotonically within a conversation.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender"`
	ContentType    ContentType `json:"content_type"`
	ContentBody    string      `json:"content_body"`
	ContentLength  int         `json:"content_length"`
	CreatedAt      int64       `json:"created_at"`
}

type PendingStatus string

const (
	PendingSending PendingStatus = "pending"
	PendingFailed  PendingStatus = "failed"
)

// PendingMessage is a locally sent message the server has not confirmed yet.
// It lives outside Messages so the ordering invariant only ever sees server ids.
type PendingMessage struct {
	ClientID      string        `json:"client_id"`
	ContentType   ContentType   `json:"content_type"`
	ContentBody   string        `json:"content_body"`
	ContentLength int           `json:"content_length"`
	Status        PendingStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     int64         `json:"created_at"`
}

// Conversation is a private or group thread. Messages are kept newest-first.
type Conversation struct {
	ID               int64            `json:"id"`
	Type             ConversationType `json:"type"`
	PeerID           int64            `json:"chat_user_id"`
	Nickname         string           `json:"nickname,omitempty"`
	Avatar           string           `json:"avatar,omitempty"`
	TotalUser        int              `json:"total_user,omitempty"`
	CreatedAt        int64            `json:"created_at,omitempty"`
	LastMessageID    int64            `json:"last_message_id"`
	LastActiveTime   int64            `json:"last_active_time"`
	ReadMessageAt    int64            `json:"read_message_at,omitempty"`
	UnreadCount      int              `json:"unread_message"`
	Messages         []Message        `json:"messages"`
	HistoryExhausted bool             `json:"history_exhausted"`
	Pending          []PendingMessage `json:"pending,omitempty"`
}

// Head returns the newest loaded message.
func (c *Conversation) Head() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[0], true
}

// Tail returns the oldest loaded message.
func (c *Conversation) Tail() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Contains reports whether a message with the given id is loaded.
func (c *Conversation) Contains(id int64) bool {
	return c.indexOf(id) >= 0
}

// indexOf binary-searches the newest-first message list.
func (c *Conversation) indexOf(id int64) int {
	i := sort.Search(len(c.Messages), func(i int) bool { return c.Messages[i].ID <= id })
	if i < len(c.Messages) && c.Messages[i].ID == id {
		return i
	}
	return -1
}

// clone returns a copy whose slices do not alias c.
func (c Conversation) clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	if c.Pending != nil {
		out.Pending = append([]PendingMessage(nil), c.Pending...)
	}
	return out
}

// syncHead keeps the denormalized summary fields equal to the head message.
func (c *Conversation) syncHead() {
	if head, ok := c.Head(); ok {
		c.LastMessageID = head.ID
		c.LastActiveTime = head.CreatedAt
	}
}

// normalize sorts and dedups a server snapshot so it satisfies the ordering invariant.
func (c *Conversation) normalize() {
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	msgs := append([]Message(nil), c.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	out := msgs[:0]
	for i, m := range msgs {
		if i > 0 && m.ID == out[len(out)-1].ID {
			continue
		}
		out = append(out, m)
	}
	c.Messages = out
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.syncHead()
}

// insertLive merges a message delivered by the stream or a send response.
// New heads are prepended; older unknown ids are merged into position; known
// ids are ignored. It reports whether the list changed and whether m became the head.
func (c *Conversation) insertLive(m Message) (changed, isHead bool) {
	if c.Contains(m.ID) {
		return false, false
	}
	if head, ok := c.Head(); !ok || m.ID > head.ID {
		msgs := make([]Message, 0, len(c.Messages)+1)
		msgs = append(msgs, m)
		c.Messages = append(msgs, c.Messages...)
		c.syncHead()
		return true, true
	}
	i := sort.Search(len(c.Messages), func(i int) bool { return c.Messages[i].ID < m.ID })
	msgs := make([]Message, 0, len(c.Messages)+1)
	msgs = append(msgs, c.Messages[:i]...)
	msgs = append(msgs, m)
	c.Messages = append(msgs, c.Messages[i:]...)
	return true, false
}

// appendOlder adds a history page at the tail. Messages that are already
// loaded, or that are not strictly older than the current tail, are skipped.
func (c *Conversation) appendOlder(page []Message) int {
	older := make([]Message, 0, len(page))
	tail, hasTail := c.Tail()
	for _, m := range page {
		if hasTail && m.ID >= tail.ID {
			continue
		}
		older = append(older, m)
	}
	sort.SliceStable(older, func(i, j int) bool { return older[i].ID > older[j].ID })

	msgs := make([]Message, 0, len(c.Messages)+len(older))
	msgs = append(msgs, c.Messages...)
	added := 0
	for _, m := range older {
		if len(msgs) > 0 && m.ID >= msgs[len(msgs)-1].ID {
			continue
		}
		msgs = append(msgs, m)
		added++
	}
	c.Messages = msgs
	c.syncHead()
	return added
}

// SendRequest is the body of a message send.
type SendRequest struct {
	ContentBody   string      `json:"content_body"`
	ContentType   ContentType `json:"content_type"`
	ContentLength int         `json:"content_length"`
}
