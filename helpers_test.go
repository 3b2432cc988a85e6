package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(convID, id int64) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       99,
		ContentType:    ContentText,
		ContentBody:    "message",
		ContentLength:  7,
		CreatedAt:      id * 1000,
	}
}

func msgs(convID int64, ids ...int64) []Message {
	out := make([]Message, len(ids))
	for i, id := range ids {
		out[i] = msg(convID, id)
	}
	return out
}

func testConv(id int64, ids ...int64) Conversation {
	return Conversation{ID: id, Type: ConversationPrivate, PeerID: 99, Messages: msgs(id, ids...)}
}

func messageIDs(c Conversation) []int64 {
	out := make([]int64, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.ID
	}
	return out
}

func newEvent(convID, msgID int64, unread int) Event {
	return Event{Kind: EventNewMessage, ConversationID: convID, Message: msg(convID, msgID), UnreadCount: unread}
}

func newTestSession(userID int64) *Session {
	return &Session{ID: uuid.NewString(), Token: "test-token", UserID: userID}
}

// newTestStore returns a store already in sess holding convs.
func newTestStore(t *testing.T, sess *Session, persister Persister, convs ...Conversation) *Store {
	t.Helper()
	store := NewStore(persister, testLogger())
	_, err := store.BeginSession(context.Background(), sess)
	require.NoError(t, err)
	if len(convs) > 0 {
		require.NoError(t, store.ReplaceAll(context.Background(), convs))
	}
	return store
}

func requireOrdered(t *testing.T, c Conversation) {
	t.Helper()
	for i := 1; i < len(c.Messages); i++ {
		require.Greater(t, c.Messages[i-1].ID, c.Messages[i].ID, "messages out of order: %v", messageIDs(c))
	}
	if head, ok := c.Head(); ok {
		require.Equal(t, head.ID, c.LastMessageID)
		require.Equal(t, head.CreatedAt, c.LastActiveTime)
	}
}

// ============================================================================
// Fake Backend
// ============================================================================

type markCall struct {
	ConversationID int64
	MessageID      int64
}

type historyCall struct {
	ConversationID int64
	Before         int64
	Limit          int
}

// fakeBackend serves conversations and history from memory.
type fakeBackend struct {
	mu            sync.Mutex
	conversations []Conversation
	// history holds the full server-side history of each conversation.
	history map[int64][]Message
	userID  int64
	nextID  int64

	listErr    error
	getErr     error
	uploadErr  error
	historyErr error
	sendErr    error
	markErr    error

	// historyGate, when set, blocks History until it is closed.
	historyGate    chan struct{}
	historyStarted chan struct{}
	// getGate, when set, blocks GetConversation until it is closed.
	getGate    chan struct{}
	getStarted chan struct{}

	getCalls     int
	historyCalls []historyCall
	sends        []SendRequest
	marks        []markCall
	uploads      []string
}

func newFakeBackend(convs ...Conversation) *fakeBackend {
	return &fakeBackend{
		conversations: convs,
		history:       map[int64][]Message{},
		nextID:        1000,
	}
}

func (b *fakeBackend) ListConversations(ctx context.Context) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]Conversation, len(b.conversations))
	for i, c := range b.conversations {
		out[i] = c.clone()
	}
	return out, nil
}

func (b *fakeBackend) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	b.mu.Lock()
	b.getCalls++
	gate, started := b.getGate, b.getStarted
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Conversation{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return Conversation{}, b.getErr
	}
	for _, c := range b.conversations {
		if c.ID == id {
			return c.clone(), nil
		}
	}
	return Conversation{}, &APIError{Code: 404, Message: "conversation not found"}
}

func (b *fakeBackend) History(ctx context.Context, id, before int64, limit int) ([]Message, error) {
	b.mu.Lock()
	b.historyCalls = append(b.historyCalls, historyCall{id, before, limit})
	gate, started := b.historyGate, b.historyStarted
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	all := append([]Message(nil), b.history[id]...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	var page []Message
	for _, m := range all {
		if before > 0 && m.ID >= before {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, id int64, req SendRequest) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, req)
	if b.sendErr != nil {
		return Message{}, b.sendErr
	}
	b.nextID++
	return Message{
		ID:             b.nextID,
		ConversationID: id,
		SenderID:       b.userID,
		ContentType:    req.ContentType,
		ContentBody:    req.ContentBody,
		ContentLength:  req.ContentLength,
		CreatedAt:      b.nextID * 1000,
	}, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, id, msgID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks = append(b.marks, markCall{id, msgID})
	return b.markErr
}

func (b *fakeBackend) CreatePrivate(ctx context.Context, userID int64) (Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conversations {
		if c.Type == ConversationPrivate && c.PeerID == userID {
			return c.clone(), nil
		}
	}
	c := Conversation{ID: 5000 + userID, Type: ConversationPrivate, PeerID: userID, TotalUser: 2}
	b.conversations = append(b.conversations, c)
	return c, nil
}

func (b *fakeBackend) Upload(ctx context.Context, fileName string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, fileName)
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	return "https://oss.example.com/" + fileName, nil
}

func (b *fakeBackend) markCalls() []markCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]markCall(nil), b.marks...)
}

func (b *fakeBackend) historyCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.historyCalls)
}

func (b *fakeBackend) getCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls
}

// failingPersister rejects every save.
type failingPersister struct{}

var errDiskFull = errors.New("disk full")

func (failingPersister) Save(context.Context, PersistedState) error { return errDiskFull }

func (failingPersister) Load(context.Context, string) (*PersistedState, error) { return nil, nil }
