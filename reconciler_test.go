package chatsync

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, sess *Session, backend *fakeBackend, convs ...Conversation) (*Reconciler, *Store) {
	t.Helper()
	store := newTestStore(t, sess, nil, convs...)
	return NewReconciler(store, backend, testLogger()), store
}

func TestReconcilerDuplicateOnFocused(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	backend := newFakeBackend()
	r, store := newTestReconciler(t, sess, backend, testConv(10, 5, 4, 3))
	require.NoError(t, store.SetFocused(ctx, 10))
	before := store.Snapshot()

	require.NoError(t, r.Apply(ctx, sess, newEvent(10, 4, 0)))
	r.Wait()

	require.Same(t, before, store.Snapshot(), "redelivered message leaves the store unchanged")
	c, _ := store.Snapshot().Conversation(10)
	require.Equal(t, []int64{5, 4, 3}, messageIDs(c))
	require.Zero(t, c.UnreadCount)
	require.Empty(t, backend.markCalls())
}

func TestReconcilerUnreadHintOnBackground(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	backend := newFakeBackend()
	r, store := newTestReconciler(t, sess, backend, testConv(20, 2, 1), testConv(30, 8))
	require.NoError(t, store.SetFocused(ctx, 30))

	require.NoError(t, r.Apply(ctx, sess, newEvent(20, 3, 3)))
	r.Wait()

	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, 3, c.UnreadCount)
	require.Equal(t, []int64{3, 2, 1}, messageIDs(c))
	require.EqualValues(t, 3, c.LastMessageID)
	require.EqualValues(t, 3000, c.LastActiveTime)
	require.Empty(t, backend.markCalls(), "no receipt for unfocused conversations")
}

func TestReconcilerFocusedSuppressesUnread(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	backend := newFakeBackend()
	r, store := newTestReconciler(t, sess, backend, testConv(10, 1))
	require.NoError(t, store.SetFocused(ctx, 10))

	for id := int64(2); id <= 6; id++ {
		require.NoError(t, r.Apply(ctx, sess, newEvent(10, id, int(id))))
	}
	r.Wait()

	c, _ := store.Snapshot().Focused()
	require.Zero(t, c.UnreadCount)
	require.Equal(t, []int64{6, 5, 4, 3, 2, 1}, messageIDs(c))
	listed, _ := store.Snapshot().Conversation(10)
	require.Equal(t, listed, c)

	marks := backend.markCalls()
	require.Len(t, marks, 5)
	require.Contains(t, marks, markCall{ConversationID: 10, MessageID: 6})
}

func TestReconcilerMarkReadFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	backend := newFakeBackend()
	backend.markErr = errors.New("unavailable")
	r, store := newTestReconciler(t, sess, backend, testConv(10, 1))
	require.NoError(t, store.SetFocused(ctx, 10))

	require.NoError(t, r.Apply(ctx, sess, newEvent(10, 2, 1)))
	r.Wait()

	c, _ := store.Snapshot().Conversation(10)
	require.Equal(t, []int64{2, 1}, messageIDs(c))
	require.Len(t, backend.markCalls(), 1)
}

func TestReconcilerIdempotence(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	r, store := newTestReconciler(t, sess, newFakeBackend(), testConv(20, 1))

	ev := newEvent(20, 2, 1)
	require.NoError(t, r.Apply(ctx, sess, ev))
	require.NoError(t, r.Apply(ctx, sess, ev))

	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, []int64{2, 1}, messageIDs(c))
	require.Equal(t, 1, c.UnreadCount)
}

func TestReconcilerOrderingProperty(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	r, store := newTestReconciler(t, sess, newFakeBackend(), testConv(20, 50))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		require.NoError(t, r.Apply(ctx, sess, newEvent(20, int64(rng.Intn(100)+1), rng.Intn(5))))
	}
	c, _ := store.Snapshot().Conversation(20)
	requireOrdered(t, c)
	require.GreaterOrEqual(t, c.UnreadCount, 0)
}

func TestReconcilerLateOlderMessageKeepsCount(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	r, store := newTestReconciler(t, sess, newFakeBackend(), testConv(20, 9, 5))

	require.NoError(t, r.Apply(ctx, sess, newEvent(20, 10, 4)))
	require.NoError(t, r.Apply(ctx, sess, newEvent(20, 7, 2)))

	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, []int64{10, 9, 7, 5}, messageIDs(c))
	require.EqualValues(t, 10, c.LastMessageID)
	require.Equal(t, 4, c.UnreadCount)
}

func TestReconcilerSelfSentMessage(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(99)
	r, store := newTestReconciler(t, sess, newFakeBackend(), testConv(20, 1))

	require.NoError(t, r.Apply(ctx, sess, newEvent(20, 2, 1)))

	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, []int64{2, 1}, messageIDs(c))
	require.Zero(t, c.UnreadCount, "messages from the session user never count as unread")
}

func TestReconcilerUnknownConversation(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	remote := testConv(40, 7, 6, 5)
	remote.Nickname = "carol"
	backend := newFakeBackend(remote)

	t.Run("lazy fetch seeds the conversation", func(t *testing.T) {
		r, store := newTestReconciler(t, sess, backend, testConv(20, 1))
		require.NoError(t, r.Apply(ctx, sess, newEvent(40, 8, 1)))

		c, ok := store.Snapshot().Conversation(40)
		require.True(t, ok)
		require.Equal(t, "carol", c.Nickname)
		require.Equal(t, []int64{8}, messageIDs(c))
		require.EqualValues(t, 8, c.LastMessageID)
		require.Equal(t, 1, c.UnreadCount)
		require.False(t, c.HistoryExhausted)
	})

	t.Run("failed fetch drops the event and the next one retries", func(t *testing.T) {
		failing := newFakeBackend(remote)
		failing.getErr = errors.New("timeout")
		r, store := newTestReconciler(t, sess, failing)

		err := r.Apply(ctx, sess, newEvent(40, 8, 1))
		require.Error(t, err)
		require.False(t, store.Snapshot().Has(40))

		failing.mu.Lock()
		failing.getErr = nil
		failing.mu.Unlock()
		require.NoError(t, r.Apply(ctx, sess, newEvent(40, 9, 2)))
		c, _ := store.Snapshot().Conversation(40)
		require.Equal(t, []int64{9}, messageIDs(c))
		require.Equal(t, 2, failing.getCallCount())
	})

	t.Run("dispatch fetches in the background", func(t *testing.T) {
		r, store := newTestReconciler(t, sess, backend, testConv(20, 1))
		r.Dispatch(ctx, sess, newEvent(40, 8, 1))
		r.Dispatch(ctx, sess, newEvent(20, 2, 1))
		r.Wait()

		require.True(t, store.Snapshot().Has(40))
		c, _ := store.Snapshot().Conversation(20)
		require.Equal(t, []int64{2, 1}, messageIDs(c))
	})
}

func TestReconcilerDiscardsStaleSession(t *testing.T) {
	ctx := context.Background()
	old := newTestSession(1)
	r, store := newTestReconciler(t, old, newFakeBackend(), testConv(20, 1))

	_, err := store.BeginSession(ctx, newTestSession(1))
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll(ctx, []Conversation{testConv(20, 1)}))

	err = r.Apply(ctx, old, newEvent(20, 2, 1))
	require.ErrorIs(t, err, ErrSessionChanged)
	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, []int64{1}, messageIDs(c))
}

func TestReconcilerLazyFetchIsScopedToSession(t *testing.T) {
	old := newTestSession(1)
	backend := newFakeBackend(testConv(40, 7))
	backend.getGate = make(chan struct{})
	backend.getStarted = make(chan struct{}, 2)
	r, store := newTestReconciler(t, old, backend, testConv(20, 1))

	oldCtx, cancelOld := context.WithCancel(context.Background())
	stale := make(chan error, 1)
	go func() { stale <- r.Apply(oldCtx, old, newEvent(40, 8, 1)) }()
	<-backend.getStarted

	ctx := context.Background()
	sess := newTestSession(1)
	_, err := store.BeginSession(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceAll(ctx, []Conversation{testConv(20, 1)}))

	current := make(chan error, 1)
	go func() { current <- r.Apply(ctx, sess, newEvent(40, 9, 2)) }()
	select {
	case <-backend.getStarted:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "the new session joined the old session's fetch")
	}

	// Logging out the old session cancels its fetch only.
	cancelOld()
	require.ErrorIs(t, <-stale, context.Canceled)
	close(backend.getGate)
	require.NoError(t, <-current)

	c, ok := store.Snapshot().Conversation(40)
	require.True(t, ok)
	require.Equal(t, []int64{9}, messageIDs(c))
	require.Equal(t, 2, c.UnreadCount)
	require.Equal(t, 2, backend.getCallCount())
}

func TestReconcilerEchoOfOwnSend(t *testing.T) {
	ctx := context.Background()
	sess := newTestSession(1)
	backend := newFakeBackend()
	r, store := newTestReconciler(t, sess, backend, testConv(20, 1))
	sender := NewSender(store, backend, testLogger())

	sent, err := sender.Send(ctx, sess, 20, "hello", ContentText)
	require.NoError(t, err)

	echo := Event{Kind: EventNewMessage, ConversationID: 20, Message: sent, UnreadCount: 0}
	require.NoError(t, r.Apply(ctx, sess, echo))

	c, _ := store.Snapshot().Conversation(20)
	require.Equal(t, []int64{sent.ID, 1}, messageIDs(c))
	require.Empty(t, c.Pending)
}
