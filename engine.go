package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Engine wires the store, connection manager, reconciler, paginator and
// sender of one client around a shared Store.
type Engine struct {
	config  Config
	logger  *slog.Logger
	backend Backend
	client  *Client

	store      *Store
	conn       *ConnectionManager
	reconciler *Reconciler
	paginator  *Paginator
	sender     *Sender

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine. Either BaseURL or Backend must be set. Without a
// StreamURL the engine works over REST only.
func New(config Config) (*Engine, error) {
	cfg := config
	cfg.defaults()

	backend := cfg.Backend
	var client *Client
	if backend == nil {
		if cfg.BaseURL == "" {
			return nil, errors.New("chatsync: BaseURL or Backend is required")
		}
		client = NewClient("", WithBaseURL(cfg.BaseURL), WithHTTPClient(cfg.HTTPClient))
		backend = client
	}

	store := NewStore(cfg.Persister, cfg.Logger)
	return &Engine{
		config:     cfg,
		logger:     cfg.Logger,
		backend:    backend,
		client:     client,
		store:      store,
		conn:       NewConnectionManager(cfg.StreamURL, cfg),
		reconciler: NewReconciler(store, backend, cfg.Logger),
		paginator:  NewPaginator(store, backend, cfg.PageSize, cfg.HistoryDebounce, cfg.Logger),
		sender:     NewSender(store, backend, cfg.Logger),
	}, nil
}

func (e *Engine) Store() *Store                   { return e.store }
func (e *Engine) Connection() *ConnectionManager { return e.conn }
func (e *Engine) Paginator() *Paginator          { return e.paginator }
func (e *Engine) Backend() Backend               { return e.backend }

// Session returns the active session, or nil when stopped.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) activeSession() (*Session, error) {
	if sess := e.Session(); sess != nil {
		return sess, nil
	}
	return nil, ErrNoSession
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start begins a session for token, replacing any running one. State
// persisted for the same user is restored; otherwise the conversation list is
// fetched over REST. The stream is then opened and its events reconciled.
func (e *Engine) Start(ctx context.Context, token string) error {
	sess, err := ParseSession(token)
	if err != nil {
		return err
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stop()

	if e.client != nil {
		e.client.SetToken(sess.Token)
	}
	restored, err := e.store.BeginSession(ctx, sess)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.session = sess
	e.cancel = cancel
	e.mu.Unlock()

	if restored {
		e.logger.Info("restored chat state", "owner", sess.Owner(), "conversations", e.store.Snapshot().Len())
	} else if err := e.bootstrap(ctx, sess, false); err != nil {
		e.stop()
		return fmt.Errorf("bootstrap: %w", err)
	}

	if e.config.StreamURL == "" {
		return nil
	}
	if err := e.conn.Start(sess.Token); err != nil {
		e.stop()
		return err
	}
	done := make(chan struct{})
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	go e.consume(runCtx, sess, done)
	return nil
}

// Stop closes the stream and ends the session. In-flight REST results that
// arrive afterwards are discarded; persisted state is kept.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stop()
}

func (e *Engine) stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.session, e.cancel, e.done = nil, nil, nil
	e.mu.Unlock()

	e.conn.Stop()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	e.store.EndSession()
}

// Reconnect restarts the stream after reconnect attempts were exhausted.
func (e *Engine) Reconnect() error {
	if _, err := e.activeSession(); err != nil {
		return err
	}
	if e.config.StreamURL == "" {
		return ErrNotConnected
	}
	return e.conn.Retry()
}

// Refresh refetches the conversation list, keeping loaded history and
// pending sends of conversations that are still present.
func (e *Engine) Refresh(ctx context.Context) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	return e.bootstrap(ctx, sess, true)
}

func (e *Engine) consume(ctx context.Context, sess *Session, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.conn.Events():
			e.reconciler.Dispatch(ctx, sess, ev)
		}
	}
}

func (e *Engine) bootstrap(ctx context.Context, sess *Session, keepLocal bool) error {
	convs, err := e.backend.ListConversations(ctx)
	if err != nil {
		return err
	}
	err = e.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		for i := range convs {
			c := &convs[i]
			c.HistoryExhausted = false
			c.Pending = nil
			if !keepLocal {
				continue
			}
			old, ok := tx.Lookup(c.ID)
			if !ok {
				continue
			}
			c.Pending = old.Pending
			if tx.FocusedID() == c.ID {
				c.UnreadCount = 0
			}
			if head, ok := old.Head(); ok && !reaches(c, head.ID) {
				// Messages were missed while away; keeping the local pages would leave a gap.
				continue
			}
			fresh := c.Messages
			c.Messages = old.Messages
			for _, m := range fresh {
				c.insertLive(m)
			}
			c.HistoryExhausted = old.HistoryExhausted
		}
		tx.ReplaceAll(convs)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("conversations loaded", "count", len(convs))
	return nil
}

// reaches reports whether the server copy c connects to a local list whose
// newest message is headID: its oldest message is at or below headID, or it
// carries no messages and nothing newer than headID.
func reaches(c *Conversation, headID int64) bool {
	if len(c.Messages) == 0 {
		return c.LastMessageID <= headID
	}
	oldest := c.Messages[0].ID
	for _, m := range c.Messages[1:] {
		oldest = min(oldest, m.ID)
	}
	return oldest <= headID
}

// ============================================================================
// Operations
// ============================================================================

// Focus opens a conversation: its unread count drops to zero and a read
// receipt for its newest message is sent. Zero clears the focus.
func (e *Engine) Focus(ctx context.Context, convID int64) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	var ack int64
	err = e.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		if err := tx.SetFocused(convID); err != nil || convID == 0 {
			return err
		}
		c, _ := tx.Get(convID)
		c.UnreadCount = 0
		if head, ok := c.Head(); ok {
			ack = head.ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.reconciler.ack(ctx, convID, ack)
	return nil
}

// OpenPrivate opens the private conversation with userID, adding it to the
// store if needed, and focuses it.
func (e *Engine) OpenPrivate(ctx context.Context, userID int64) (Conversation, error) {
	sess, err := e.activeSession()
	if err != nil {
		return Conversation{}, err
	}
	conv, err := e.backend.CreatePrivate(ctx, userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("open private conversation with %d: %w", userID, err)
	}
	err = e.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		if !tx.Has(conv.ID) {
			conv.Messages = nil
			conv.Pending = nil
			conv.HistoryExhausted = false
			tx.Insert(conv)
		}
		if err := tx.SetFocused(conv.ID); err != nil {
			return err
		}
		c, _ := tx.Get(conv.ID)
		c.UnreadCount = 0
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	out, _ := e.store.Snapshot().Conversation(conv.ID)
	return out, nil
}

// LoadOlder loads one page of older history for the conversation.
func (e *Engine) LoadOlder(ctx context.Context, convID int64) (int, error) {
	sess, err := e.activeSession()
	if err != nil {
		return 0, err
	}
	return e.paginator.LoadOlder(ctx, sess, convID)
}

// TriggerHistory reports that the viewport reached the oldest loaded message
// of the focused conversation.
func (e *Engine) TriggerHistory(ctx context.Context) (int, error) {
	sess, err := e.activeSession()
	if err != nil {
		return 0, err
	}
	return e.paginator.Trigger(ctx, sess)
}

// Send posts a message to the conversation.
func (e *Engine) Send(ctx context.Context, convID int64, body string, contentType ContentType) (Message, error) {
	sess, err := e.activeSession()
	if err != nil {
		return Message{}, err
	}
	return e.sender.Send(ctx, sess, convID, body, contentType)
}

// SendImage uploads an image and posts it to the conversation.
func (e *Engine) SendImage(ctx context.Context, convID int64, fileName string, data []byte) (Message, error) {
	sess, err := e.activeSession()
	if err != nil {
		return Message{}, err
	}
	return e.sender.SendImage(ctx, sess, convID, fileName, data)
}

// RetrySend resends a failed message.
func (e *Engine) RetrySend(ctx context.Context, convID int64, clientID string) (Message, error) {
	sess, err := e.activeSession()
	if err != nil {
		return Message{}, err
	}
	return e.sender.Retry(ctx, sess, convID, clientID)
}

// DiscardSend drops a failed message.
func (e *Engine) DiscardSend(ctx context.Context, convID int64, clientID string) error {
	sess, err := e.activeSession()
	if err != nil {
		return err
	}
	return e.sender.Discard(ctx, sess, convID, clientID)
}

// Wait blocks until background fetches and read receipts have finished.
func (e *Engine) Wait() {
	e.reconciler.Wait()
}
