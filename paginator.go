package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Paginator loads older history into the store, one page per call.
type Paginator struct {
	store    *Store
	backend  Backend
	logger   *slog.Logger
	pageSize int
	limiter  *rate.Limiter

	mu       sync.Mutex
	inFlight map[loadKey]bool
}

// loadKey scopes in-flight loads to a session, so a load left over from a
// stopped session never holds back the next one.
type loadKey struct {
	session string
	conv    int64
}

// NewPaginator creates a paginator. Trigger fires at most once per debounce.
func NewPaginator(store *Store, backend Backend, pageSize int, debounce time.Duration, logger *slog.Logger) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if debounce > 0 {
		limit = rate.Every(debounce)
	}
	return &Paginator{
		store:    store,
		backend:  backend,
		logger:   logger,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(limit, 1),
		inFlight: map[loadKey]bool{},
	}
}

// LoadOlder fetches the page older than the conversation's tail and appends
// it. It returns the number of messages added. It does nothing when history
// is exhausted or a load for the same conversation is already running.
func (p *Paginator) LoadOlder(ctx context.Context, sess *Session, convID int64) (int, error) {
	snap := p.store.Snapshot()
	if snap.SessionID() != sess.ID {
		return 0, ErrSessionChanged
	}
	conv, ok := snap.Conversation(convID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
	}
	if conv.HistoryExhausted {
		return 0, nil
	}
	key := loadKey{sess.ID, convID}
	if !p.begin(key) {
		return 0, nil
	}
	defer p.end(key)

	var before int64
	if tail, ok := conv.Tail(); ok {
		before = tail.ID
	}
	page, err := p.backend.History(ctx, convID, before, p.pageSize)
	if err != nil {
		return 0, fmt.Errorf("load history of conversation %d: %w", convID, err)
	}

	added := 0
	err = p.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		c, ok := tx.Get(convID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
		}
		added = c.appendOlder(page)
		if len(page) < p.pageSize {
			c.HistoryExhausted = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.logger.Debug("history page merged", "conversation_id", convID, "before", before, "fetched", len(page), "added", added)
	return added, nil
}

// Trigger is called when the viewport reaches the oldest loaded message of
// the focused conversation. Calls closer together than the debounce interval
// are ignored.
func (p *Paginator) Trigger(ctx context.Context, sess *Session) (int, error) {
	focused := p.store.Snapshot().FocusedID()
	if focused == 0 {
		return 0, nil
	}
	if !p.limiter.Allow() {
		return 0, nil
	}
	return p.LoadOlder(ctx, sess, focused)
}

// Loading reports whether a page load is running for the conversation in sess.
func (p *Paginator) Loading(sess *Session, convID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[loadKey{sess.ID, convID}]
}

func (p *Paginator) begin(key loadKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[key] {
		return false
	}
	p.inFlight[key] = true
	return true
}

func (p *Paginator) end(key loadKey) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
}

// ── Scroll anchoring ──────────────────────────────────────

// AnchorToken remembers where a message sat before a page was merged.
type AnchorToken struct {
	ConversationID int64
	MessageID      int64
	fromTail       int
	valid          bool
}

// CaptureAnchor records the position of msgID, counted from the oldest
// loaded message, which is the edge older pages are added to.
func (p *Paginator) CaptureAnchor(convID, msgID int64) AnchorToken {
	tok := AnchorToken{ConversationID: convID, MessageID: msgID}
	conv, ok := p.store.Snapshot().Conversation(convID)
	if !ok {
		return tok
	}
	if i := conv.indexOf(msgID); i >= 0 {
		tok.fromTail = len(conv.Messages) - 1 - i
		tok.valid = true
	}
	return tok
}

// RestoreAnchor returns how many messages were added on the older side of the
// anchor since it was captured. ok is false when the anchor message is gone.
func (p *Paginator) RestoreAnchor(tok AnchorToken) (shift int, ok bool) {
	if !tok.valid {
		return 0, false
	}
	conv, found := p.store.Snapshot().Conversation(tok.ConversationID)
	if !found {
		return 0, false
	}
	i := conv.indexOf(tok.MessageID)
	if i < 0 {
		return 0, false
	}
	return len(conv.Messages) - 1 - i - tok.fromTail, true
}
