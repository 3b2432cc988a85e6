package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is one committed, immutable state of a Store. Accessors hand out
// copies, so callers may keep or modify what they receive.
type Snapshot struct {
	version       uint64
	sessionID     string
	owner         string
	conversations []Conversation
	index         map[int64]int
	focusedID     int64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{index: map[int64]int{}}
}

func (s *Snapshot) Version() uint64   { return s.version }
func (s *Snapshot) SessionID() string { return s.sessionID }
func (s *Snapshot) Owner() string     { return s.owner }
func (s *Snapshot) Len() int          { return len(s.conversations) }
func (s *Snapshot) FocusedID() int64  { return s.focusedID }

// Has reports whether the conversation is in the store.
func (s *Snapshot) Has(id int64) bool {
	_, ok := s.index[id]
	return ok
}

// Conversation returns a copy of one conversation.
func (s *Snapshot) Conversation(id int64) (Conversation, bool) {
	i, ok := s.index[id]
	if !ok {
		return Conversation{}, false
	}
	return s.conversations[i].clone(), true
}

// Conversations returns copies of every conversation in store order.
func (s *Snapshot) Conversations() []Conversation {
	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.clone()
	}
	return out
}

// Focused returns the focused conversation. It is resolved from the same
// list every other reader sees, so the two can never disagree.
func (s *Snapshot) Focused() (Conversation, bool) {
	if s.focusedID == 0 {
		return Conversation{}, false
	}
	return s.Conversation(s.focusedID)
}

// ============================================================================
// Tx
// ============================================================================

// Tx is a draft of the next store state. It is only valid inside the function
// passed to Store.Update.
type Tx struct {
	base      *Snapshot
	convs     []Conversation
	index     map[int64]int
	owned     map[int64]bool
	focusedID int64
	changed   bool
}

func newTx(base *Snapshot) *Tx {
	tx := &Tx{
		base:      base,
		convs:     append([]Conversation(nil), base.conversations...),
		index:     make(map[int64]int, len(base.index)),
		owned:     map[int64]bool{},
		focusedID: base.focusedID,
	}
	for id, i := range base.index {
		tx.index[id] = i
	}
	return tx
}

func (tx *Tx) SessionID() string { return tx.base.sessionID }
func (tx *Tx) FocusedID() int64  { return tx.focusedID }

// Has reports whether the conversation exists in the draft.
func (tx *Tx) Has(id int64) bool {
	_, ok := tx.index[id]
	return ok
}

// Lookup returns a copy of a conversation without marking the draft as changed.
func (tx *Tx) Lookup(id int64) (Conversation, bool) {
	i, ok := tx.index[id]
	if !ok {
		return Conversation{}, false
	}
	return tx.convs[i].clone(), true
}

// HasMessage reports whether the conversation already holds message msgID,
// without marking the draft as changed.
func (tx *Tx) HasMessage(convID, msgID int64) bool {
	i, ok := tx.index[convID]
	if !ok {
		return false
	}
	return tx.convs[i].Contains(msgID)
}

// Get returns a mutable pointer to a conversation in the draft.
func (tx *Tx) Get(id int64) (*Conversation, bool) {
	i, ok := tx.index[id]
	if !ok {
		return nil, false
	}
	if !tx.owned[id] {
		tx.convs[i] = tx.convs[i].clone()
		tx.owned[id] = true
	}
	tx.changed = true
	return &tx.convs[i], true
}

// Insert appends a conversation the store does not know yet.
func (tx *Tx) Insert(c Conversation) bool {
	if tx.Has(c.ID) {
		return false
	}
	c = c.clone()
	c.normalize()
	tx.index[c.ID] = len(tx.convs)
	tx.convs = append(tx.convs, c)
	tx.owned[c.ID] = true
	tx.changed = true
	return true
}

// ReplaceAll swaps the whole conversation list. Focus survives only if the
// focused conversation is still present.
func (tx *Tx) ReplaceAll(convs []Conversation) {
	tx.convs = make([]Conversation, 0, len(convs))
	tx.index = make(map[int64]int, len(convs))
	tx.owned = map[int64]bool{}
	for _, c := range convs {
		if _, dup := tx.index[c.ID]; dup {
			continue
		}
		c = c.clone()
		c.normalize()
		tx.index[c.ID] = len(tx.convs)
		tx.convs = append(tx.convs, c)
		tx.owned[c.ID] = true
	}
	if _, ok := tx.index[tx.focusedID]; !ok {
		tx.focusedID = 0
	}
	tx.changed = true
}

// Remove deletes a conversation, clearing focus if it was focused.
func (tx *Tx) Remove(id int64) bool {
	i, ok := tx.index[id]
	if !ok {
		return false
	}
	tx.convs = append(tx.convs[:i:i], tx.convs[i+1:]...)
	delete(tx.index, id)
	delete(tx.owned, id)
	for j := i; j < len(tx.convs); j++ {
		tx.index[tx.convs[j].ID] = j
	}
	if tx.focusedID == id {
		tx.focusedID = 0
	}
	tx.changed = true
	return true
}

// SetFocused focuses a conversation; zero clears the focus.
func (tx *Tx) SetFocused(id int64) error {
	if id != 0 && !tx.Has(id) {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if tx.focusedID != id {
		tx.focusedID = id
		tx.changed = true
	}
	return nil
}

// validate checks every conversation touched by the draft.
func (tx *Tx) validate() error {
	for id := range tx.owned {
		c := &tx.convs[tx.index[id]]
		if c.ID != id {
			return fmt.Errorf("conversation %d: id changed to %d", id, c.ID)
		}
		if c.UnreadCount < 0 {
			return fmt.Errorf("conversation %d: negative unread count %d", id, c.UnreadCount)
		}
		for i := 1; i < len(c.Messages); i++ {
			if c.Messages[i].ID >= c.Messages[i-1].ID {
				return fmt.Errorf("conversation %d: message %d out of order after %d", id, c.Messages[i].ID, c.Messages[i-1].ID)
			}
		}
		if head, ok := c.Head(); ok && (c.LastMessageID != head.ID || c.LastActiveTime != head.CreatedAt) {
			return fmt.Errorf("conversation %d: summary %d does not match head %d", id, c.LastMessageID, head.ID)
		}
	}
	return nil
}

func (tx *Tx) snapshot() *Snapshot {
	return &Snapshot{
		version:       tx.base.version + 1,
		sessionID:     tx.base.sessionID,
		owner:         tx.base.owner,
		conversations: tx.convs,
		index:         tx.index,
		focusedID:     tx.focusedID,
	}
}

// ============================================================================
// Store
// ============================================================================

// Store is the single source of truth for conversation state. Writers are
// serialized; readers get the last committed Snapshot without locking.
type Store struct {
	mu        sync.Mutex
	snap      atomic.Pointer[Snapshot]
	persister Persister
	logger    *slog.Logger

	subMu   sync.Mutex
	subs    map[int]chan *Snapshot
	nextSub int
}

// NewStore creates an empty store. persister may be nil.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: persister,
		logger:    logger,
		subs:      map[int]chan *Snapshot{},
	}
	s.snap.Store(emptySnapshot())
	return s
}

// Snapshot returns the last committed state.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Update runs fn against a draft and commits it atomically. If fn or the
// persister fails, nothing is committed.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, fn)
}

// UpdateSession is Update guarded by session identity: if the store has moved
// on to another session, fn is not run and ErrSessionChanged is returned.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(tx *Tx) error) error {
	return s.Update(ctx, func(tx *Tx) error {
		if tx.SessionID() != sessionID {
			return ErrSessionChanged
		}
		return fn(tx)
	})
}

func (s *Store) commitLocked(ctx context.Context, fn func(tx *Tx) error) error {
	tx := newTx(s.snap.Load())
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.changed {
		return nil
	}
	if err := tx.validate(); err != nil {
		return fmt.Errorf("store invariant violated: %w", err)
	}
	next := tx.snapshot()
	if s.persister != nil {
		if err := s.persister.Save(ctx, persistedState(next)); err != nil {
			return fmt.Errorf("persist store state: %w", err)
		}
	}
	s.snap.Store(next)
	s.publish(next)
	return nil
}

// ReplaceAll swaps the full conversation list in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, convs []Conversation) error {
	return s.Update(ctx, func(tx *Tx) error {
		tx.ReplaceAll(convs)
		return nil
	})
}

// SetFocused focuses a conversation; zero clears the focus.
func (s *Store) SetFocused(ctx context.Context, id int64) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetFocused(id)
	})
}

// Merge applies updater to one conversation in one transaction.
func (s *Store) Merge(ctx context.Context, id int64, updater func(c *Conversation) error) error {
	return s.Update(ctx, func(tx *Tx) error {
		c, ok := tx.Get(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, id)
		}
		return updater(c)
	})
}

// BeginSession resets the store for a new session and restores the state
// persisted for the same owner, if any. It reports whether state was restored.
func (s *Store) BeginSession(ctx context.Context, sess *Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	next := emptySnapshot()
	next.version = prev.version + 1
	next.sessionID = sess.ID
	next.owner = sess.Owner()

	restored := false
	if s.persister != nil {
		state, err := s.persister.Load(ctx, next.owner)
		if err != nil {
			s.logger.Warn("failed to load persisted chat state", "owner", next.owner, "err", err)
		} else if state != nil {
			for _, c := range state.Conversations {
				if _, dup := next.index[c.ID]; dup {
					continue
				}
				c.normalize()
				// Sends cut short by the previous process never got an answer.
				for i := range c.Pending {
					if c.Pending[i].Status == PendingSending {
						c.Pending[i].Status = PendingFailed
						c.Pending[i].Error = "interrupted"
					}
				}
				next.index[c.ID] = len(next.conversations)
				next.conversations = append(next.conversations, c)
			}
			if _, ok := next.index[state.FocusedID]; ok {
				next.focusedID = state.FocusedID
			}
			restored = len(next.conversations) > 0
		}
	}

	s.snap.Store(next)
	s.publish(next)
	return restored, nil
}

// EndSession drops in-memory state. Persisted state is kept for the next login.
func (s *Store) EndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := emptySnapshot()
	next.version = s.snap.Load().version + 1
	s.snap.Store(next)
	s.publish(next)
}

// Subscribe returns a channel that receives every committed snapshot. Slow
// readers only see the latest one. Call cancel to unsubscribe.
func (s *Store) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(snap *Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
