package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Reconciler merges live events into the store. Events are applied one at a
// time; REST side effects (lazy fetches, read receipts) run on their own
// goroutines so the stream is never blocked on a round-trip.
type Reconciler struct {
	store   *Store
	backend Backend
	logger  *slog.Logger

	fetches singleflight.Group
	wg      sync.WaitGroup
}

func NewReconciler(store *Store, backend Backend, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, backend: backend, logger: logger}
}

var errConversationGone = errors.New("conversation left the store")

// Apply processes one event synchronously, including the lazy fetch of an
// unknown conversation. Duplicate deliveries leave the store untouched.
func (r *Reconciler) Apply(ctx context.Context, sess *Session, ev Event) error {
	if ev.Kind != EventNewMessage {
		return nil
	}
	if r.store.Snapshot().Has(ev.ConversationID) {
		err := r.applyKnown(ctx, sess, ev)
		if !errors.Is(err, errConversationGone) {
			return err
		}
	}
	return r.applyUnknown(ctx, sess, ev)
}

// Dispatch applies events for known conversations inline and hands events
// for unknown ones to a goroutine, so later events are not held up by the fetch.
func (r *Reconciler) Dispatch(ctx context.Context, sess *Session, ev Event) {
	if ev.Kind != EventNewMessage {
		return
	}
	if r.store.Snapshot().Has(ev.ConversationID) {
		if err := r.applyKnown(ctx, sess, ev); err == nil || !errors.Is(err, errConversationGone) {
			r.logFailure(ev, err)
			return
		}
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logFailure(ev, r.applyUnknown(ctx, sess, ev))
	}()
}

// Wait blocks until every background fetch and read receipt has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) logFailure(ev Event, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionChanged), errors.Is(err, context.Canceled):
		r.logger.Debug("discarding event from previous session", "conversation_id", ev.ConversationID, "message_id", ev.Message.ID)
	default:
		r.logger.Warn("dropping event", "conversation_id", ev.ConversationID, "message_id", ev.Message.ID, "err", err)
	}
}

func (r *Reconciler) applyKnown(ctx context.Context, sess *Session, ev Event) error {
	var ack int64
	err := r.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		if !tx.Has(ev.ConversationID) {
			return errConversationGone
		}
		var err error
		ack, err = mergeEvent(tx, sess, ev)
		return err
	})
	if err != nil {
		return err
	}
	r.ack(ctx, ev.ConversationID, ack)
	return nil
}

func (r *Reconciler) applyUnknown(ctx context.Context, sess *Session, ev Event) error {
	id := ev.ConversationID
	// Fetches are shared within one session only.
	key := sess.ID + ":" + strconv.FormatInt(id, 10)
	v, err, _ := r.fetches.Do(key, func() (interface{}, error) {
		return r.backend.GetConversation(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("fetch conversation %d: %w", id, err)
	}
	conv := v.(Conversation).clone()

	var ack int64
	err = r.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		if tx.Has(id) {
			// Inserted by a concurrent event for the same conversation.
			var err error
			ack, err = mergeEvent(tx, sess, ev)
			return err
		}
		conv.ID = id
		conv.Messages = []Message{ev.Message}
		conv.Pending = nil
		conv.HistoryExhausted = false
		conv.UnreadCount = ev.UnreadCount
		if isSelfSent(sess, ev.Message) {
			conv.UnreadCount = 0
		}
		tx.Insert(conv)
		return nil
	})
	if err != nil {
		return err
	}
	r.ack(ctx, id, ack)
	return nil
}

// mergeEvent applies ev to a conversation already in the draft and returns
// the message id to acknowledge, or zero.
func mergeEvent(tx *Tx, sess *Session, ev Event) (int64, error) {
	if tx.HasMessage(ev.ConversationID, ev.Message.ID) {
		return 0, nil
	}
	c, ok := tx.Get(ev.ConversationID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrConversationNotFound, ev.ConversationID)
	}
	_, isHead := c.insertLive(ev.Message)

	switch {
	case tx.FocusedID() == c.ID:
		c.UnreadCount = 0
		if isHead {
			return ev.Message.ID, nil
		}
	case isSelfSent(sess, ev.Message):
		// Sent from another device of the same user.
	case isHead:
		c.UnreadCount = ev.UnreadCount
	default:
		// A late older message carries a stale count.
		c.UnreadCount = max(c.UnreadCount, ev.UnreadCount)
	}
	return 0, nil
}

func isSelfSent(sess *Session, m Message) bool {
	return sess.UserID != 0 && m.SenderID == sess.UserID
}

// ack sends a best-effort read receipt. Failures are logged, never retried.
func (r *Reconciler) ack(ctx context.Context, convID, msgID int64) {
	if msgID == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.backend.MarkRead(ctx, convID, msgID); err != nil {
			r.logger.Warn("mark read failed", "conversation_id", convID, "message_id", msgID, "err", err)
		}
	}()
}
