package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxImageSize is the largest image SendImage accepts.
const MaxImageSize = 5 << 20

// Sender posts local messages over REST. While a send is in flight it is
// shown as a PendingMessage on the conversation; a failed send stays there,
// marked failed, until it is retried or discarded.
type Sender struct {
	store   *Store
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

func NewSender(store *Store, backend Backend, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{store: store, backend: backend, logger: logger, now: time.Now}
}

// Send posts body to the conversation and merges the server's message at
// the head. An empty contentType means text.
func (s *Sender) Send(ctx context.Context, sess *Session, convID int64, body string, contentType ContentType) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyMessage
	}
	if contentType == "" {
		contentType = ContentText
	}
	if !contentType.Valid() {
		return Message{}, fmt.Errorf("unknown content type %q", contentType)
	}
	return s.enqueue(ctx, sess, convID, body, contentType, utf8.RuneCountInString(body))
}

// SendImage uploads an image and sends its URL as an image message whose
// length is the file size.
func (s *Sender) SendImage(ctx context.Context, sess *Session, convID int64, fileName string, data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if len(data) > MaxImageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}
	snap := s.store.Snapshot()
	if snap.SessionID() != sess.ID {
		return Message{}, ErrSessionChanged
	}
	if !snap.Has(convID) {
		return Message{}, fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
	}
	u, err := s.backend.Upload(ctx, fileName, data)
	if err != nil {
		return Message{}, fmt.Errorf("upload image for conversation %d: %w", convID, err)
	}
	return s.enqueue(ctx, sess, convID, u, ContentImage, len(data))
}

func (s *Sender) enqueue(ctx context.Context, sess *Session, convID int64, body string, contentType ContentType, length int) (Message, error) {
	p := PendingMessage{
		ClientID:      uuid.NewString(),
		ContentType:   contentType,
		ContentBody:   body,
		ContentLength: length,
		Status:        PendingSending,
		CreatedAt:     s.now().UnixMilli(),
	}
	err := s.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		c, ok := tx.Get(convID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
		}
		c.Pending = append(c.Pending, p)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.deliver(ctx, sess, convID, p)
}

// Retry resends a failed message.
func (s *Sender) Retry(ctx context.Context, sess *Session, convID int64, clientID string) (Message, error) {
	var p PendingMessage
	err := s.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		c, ok := tx.Get(convID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
		}
		i := pendingIndex(c, clientID)
		if i < 0 || c.Pending[i].Status != PendingFailed {
			return fmt.Errorf("%w: %s", ErrPendingNotFound, clientID)
		}
		c.Pending[i].Status = PendingSending
		c.Pending[i].Error = ""
		p = c.Pending[i]
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.deliver(ctx, sess, convID, p)
}

// Discard drops a failed message.
func (s *Sender) Discard(ctx context.Context, sess *Session, convID int64, clientID string) error {
	return s.store.UpdateSession(ctx, sess.ID, func(tx *Tx) error {
		c, ok := tx.Get(convID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
		}
		i := pendingIndex(c, clientID)
		if i < 0 || c.Pending[i].Status != PendingFailed {
			return fmt.Errorf("%w: %s", ErrPendingNotFound, clientID)
		}
		c.Pending = append(c.Pending[:i:i], c.Pending[i+1:]...)
		return nil
	})
}

func (s *Sender) deliver(ctx context.Context, sess *Session, convID int64, p PendingMessage) (Message, error) {
	msg, sendErr := s.backend.SendMessage(ctx, convID, SendRequest{
		ContentBody:   p.ContentBody,
		ContentType:   p.ContentType,
		ContentLength: p.ContentLength,
	})
	// The outcome is recorded even if the caller gave up waiting.
	storeCtx := context.WithoutCancel(ctx)

	if sendErr != nil {
		err := s.store.UpdateSession(storeCtx, sess.ID, func(tx *Tx) error {
			c, ok := tx.Get(convID)
			if !ok {
				return nil
			}
			if i := pendingIndex(c, p.ClientID); i >= 0 {
				c.Pending[i].Status = PendingFailed
				c.Pending[i].Error = sendErr.Error()
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrSessionChanged) {
			s.logger.Error("failed to mark message failed", "conversation_id", convID, "client_id", p.ClientID, "err", err)
		}
		return Message{}, fmt.Errorf("send message to conversation %d: %w", convID, sendErr)
	}

	if msg.ConversationID == 0 {
		msg.ConversationID = convID
	}
	if msg.SenderID == 0 {
		msg.SenderID = sess.UserID
	}
	err := s.store.UpdateSession(storeCtx, sess.ID, func(tx *Tx) error {
		c, ok := tx.Get(convID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrConversationNotFound, convID)
		}
		if i := pendingIndex(c, p.ClientID); i >= 0 {
			c.Pending = append(c.Pending[:i:i], c.Pending[i+1:]...)
		}
		c.insertLive(msg)
		c.UnreadCount = 0
		return nil
	})
	if err != nil {
		return msg, err
	}
	s.logger.Debug("message sent", "conversation_id", convID, "message_id", msg.ID, "client_id", p.ClientID)
	return msg, nil
}

func pendingIndex(c *Conversation, clientID string) int {
	for i := range c.Pending {
		if c.Pending[i].ClientID == clientID {
			return i
		}
	}
	return -1
}
