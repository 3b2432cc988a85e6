package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// authFrame is sent as soon as the stream opens.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// inboundFrame is the envelope of every server push.
type inboundFrame struct {
	ReceiveType string          `json:"receive_type"`
	Payload     json.RawMessage `json:"payload"`
}

type newMessagePayload struct {
	Message       *Message `json:"message"`
	UnreadMessage int      `json:"unread_message"`
}

type EventKind string

const EventNewMessage EventKind = "new_message"

// Event is a decoded inbound frame.
type Event struct {
	Kind           EventKind
	ConversationID int64
	Message        Message
	// UnreadCount is the server's unread count for the conversation after this message.
	UnreadCount int
}

const maxFrameSize = 1 << 20

// decodeFrame returns ok=false for well-formed frames of kinds this client ignores.
func decodeFrame(data []byte) (ev Event, ok bool, err error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, false, fmt.Errorf("decode frame: %w", err)
	}
	switch EventKind(frame.ReceiveType) {
	case EventNewMessage:
		var p newMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, false, fmt.Errorf("decode new_message payload: %w", err)
		}
		if p.Message == nil || p.Message.ConversationID == 0 || p.Message.ID == 0 {
			return Event{}, false, errors.New("new_message payload without message or ids")
		}
		unread := p.UnreadMessage
		if unread < 0 {
			unread = 0
		}
		return Event{
			Kind:           EventNewMessage,
			ConversationID: p.Message.ConversationID,
			Message:        *p.Message,
			UnreadCount:    unread,
		}, true, nil
	case "":
		return Event{}, false, errors.New("frame without receive_type")
	default:
		return Event{}, false, nil
	}
}

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the connection manager's state.
//
//	Idle -> Connecting -> Authenticated -> Degraded -> Connecting ... -> Exhausted
//
// Stop forces Idle from any state. Exhausted is left only through Retry or Start.
type ConnState string

const (
	StateIdle          ConnState = "idle"
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateDegraded      ConnState = "degraded"
	StateExhausted     ConnState = "exhausted"
)

// StatusEvent reports a state transition. Attempt counts consecutive failed
// connections; it is zero once authenticated.
type StatusEvent struct {
	State   ConnState
	Attempt int
	Err     error
}

// ============================================================================
// ConnectionManager
// ============================================================================

type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// ConnectionManager owns the single streaming connection of a session. It
// authenticates every new connection, reconnects after a fixed delay up to
// MaxReconnectAttempts times (negative means forever), and publishes decoded
// frames on Events and transitions on Status.
type ConnectionManager struct {
	url    string
	config *Config
	logger *slog.Logger
	dial   dialFunc

	mu      sync.Mutex
	state   ConnState
	attempt int
	token   string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	events chan Event
	status chan StatusEvent
}

// NewConnectionManager creates an idle manager for the stream at url.
func NewConnectionManager(url string, config Config) *ConnectionManager {
	cfg := config
	cfg.defaults()
	return &ConnectionManager{
		url:    url,
		config: &cfg,
		logger: cfg.Logger,
		dial:   defaultDial,
		state:  StateIdle,
		events: make(chan Event, 256),
		status: make(chan StatusEvent, 64),
	}
}

// Events yields decoded inbound frames in receipt order.
func (m *ConnectionManager) Events() <-chan Event { return m.events }

// Status yields state transitions. Slow readers lose older transitions.
func (m *ConnectionManager) Status() <-chan StatusEvent { return m.status }

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens the connection for token, replacing any previous one. Without
// a token the manager stays idle and no connection is attempted.
func (m *ConnectionManager) Start(token string) error {
	m.Stop()
	if token == "" {
		return ErrNoSession
	}
	// Frames received under a previous credential must not leak into this one.
	for drained := false; !drained; {
		select {
		case <-m.events:
		default:
			drained = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.token = token
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, token, done)
	return nil
}

// Retry restarts the connection after retries were exhausted or after Stop.
func (m *ConnectionManager) Retry() error {
	m.mu.Lock()
	token, state := m.token, m.state
	m.mu.Unlock()

	if token == "" {
		return ErrNoSession
	}
	switch state {
	case StateConnecting, StateAuthenticated, StateDegraded:
		return nil
	}
	return m.Start(token)
}

// Stop closes the connection, cancels any pending reconnect and moves to Idle.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	<-done
	m.setState(StateIdle, 0, nil)
}

func (m *ConnectionManager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		m.setState(StateConnecting, failures, nil)
		conn, err := m.connect(ctx, token)
		if err == nil {
			failures = 0
			m.setConn(conn)
			m.setState(StateAuthenticated, 0, nil)
			err = m.serve(ctx, conn)
			m.setConn(nil)
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if m.config.MaxReconnectAttempts >= 0 && failures > m.config.MaxReconnectAttempts {
			m.setState(StateExhausted, failures-1, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
			return
		}
		m.setState(StateDegraded, failures, err)

		timer := time.NewTimer(m.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials and sends the auth frame. Reading starts only afterwards, so
// nothing is accepted from a connection that has not been authenticated.
func (m *ConnectionManager) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, m.url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	data, err := json.Marshal(authFrame{Type: "auth", Token: "Bearer " + token})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		return nil, fmt.Errorf("send auth frame: %w", err)
	}
	return conn, nil
}

func (m *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	go m.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev, ok, err := decodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "err", err, "size", len(data))
			continue
		}
		if !ok {
			m.logger.Debug("ignoring frame", "size", len(data))
			continue
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *ConnectionManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat failed", "err", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (m *ConnectionManager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *ConnectionManager) setState(state ConnState, attempt int, err error) {
	m.mu.Lock()
	changed := m.state != state || m.attempt != attempt
	m.state = state
	m.attempt = attempt
	m.mu.Unlock()
	if !changed && err == nil {
		return
	}

	switch state {
	case StateDegraded:
		m.logger.Warn("stream disconnected", "attempt", attempt, "retry_in", m.config.ReconnectDelay, "err", err)
	case StateExhausted:
		m.logger.Error("stream reconnect attempts exhausted", "attempts", attempt, "err", err)
	default:
		m.logger.Info("stream state changed", "state", string(state), "attempt", attempt)
	}

	ev := StatusEvent{State: state, Attempt: attempt, Err: err}
	select {
	case m.status <- ev:
	default:
		select {
		case <-m.status:
		default:
		}
		select {
		case m.status <- ev:
		default:
		}
	}
}
