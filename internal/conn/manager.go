// ABOUTME: ConnectionManager owns the real-time channel lifecycle for one session.
// ABOUTME: Registration handshake, reconnect with backoff, request correlation, push dispatch.

package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storechat/engine/internal/channel"
	"github.com/storechat/engine/internal/chat"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Identity is the local participant registered on the channel.
type Identity struct {
	ParticipantID string
	Role          chat.Role
}

// Options tunes manager timeouts and reconnect backoff.
type Options struct {
	// SendTimeout bounds sendMessage round trips. A send with no reply
	// within this window is reported as a failed send so the pending entry
	// does not linger forever.
	SendTimeout time.Duration
	// RequestTimeout bounds history and mark-read round trips.
	RequestTimeout time.Duration
	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// reconnect attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o *Options) withDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

// Manager owns the channel: it is the only component that writes to the
// transport. Everything else consumes it through the RPC methods and the
// OnMessage/OnConnected hooks.
type Manager struct {
	dial   channel.Dialer
	opts   Options
	logger *slog.Logger

	onConnected func(context.Context)
	onMessage   func(chat.Message)

	mu        sync.Mutex
	state     State
	transport channel.Transport
	identity  Identity
	pending   map[string]chan *channel.Frame
	stateSubs map[string]chan State
	closed    bool
	gen       int // connection generation; guards stale read loops
}

// NewManager creates a manager that dials with the given dialer. Pass nil
// logger for default.
func NewManager(dial channel.Dialer, opts Options, logger *slog.Logger) *Manager {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dial:      dial,
		opts:      opts,
		logger:    logger.With("component", "conn"),
		pending:   make(map[string]chan *channel.Frame),
		stateSubs: make(map[string]chan State),
	}
}

// OnConnected sets the hook fired after every successful connect or
// reconnect, once registration has been sent. This is where the initial
// conversation and history sync is driven from. Set before Connect.
func (m *Manager) OnConnected(fn func(context.Context)) {
	m.onConnected = fn
}

// OnMessage sets the handler for newMessage pushes. Pushes for one
// connection are delivered in arrival order, off the read loop, so the
// handler may issue RPCs on this manager. Set before Connect.
func (m *Manager) OnMessage(fn func(chat.Message)) {
	m.onMessage = fn
}

// Connect establishes the channel and performs the registration handshake.
// Idempotent: calling while already connected re-registers and returns nil.
// The given context governs the whole session, including reconnects.
func (m *Manager) Connect(ctx context.Context, id Identity) error {
	m.mu.Lock()
	m.identity = id
	m.closed = false
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		if err := m.Register(ctx); err != nil {
			m.logger.Warn("re-registration failed", "error", err)
		}
		return nil
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	t, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("connecting channel: %w", err)
	}

	m.adoptTransport(ctx, t)
	return nil
}

// adoptTransport installs a fresh transport, starts its read loop, sends
// registration and fires the connected hook.
func (m *Manager) adoptTransport(ctx context.Context, t channel.Transport) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.transport = t
	m.gen++
	gen := m.gen
	id := m.identity
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(ctx, t, gen)

	if err := m.Register(ctx); err != nil {
		m.logger.Warn("registration failed", "error", err)
	}
	if m.onConnected != nil {
		go m.onConnected(ctx)
	}

	m.logger.Info("channel connected", "participant_id", id.ParticipantID)
}

// Disconnect tears down the channel. Safe to call multiple times. No
// reconnection is attempted afterwards until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed && m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.closed = true
	t := m.transport
	m.transport = nil
	m.failPendingLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	m.logger.Info("channel disconnected")
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChanges subscribes to state transitions. The channel is buffered and
// slow consumers miss intermediate states rather than blocking the manager.
// The subscription ends when ctx is cancelled.
func (m *Manager) StateChanges(ctx context.Context) <-chan State {
	subID := uuid.New().String()
	ch := make(chan State, 8)

	m.mu.Lock()
	m.stateSubs[subID] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if c, ok := m.stateSubs[subID]; ok {
			delete(m.stateSubs, subID)
			close(c)
		}
		m.mu.Unlock()
	}()

	return ch
}

// Register sends the registration handshake. No reply is expected and
// re-sending is idempotent server-side.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	t := m.transport
	id := m.identity
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || t == nil {
		return channel.ErrNotConnected
	}
	f, err := channel.NewRequest(channel.FrameRegister, channel.RegisterPayload{
		ParticipantID: id.ParticipantID,
		Role:          id.Role,
	})
	if err != nil {
		return err
	}
	return t.WriteFrame(f)
}

// SendMessage submits a message and waits for the server-confirmed copy.
// Failures and timeouts are reported as ErrSendFailed so the caller can
// discard the pending entry and show a retry affordance.
func (m *Manager) SendMessage(ctx context.Context, p channel.SendMessagePayload) (chat.Message, error) {
	f, err := channel.NewRequest(channel.FrameSendMessage, p)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	reply, err := m.roundTrip(ctx, f, m.opts.SendTimeout)
	if err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	if rerr := reply.Err(); rerr != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", channel.ErrSendFailed, rerr)
	}
	msg, err := channel.DecodeMessage(reply)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", channel.ErrSendFailed, err)
	}
	return msg, nil
}

// GetConversation fetches one conversation's full history.
func (m *Manager) GetConversation(ctx context.Context, counterpartyID string) ([]chat.Message, error) {
	f, err := channel.NewRequest(channel.FrameGetConversation, channel.GetConversationPayload{
		CounterpartyID: counterpartyID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, err)
	}
	reply, err := m.roundTrip(ctx, f, m.opts.RequestTimeout)
	if err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, err)
	}
	if rerr := reply.Err(); rerr != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, rerr)
	}
	msgs, err := channel.DecodeMessages(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, err)
	}
	return msgs, nil
}

// MarkAsRead acknowledges a message as read server-side. Failures are
// non-fatal: the read tracker retries on its next sweep.
func (m *Manager) MarkAsRead(ctx context.Context, messageID string) error {
	f, err := channel.NewRequest(channel.FrameMarkAsRead, channel.MarkAsReadPayload{
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", channel.ErrMarkReadFailed, err)
	}
	reply, err := m.roundTrip(ctx, f, m.opts.RequestTimeout)
	if err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %v", channel.ErrMarkReadFailed, err)
	}
	if rerr := reply.Err(); rerr != nil {
		return fmt.Errorf("%w: %v", channel.ErrMarkReadFailed, rerr)
	}
	return nil
}

// roundTrip sends a request frame and waits for its correlated reply.
func (m *Manager) roundTrip(ctx context.Context, f *channel.Frame, timeout time.Duration) (*channel.Frame, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return nil, channel.ErrNotConnected
	}
	t := m.transport
	ch := make(chan *channel.Frame, 1)
	m.pending[f.RequestID] = ch
	m.mu.Unlock()

	defer m.closeRequest(f.RequestID)

	if err := t.WriteFrame(f); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			// Connection dropped while waiting.
			return nil, channel.ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeRequest removes a pending request if it is still registered.
func (m *Manager) closeRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.pending[requestID]; ok {
		delete(m.pending, requestID)
		close(ch)
	}
}

// failPendingLocked closes all in-flight request channels so their callers
// observe ErrNotConnected. Must be called with mu held.
func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

// pushQueueSize bounds the per-connection push queue. A full queue applies
// backpressure to the read loop instead of dropping messages.
const pushQueueSize = 256

// readLoop pumps frames from one transport until it fails or is superseded.
// Pushes are handed to a separate delivery goroutine: the message handler
// may issue RPCs, and their replies can only be read here.
func (m *Manager) readLoop(ctx context.Context, t channel.Transport, gen int) {
	pushes := make(chan chat.Message, pushQueueSize)
	defer close(pushes)
	go m.pushLoop(pushes)

	for {
		f, err := t.ReadFrame()
		if err != nil {
			m.handleReadError(ctx, gen, err)
			return
		}
		m.dispatch(f, pushes)
	}
}

// pushLoop delivers pushes to the message handler in arrival order.
func (m *Manager) pushLoop(pushes <-chan chat.Message) {
	for msg := range pushes {
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

// dispatch routes one inbound frame: replies to their waiting request,
// pushes onto the delivery queue.
func (m *Manager) dispatch(f *channel.Frame, pushes chan<- chat.Message) {
	switch f.Type {
	case channel.FrameReply:
		m.mu.Lock()
		ch, ok := m.pending[f.RequestID]
		m.mu.Unlock()
		if !ok {
			m.logger.Warn("reply for unknown request", "request_id", f.RequestID)
			return
		}
		select {
		case ch <- f:
		default:
		}

	case channel.FrameNewMessage:
		msg, err := channel.DecodeMessage(f)
		if err != nil {
			m.logger.Warn("dropping malformed push", "error", err)
			return
		}
		pushes <- msg

	default:
		m.logger.Warn("unexpected frame type", "type", f.Type)
	}
}

// handleReadError reacts to a transport failure: unless this manager was
// deliberately disconnected or the transport was already superseded, it
// fails in-flight requests and starts the reconnect loop.
func (m *Manager) handleReadError(ctx context.Context, gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.failPendingLocked()
	m.setStateLocked(StateDisconnected)
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.logger.Warn("channel lost, reconnecting", "error", err)
	go m.reconnectLoop(ctx)
}

// reconnectLoop redials with capped exponential backoff until it succeeds,
// the session context ends, or Disconnect is called.
func (m *Manager) reconnectLoop(ctx context.Context) {
	backoff := m.opts.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		default:
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		t, err := m.dial(ctx)
		if err == nil {
			m.adoptTransport(ctx, t)
			return
		}

		m.logger.Debug("reconnect attempt failed", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.opts.ReconnectMax {
			backoff = m.opts.ReconnectMax
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked updates the state and fans it out to subscribers without
// blocking. Must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	for _, ch := range m.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
}
