// ABOUTME: AgentSession wires the multi-conversation support view.
// ABOUTME: Cache, roster index, read tracker and broadcaster driven off one channel.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storechat/engine/internal/channel"
	"github.com/storechat/engine/internal/chat"
	"github.com/storechat/engine/internal/conn"
	"github.com/storechat/engine/internal/convcache"
	"github.com/storechat/engine/internal/readtracker"
	"github.com/storechat/engine/internal/roster"
)

// Channel is what a session needs from the connection manager.
type Channel interface {
	Connect(ctx context.Context, id conn.Identity) error
	Disconnect()
	State() conn.State
	SendMessage(ctx context.Context, p channel.SendMessagePayload) (chat.Message, error)
	GetConversation(ctx context.Context, counterpartyID string) ([]chat.Message, error)
	MarkAsRead(ctx context.Context, messageID string) error
	OnConnected(fn func(context.Context))
	OnMessage(fn func(chat.Message))
}

// RosterFetcher is the REST bootstrap source for the agent roster.
type RosterFetcher interface {
	Conversations(ctx context.Context) ([]roster.BootstrapRow, error)
}

// AgentOptions tunes an agent session.
type AgentOptions struct {
	MatchWindow time.Duration
	// CacheSize bounds the conversation cache; <= 0 keeps every preloaded
	// conversation for the session.
	CacheSize int
}

// AgentSession is the engine behind the support-agent view: every push is
// routed to the right cached conversation, the roster stays sorted by
// recency, and read receipts are acknowledged for the conversation the
// agent has selected.
type AgentSession struct {
	identity conn.Identity
	ch       Channel
	rosterc  RosterFetcher

	cache   *convcache.Cache
	index   *roster.Index
	tracker *readtracker.Tracker
	events  *chat.Broadcaster
	logger  *slog.Logger

	mu       sync.Mutex
	selected string
}

// NewAgentSession assembles an agent session around the given channel and
// roster source. rosterc may be nil when no REST bootstrap is available.
func NewAgentSession(identity conn.Identity, ch Channel, rosterc RosterFetcher, opts AgentOptions, logger *slog.Logger) *AgentSession {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent-session")

	s := &AgentSession{
		identity: identity,
		ch:       ch,
		rosterc:  rosterc,
		index:    roster.NewIndex(identity.ParticipantID, identity.Role, logger),
		tracker:  readtracker.New(identity.ParticipantID, identity.Role, ch, logger),
		events:   chat.NewBroadcaster(logger),
		logger:   logger,
	}
	s.cache = convcache.New(opts.CacheSize, opts.MatchWindow, ch.GetConversation, logger)
	s.cache.OnLoaded(s.historyLoaded)

	ch.OnMessage(s.handleMessage)
	ch.OnConnected(s.handleConnected)
	return s
}

// Start connects the channel. The context governs the whole session,
// reconnects included.
func (s *AgentSession) Start(ctx context.Context) error {
	return s.ch.Connect(ctx, s.identity)
}

// Close disconnects the channel and shuts down event fan-out.
func (s *AgentSession) Close() {
	s.ch.Disconnect()
	s.events.Close()
}

// Roster returns the conversation summaries sorted by recency.
func (s *AgentSession) Roster() []roster.Summary {
	return s.index.Summaries()
}

// Select makes a conversation the active one: its store is (lazily)
// loaded, and its unread messages are acknowledged.
func (s *AgentSession) Select(ctx context.Context, counterpartyID string) *chat.MessageStore {
	s.mu.Lock()
	s.selected = counterpartyID
	s.mu.Unlock()

	store := s.cache.Get(ctx, counterpartyID)
	if s.tracker.Sweep(ctx, store) > 0 {
		s.index.Update(counterpartyID, store)
	}
	return store
}

// Selected returns the currently selected counterparty, if any.
func (s *AgentSession) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Events subscribes to mutation events for one conversation.
func (s *AgentSession) Events(ctx context.Context, counterpartyID string) <-chan *chat.Event {
	ch, _ := s.events.Subscribe(ctx, counterpartyID)
	return ch
}

// Send optimistically appends a message to the conversation and delivers
// it in the background. Returns the provisional id immediately; the
// outcome is published as an EventConfirmed or EventSendFailed.
func (s *AgentSession) Send(ctx context.Context, counterpartyID, text string) string {
	store := s.cache.Get(ctx, counterpartyID)
	draft := chat.Draft{
		Sender:     s.identity.ParticipantID,
		Recipient:  chat.DirectRecipient(counterpartyID),
		SenderRole: s.identity.Role,
		Text:       text,
	}
	provisionalID := store.InsertPending(draft)
	s.index.Update(counterpartyID, store)
	s.publish(counterpartyID, chat.EventInserted, chat.Message{ID: provisionalID, Text: text}, "")

	go s.deliver(ctx, counterpartyID, store, provisionalID, draft)
	return provisionalID
}

// Store returns the (possibly still loading) store for a conversation.
func (s *AgentSession) Store(ctx context.Context, counterpartyID string) *chat.MessageStore {
	return s.cache.Get(ctx, counterpartyID)
}

// deliver runs the send round trip and reconciles or discards the pending
// entry depending on the outcome.
func (s *AgentSession) deliver(ctx context.Context, counterpartyID string, store *chat.MessageStore, provisionalID string, draft chat.Draft) {
	confirmed, err := s.ch.SendMessage(ctx, channel.SendMessagePayload{
		Sender:     draft.Sender,
		Recipient:  draft.Recipient,
		SenderRole: draft.SenderRole,
		Text:       draft.Text,
	})
	if err != nil {
		store.DiscardPending(provisionalID)
		s.index.Update(counterpartyID, store)
		s.publish(counterpartyID, chat.EventSendFailed, chat.Message{ID: provisionalID, Text: draft.Text}, err.Error())
		s.logger.Warn("send failed, pending entry discarded",
			"counterparty_id", counterpartyID,
			"error", err)
		return
	}
	store.Reconcile(provisionalID, confirmed)
	s.index.Update(counterpartyID, store)
	s.publish(counterpartyID, chat.EventConfirmed, confirmed, "")
}

// handleMessage routes every push to its conversation, keeps the roster
// current, and acknowledges reads for the selected conversation.
func (s *AgentSession) handleMessage(m chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counterparty, store, ok := s.cache.Route(ctx, m, s.identity.ParticipantID)
	if !ok {
		return
	}
	if s.Selected() == counterparty {
		s.tracker.Sweep(ctx, store)
	}
	s.index.Update(counterparty, store)
	s.publish(counterparty, chat.EventReceived, m, "")
}

// handleConnected runs the bootstrap sync after every connect/reconnect.
func (s *AgentSession) handleConnected(ctx context.Context) {
	if s.rosterc != nil {
		rows, err := s.rosterc.Conversations(ctx)
		if err != nil {
			s.logger.Warn("roster bootstrap failed", "error", err)
		} else {
			s.index.Bootstrap(rows)
		}
	}

	// Refresh the selected conversation so any messages missed while
	// offline are merged in.
	if selected := s.Selected(); selected != "" {
		store := s.cache.Get(ctx, selected)
		msgs, err := s.ch.GetConversation(ctx, selected)
		if err != nil {
			s.logger.Warn("history refresh failed", "counterparty_id", selected, "error", err)
			return
		}
		if store.Seed(msgs) > 0 {
			s.index.Update(selected, store)
		}
		s.tracker.Sweep(ctx, store)
	}
}

// historyLoaded is the cache's fetch completion hook.
func (s *AgentSession) historyLoaded(counterpartyID string, store *chat.MessageStore) {
	s.index.Update(counterpartyID, store)
	if s.Selected() == counterpartyID {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.tracker.Sweep(ctx, store) > 0 {
			s.index.Update(counterpartyID, store)
		}
	}
}

func (s *AgentSession) publish(counterpartyID string, kind chat.EventKind, m chat.Message, errText string) {
	s.events.Publish(&chat.Event{
		CounterpartyID: counterpartyID,
		Kind:           kind,
		Message:        m,
		Err:            errText,
	})
}
