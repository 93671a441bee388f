// ABOUTME: CustomerSession wires the single-conversation customer widget.
// ABOUTME: One store, a persisted snapshot, and optimistic sends to support.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/storechat/engine/internal/channel"
	"github.com/storechat/engine/internal/chat"
	"github.com/storechat/engine/internal/conn"
	"github.com/storechat/engine/internal/localstore"
	"github.com/storechat/engine/internal/readtracker"
)

// SupportConversationKey is the event and snapshot key for the customer's
// single conversation with support.
const SupportConversationKey = "support"

// Snapshotter persists a best-effort copy of the conversation. Implemented
// by localstore.SnapshotStore; nil disables persistence.
type Snapshotter interface {
	Save(ctx context.Context, conversationKey string, msgs []chat.Message) error
	Load(ctx context.Context, conversationKey string) ([]chat.Message, error)
}

// CustomerSession is the engine behind the customer chat widget: exactly
// one MessageStore, seeded from a stale-tolerated snapshot before the
// channel connects, then kept authoritative by the live channel.
type CustomerSession struct {
	identity  conn.Identity
	ch        Channel
	store     *chat.MessageStore
	snapshots Snapshotter
	tracker   *readtracker.Tracker
	events    *chat.Broadcaster
	logger    *slog.Logger

	mu      sync.Mutex
	agentID string // assigned agent, learned from inbound agent messages
}

// NewCustomerSession assembles a customer session. snapshots may be nil.
func NewCustomerSession(identity conn.Identity, ch Channel, snapshots Snapshotter, matchWindow time.Duration, logger *slog.Logger) *CustomerSession {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "customer-session")

	s := &CustomerSession{
		identity:  identity,
		ch:        ch,
		store:     chat.NewMessageStore(matchWindow, logger),
		snapshots: snapshots,
		tracker:   readtracker.New(identity.ParticipantID, identity.Role, ch, logger),
		events:    chat.NewBroadcaster(logger),
		logger:    logger,
	}
	ch.OnMessage(s.handleMessage)
	ch.OnConnected(s.handleConnected)
	return s
}

// Start seeds the store from the persisted snapshot, then connects the
// channel. A snapshot failure is never fatal: it only means a blank screen
// until the history fetch lands.
func (s *CustomerSession) Start(ctx context.Context) error {
	if s.snapshots != nil {
		msgs, err := s.snapshots.Load(ctx, SupportConversationKey)
		switch {
		case err == nil:
			s.store.Seed(msgs)
			s.logger.Debug("snapshot restored", "messages", len(msgs))
		case errors.Is(err, localstore.ErrNoSnapshot):
		default:
			s.logger.Warn("snapshot load failed", "error", err)
		}
	}
	return s.ch.Connect(ctx, s.identity)
}

// Close disconnects the channel and shuts down event fan-out.
func (s *CustomerSession) Close() {
	s.ch.Disconnect()
	s.events.Close()
}

// Messages returns the conversation in chronological order.
func (s *CustomerSession) Messages() []chat.Message {
	return s.store.Messages()
}

// Store exposes the underlying message store.
func (s *CustomerSession) Store() *chat.MessageStore {
	return s.store
}

// Events subscribes to the conversation's mutation events.
func (s *CustomerSession) Events(ctx context.Context) <-chan *chat.Event {
	ch, _ := s.events.Subscribe(ctx, SupportConversationKey)
	return ch
}

// Send optimistically appends a message and delivers it in the background.
// While no agent has replied yet the message is addressed to the shared
// unassigned inbox; afterwards it goes to the assigned agent directly.
func (s *CustomerSession) Send(ctx context.Context, text string) string {
	s.mu.Lock()
	recipient := chat.UnassignedInbox()
	if s.agentID != "" {
		recipient = chat.DirectRecipient(s.agentID)
	}
	s.mu.Unlock()

	draft := chat.Draft{
		Sender:     s.identity.ParticipantID,
		Recipient:  recipient,
		SenderRole: s.identity.Role,
		Text:       text,
	}
	provisionalID := s.store.InsertPending(draft)
	s.publish(chat.EventInserted, chat.Message{ID: provisionalID, Text: text}, "")

	go s.deliver(ctx, provisionalID, draft)
	return provisionalID
}

func (s *CustomerSession) deliver(ctx context.Context, provisionalID string, draft chat.Draft) {
	confirmed, err := s.ch.SendMessage(ctx, channel.SendMessagePayload{
		Sender:     draft.Sender,
		Recipient:  draft.Recipient,
		SenderRole: draft.SenderRole,
		Text:       draft.Text,
	})
	if err != nil {
		s.store.DiscardPending(provisionalID)
		s.publish(chat.EventSendFailed, chat.Message{ID: provisionalID, Text: draft.Text}, err.Error())
		s.logger.Warn("send failed, pending entry discarded", "error", err)
		return
	}
	s.store.Reconcile(provisionalID, confirmed)
	s.saveSnapshot()
	s.publish(chat.EventConfirmed, confirmed, "")
}

// handleMessage merges a push delivery, learns the assigned agent, and
// acknowledges the read since the widget renders messages immediately.
func (s *CustomerSession) handleMessage(m chat.Message) {
	if !s.store.Observe(m) {
		return
	}
	if m.SenderRole == chat.RoleAgent && m.Sender != s.identity.ParticipantID {
		s.mu.Lock()
		s.agentID = m.Sender
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.tracker.Sweep(ctx, s.store)
	s.saveSnapshot()
	s.publish(chat.EventReceived, m, "")
}

// handleConnected fetches the conversation history after every connect or
// reconnect. The store's dedupe makes re-seeding safe.
func (s *CustomerSession) handleConnected(ctx context.Context) {
	msgs, err := s.ch.GetConversation(ctx, s.identity.ParticipantID)
	if err != nil {
		s.logger.Warn("history fetch failed", "error", err)
		return
	}
	s.store.Seed(msgs)

	// The assigned agent, if any, is whoever sent the newest agent message.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderRole == chat.RoleAgent {
			s.mu.Lock()
			s.agentID = msgs[i].Sender
			s.mu.Unlock()
			break
		}
	}

	s.tracker.Sweep(ctx, s.store)
	s.saveSnapshot()
}

// saveSnapshot persists the current message list with a detached timeout
// context so persistence outlives a cancelled caller.
func (s *CustomerSession) saveSnapshot() {
	if s.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.snapshots.Save(ctx, SupportConversationKey, s.store.Messages()); err != nil {
		s.logger.Warn("snapshot save failed", "error", err)
	}
}

func (s *CustomerSession) publish(kind chat.EventKind, m chat.Message, errText string) {
	s.events.Publish(&chat.Event{
		CounterpartyID: SupportConversationKey,
		Kind:           kind,
		Message:        m,
		Err:            errText,
	})
}
