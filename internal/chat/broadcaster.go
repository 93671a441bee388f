// ABOUTME: In-memory fan-out of conversation mutation events to UI subscribers.
// ABOUTME: Keeps background views and snapshot writers current without polling.

package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventKind says what kind of store mutation an Event describes.
type EventKind int

const (
	// EventInserted: an optimistic pending entry was appended.
	EventInserted EventKind = iota
	// EventConfirmed: a pending entry was reconciled with its server copy.
	EventConfirmed
	// EventReceived: a push-channel message was merged into the store.
	EventReceived
	// EventSendFailed: a send was rejected or timed out and its pending
	// entry discarded. Err carries the reason for the retry affordance.
	EventSendFailed
	// EventRead: a message transitioned to read.
	EventRead
)

// Event describes a mutation applied to one conversation's message store.
type Event struct {
	CounterpartyID string
	Kind           EventKind
	Message        Message
	Err            string
}

// Broadcaster provides in-memory pub/sub for conversation events, keyed by
// counterparty id. Subscribers receive events as mutations are applied,
// which is what keeps non-selected conversations fresh in the agent view.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan *Event // counterpartyID -> subID -> ch
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[string]chan *Event),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for one conversation's events. Returns
// the receive channel and a subscription id for manual unsubscription. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, counterpartyID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subs[counterpartyID]; !ok {
		b.subs[counterpartyID] = make(map[string]chan *Event)
	}
	b.subs[counterpartyID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(counterpartyID, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of the event's counterparty.
// Non-blocking: the event is dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(ev *Event) {
	b.mu.RLock()
	subs, ok := b.subs[ev.CounterpartyID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"counterparty_id", ev.CounterpartyID,
				"message_id", ev.Message.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(counterpartyID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[counterpartyID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, counterpartyID)
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for cp, subs := range b.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subs, cp)
	}
}
