// ABOUTME: MessageStore holds the unique, time-ordered message set for one conversation.
// ABOUTME: Merges optimistic sends, send confirmations and push echoes without duplicates.

package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMatchWindow is how far apart a pending entry and an incoming push
// message may be in time and still be treated as the same logical message.
// The provisional id is never transmitted, so when the server echoes the
// local participant's own send back, content plus approximate time is the
// only available correlation.
const DefaultMatchWindow = 5 * time.Second

// MessageStore maintains the message history of a single conversation.
// All mutations are serialized through its mutex, so the store is correct
// under any interleaving of optimistic inserts, send confirmations and
// push deliveries.
type MessageStore struct {
	mu          sync.Mutex
	entries     []*Message // insertion order; Messages() sorts stably by CreatedAt
	confirmedID map[string]struct{}
	pendingID   map[string]*Message
	matchWindow time.Duration
	logger      *slog.Logger
}

// NewMessageStore creates an empty store. A matchWindow <= 0 uses
// DefaultMatchWindow. Pass nil logger for default.
func NewMessageStore(matchWindow time.Duration, logger *slog.Logger) *MessageStore {
	if matchWindow <= 0 {
		matchWindow = DefaultMatchWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		confirmedID: make(map[string]struct{}),
		pendingID:   make(map[string]*Message),
		matchWindow: matchWindow,
		logger:      logger.With("component", "messagestore"),
	}
}

// Draft describes a message about to be sent.
type Draft struct {
	Sender     string
	Recipient  Recipient
	SenderRole Role
	Text       string
}

// InsertPending appends an optimistic entry for a draft being sent and
// returns its provisional id. Purely local; cannot fail.
func (s *MessageStore) InsertPending(d Draft) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	m := &Message{
		ID:         "pending-" + uuid.New().String(),
		Sender:     d.Sender,
		Recipient:  d.Recipient,
		SenderRole: d.SenderRole,
		Text:       d.Text,
		CreatedAt:  now,
		UpdatedAt:  now,
		State:      StatePending,
	}
	s.entries = append(s.entries, m)
	s.pendingID[m.ID] = m

	s.logger.Debug("pending message inserted", "provisional_id", m.ID)
	return m.ID
}

// Reconcile replaces the pending entry identified by provisionalID with the
// server-confirmed message. If the pending entry no longer exists (already
// confirmed via a push echo, or discarded), the confirmed message is merged
// through the same path as Observe, so no duplicate is ever created.
// Reconcile is total: it never fails.
func (s *MessageStore) Reconcile(provisionalID string, confirmed Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingID[provisionalID]
	if !ok {
		s.observeLocked(confirmed)
		return
	}
	delete(s.pendingID, provisionalID)

	// With two identical drafts in flight, the push echo of this send can
	// have matched and confirmed the other pending entry already. The
	// confirmed id is the real message's identity, so this pending entry
	// is a leftover to drop, not a second entry to confirm.
	if _, seen := s.confirmedID[confirmed.ID]; seen {
		s.removeEntryLocked(entry)
		s.logger.Debug("pending entry superseded by echo",
			"provisional_id", provisionalID,
			"message_id", confirmed.ID)
		return
	}

	s.confirmLocked(entry, confirmed)

	s.logger.Debug("pending message reconciled",
		"provisional_id", provisionalID,
		"message_id", confirmed.ID)
}

// Observe merges a message arriving from the push channel. Idempotent and
// deduplicating: exact redeliveries are dropped, echoes of a local pending
// send are treated as its confirmation, anything else is appended as new.
// Returns true if the store changed.
func (s *MessageStore) Observe(incoming Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked(incoming)
}

// observeLocked implements the merge rules. Must be called with mu held.
func (s *MessageStore) observeLocked(incoming Message) bool {
	if _, seen := s.confirmedID[incoming.ID]; seen {
		return false
	}

	// Scan insertion order so the oldest matching pending entry wins when
	// the same text was sent twice in quick succession.
	for _, entry := range s.entries {
		if entry.State != StatePending {
			continue
		}
		if entry.Sender != incoming.Sender || entry.Text != incoming.Text {
			continue
		}
		if absDuration(incoming.CreatedAt.Sub(entry.CreatedAt)) >= s.matchWindow {
			continue
		}
		delete(s.pendingID, entry.ID)
		s.confirmLocked(entry, incoming)
		s.logger.Debug("push echo matched pending message", "message_id", incoming.ID)
		return true
	}

	incoming.State = StateConfirmed
	m := incoming
	s.entries = append(s.entries, &m)
	s.confirmedID[m.ID] = struct{}{}
	return true
}

// confirmLocked overwrites a stored entry with its confirmed form in place,
// preserving its insertion slot. Must be called with mu held.
func (s *MessageStore) confirmLocked(entry *Message, confirmed Message) {
	confirmed.State = StateConfirmed
	*entry = confirmed
	s.confirmedID[confirmed.ID] = struct{}{}
}

// DiscardPending removes a pending entry after its send attempt failed.
// From the remote participant's point of view it never existed. Returns
// true if an entry was removed.
func (s *MessageStore) DiscardPending(provisionalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingID[provisionalID]
	if !ok {
		return false
	}
	delete(s.pendingID, provisionalID)
	s.removeEntryLocked(entry)
	s.logger.Debug("pending message discarded", "provisional_id", provisionalID)
	return true
}

// removeEntryLocked deletes an entry from the slice. Must be called with mu
// held.
func (s *MessageStore) removeEntryLocked(entry *Message) {
	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// MarkRead sets the entry's read flag. Read state only ever transitions
// false to true. Returns true if the flag changed.
func (s *MessageStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID == id && !e.Read {
			e.Read = true
			e.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Seed merges a batch of already-confirmed messages (history fetch or a
// persisted snapshot) through the same dedupe path as Observe. Returns the
// number of entries that changed the store.
func (s *MessageStore) Seed(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if s.observeLocked(m) {
			added++
		}
	}
	return added
}

// Messages returns a copy of all entries sorted ascending by CreatedAt.
// Entries with equal timestamps keep their relative insertion order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Unread returns copies of the entries addressed to the given local
// participant that have not been read, in chronological order.
func (s *MessageStore) Unread(participantID string, role Role) []Message {
	var unread []Message
	for _, m := range s.Messages() {
		if !m.Read && m.Sender != participantID && m.AddressedTo(participantID, role) {
			unread = append(unread, m)
		}
	}
	return unread
}

// Len returns the number of entries, pending included.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Newest returns the most recent entry by CreatedAt, if any.
func (s *MessageStore) Newest() (Message, bool) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
