// ABOUTME: ConversationIndex keeps derived per-counterparty summaries sorted by recency.
// ABOUTME: Summaries are non-owning; they are recomputed from store state on every mutation.

package roster

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storechat/engine/internal/chat"
)

// Summary is the roster entry for one counterparty.
type Summary struct {
	CounterpartyID     string
	DisplayName        string
	Email              string
	LastMessagePreview string
	LastMessageTime    time.Time
	UnreadCount        int
}

// Index holds one Summary per counterparty the local participant has a
// conversation with. A counterparty not yet present is created on its
// first observed message, which is how new inbound customers surface on
// the agent roster without a reload.
type Index struct {
	localID string
	role    chat.Role

	mu        sync.RWMutex
	summaries map[string]*Summary
	logger    *slog.Logger
}

// NewIndex creates an empty index for the given local participant.
func NewIndex(localID string, role chat.Role, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		localID:   localID,
		role:      role,
		summaries: make(map[string]*Summary),
		logger:    logger.With("component", "roster"),
	}
}

// Bootstrap seeds summaries from the REST roster endpoint. Existing
// summaries keep their live preview and unread count if newer than the
// bootstrap row.
func (i *Index) Bootstrap(rows []BootstrapRow) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, row := range rows {
		s, ok := i.summaries[row.CounterpartyID]
		if !ok {
			i.summaries[row.CounterpartyID] = &Summary{
				CounterpartyID:     row.CounterpartyID,
				DisplayName:        row.Name,
				Email:              row.Email,
				LastMessagePreview: row.LastMessage,
				LastMessageTime:    row.LastMessageTime,
				UnreadCount:        row.UnreadCount,
			}
			continue
		}
		s.DisplayName = row.Name
		s.Email = row.Email
		if row.LastMessageTime.After(s.LastMessageTime) {
			s.LastMessagePreview = row.LastMessage
			s.LastMessageTime = row.LastMessageTime
			s.UnreadCount = row.UnreadCount
		}
	}
	i.logger.Debug("roster bootstrapped", "conversations", len(rows))
}

// Update recomputes the counterparty's summary from its message store:
// preview and time from the newest entry, unread count from entries
// addressed to the local participant. Creates the summary if absent.
func (i *Index) Update(counterpartyID string, store *chat.MessageStore) {
	newest, ok := store.Newest()
	unread := len(store.Unread(i.localID, i.role))

	i.mu.Lock()
	defer i.mu.Unlock()

	s, exists := i.summaries[counterpartyID]
	if !exists {
		s = &Summary{CounterpartyID: counterpartyID}
		i.summaries[counterpartyID] = s
		i.logger.Debug("new counterparty active", "counterparty_id", counterpartyID)
	}
	s.UnreadCount = unread
	if ok {
		s.LastMessagePreview = newest.Text
		s.LastMessageTime = newest.CreatedAt
	}
}

// SetDisplayName updates the display name, creating the summary if needed.
func (i *Index) SetDisplayName(counterpartyID, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	s, ok := i.summaries[counterpartyID]
	if !ok {
		s = &Summary{CounterpartyID: counterpartyID}
		i.summaries[counterpartyID] = s
	}
	s.DisplayName = name
}

// Get returns the summary for a counterparty, if present.
func (i *Index) Get(counterpartyID string) (Summary, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	s, ok := i.summaries[counterpartyID]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// Remove drops a counterparty from the roster. Only used for an explicit
// roster drop; message stores are unaffected.
func (i *Index) Remove(counterpartyID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.summaries, counterpartyID)
}

// Summaries returns all entries sorted descending by last-message time.
// Ties fall back to counterparty id for a deterministic order.
func (i *Index) Summaries() []Summary {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]Summary, 0, len(i.summaries))
	for _, s := range i.summaries {
		out = append(out, *s)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].LastMessageTime.Equal(out[b].LastMessageTime) {
			return out[a].LastMessageTime.After(out[b].LastMessageTime)
		}
		return out[a].CounterpartyID < out[b].CounterpartyID
	})
	return out
}

// TotalUnread sums unread counts across all conversations.
func (i *Index) TotalUnread() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	total := 0
	for _, s := range i.summaries {
		total += s.UnreadCount
	}
	return total
}
