// ABOUTME: Tests for the conversation roster index.
// ABOUTME: Covers bootstrap merging, store-driven updates, ordering and unread totals.

package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storechat/engine/internal/chat"
)

func row(id, name, preview string, at time.Time, unread int) BootstrapRow {
	return BootstrapRow{
		CounterpartyID:  id,
		Name:            name,
		Email:           id + "@example.com",
		LastMessage:     preview,
		LastMessageTime: at,
		UnreadCount:     unread,
	}
}

func inbound(id, sender, text string, at time.Time, read bool) chat.Message {
	return chat.Message{
		ID:         id,
		Sender:     sender,
		Recipient:  chat.DirectRecipient("agent1"),
		SenderRole: chat.RoleCustomer,
		Text:       text,
		Read:       read,
		CreatedAt:  at,
		State:      chat.StateConfirmed,
	}
}

func TestIndex_BootstrapCreatesSummaries(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	base := time.Now()

	idx.Bootstrap([]BootstrapRow{
		row("cust1", "Ada", "where is my order?", base, 2),
		row("cust2", "Ben", "thanks!", base.Add(-time.Hour), 0),
	})

	s, ok := idx.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "Ada", s.DisplayName)
	assert.Equal(t, "where is my order?", s.LastMessagePreview)
	assert.Equal(t, 2, s.UnreadCount)

	assert.Equal(t, 2, idx.TotalUnread())
}

func TestIndex_BootstrapKeepsNewerLiveState(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	base := time.Now()

	// A live message already updated the summary.
	store := chat.NewMessageStore(0, nil)
	store.Observe(inbound("m1", "cust1", "still waiting", base, false))
	idx.Update("cust1", store)

	// A stale bootstrap row must not roll the preview back.
	idx.Bootstrap([]BootstrapRow{row("cust1", "Ada", "old question", base.Add(-time.Minute), 5)})

	s, ok := idx.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "Ada", s.DisplayName)
	assert.Equal(t, "still waiting", s.LastMessagePreview)
	assert.Equal(t, 1, s.UnreadCount)
}

func TestIndex_UpdateRecomputesFromStore(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	store := chat.NewMessageStore(0, nil)
	base := time.Now()

	store.Observe(inbound("m1", "cust1", "hello", base, false))
	store.Observe(inbound("m2", "cust1", "anyone?", base.Add(time.Second), false))
	idx.Update("cust1", store)

	s, ok := idx.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "anyone?", s.LastMessagePreview)
	assert.Equal(t, 2, s.UnreadCount)

	store.MarkRead("m1")
	store.MarkRead("m2")
	idx.Update("cust1", store)

	s, _ = idx.Get("cust1")
	assert.Equal(t, 0, s.UnreadCount)
}

func TestIndex_NewCounterpartyAppearsOnFirstMessage(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)

	_, ok := idx.Get("cust9")
	require.False(t, ok)

	store := chat.NewMessageStore(0, nil)
	store.Observe(inbound("m1", "cust9", "first contact", time.Now(), false))
	idx.Update("cust9", store)

	s, ok := idx.Get("cust9")
	require.True(t, ok)
	assert.Equal(t, "first contact", s.LastMessagePreview)
	assert.Equal(t, 1, s.UnreadCount)
}

func TestIndex_SummariesSortedByRecency(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	base := time.Now()

	idx.Bootstrap([]BootstrapRow{
		row("cust1", "Ada", "oldest", base.Add(-2*time.Hour), 0),
		row("cust2", "Ben", "newest", base, 0),
		row("cust3", "Cal", "middle", base.Add(-time.Hour), 0),
	})

	sums := idx.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, []string{"cust2", "cust3", "cust1"},
		[]string{sums[0].CounterpartyID, sums[1].CounterpartyID, sums[2].CounterpartyID})
}

func TestIndex_SummariesTieBreakOnCounterpartyID(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	at := time.Now()

	idx.Bootstrap([]BootstrapRow{
		row("cust2", "Ben", "b", at, 0),
		row("cust1", "Ada", "a", at, 0),
	})

	sums := idx.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "cust1", sums[0].CounterpartyID)
	assert.Equal(t, "cust2", sums[1].CounterpartyID)
}

func TestIndex_Remove(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)
	idx.Bootstrap([]BootstrapRow{row("cust1", "Ada", "hi", time.Now(), 1)})

	idx.Remove("cust1")
	_, ok := idx.Get("cust1")
	assert.False(t, ok)
	assert.Empty(t, idx.Summaries())
}

func TestIndex_SetDisplayName(t *testing.T) {
	idx := NewIndex("agent1", chat.RoleAgent, nil)

	idx.SetDisplayName("cust1", "Ada Lovelace")
	s, ok := idx.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", s.DisplayName)
}
