// ABOUTME: Tests for the per-counterparty conversation cache.
// ABOUTME: Covers lazy loading, fetch retry, push routing and LRU eviction.

package convcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storechat/engine/internal/chat"
)

type fetchRecorder struct {
	mu    sync.Mutex
	calls map[string]int
	msgs  map[string][]chat.Message
	err   error
}

func newFetchRecorder() *fetchRecorder {
	return &fetchRecorder{
		calls: make(map[string]int),
		msgs:  make(map[string][]chat.Message),
	}
}

func (f *fetchRecorder) fetch(ctx context.Context, counterpartyID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[counterpartyID]++
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs[counterpartyID], nil
}

func (f *fetchRecorder) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func history(counterpartyID string, n int) []chat.Message {
	base := time.Now().Add(-time.Hour)
	msgs := make([]chat.Message, n)
	for i := range msgs {
		msgs[i] = chat.Message{
			ID:         counterpartyID + "-m" + string(rune('0'+i)),
			Sender:     counterpartyID,
			Recipient:  chat.DirectRecipient("agent1"),
			SenderRole: chat.RoleCustomer,
			Text:       "message",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			State:      chat.StateConfirmed,
		}
	}
	return msgs
}

func TestCache_GetReturnsUsableStoreImmediately(t *testing.T) {
	fr := newFetchRecorder()
	fr.msgs["cust1"] = history("cust1", 2)
	c := New(0, 0, fr.fetch, nil)

	store := c.Get(t.Context(), "cust1")
	require.NotNil(t, store)

	// The store works before the history lands.
	store.InsertPending(chat.Draft{Sender: "agent1", Recipient: chat.DirectRecipient("cust1"),
		SenderRole: chat.RoleAgent, Text: "hi"})

	require.Eventually(t, func() bool {
		return store.Len() == 3 // 2 history + 1 pending
	}, time.Second, 10*time.Millisecond)
}

func TestCache_SecondGetDoesNotRefetch(t *testing.T) {
	fr := newFetchRecorder()
	c := New(0, 0, fr.fetch, nil)

	s1 := c.Get(t.Context(), "cust1")
	require.Eventually(t, func() bool {
		return fr.callCount("cust1") == 1
	}, time.Second, 10*time.Millisecond)

	s2 := c.Get(t.Context(), "cust1")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, fr.callCount("cust1"))
}

func TestCache_FailedFetchRetriesOnNextGet(t *testing.T) {
	fr := newFetchRecorder()
	fr.err = errors.New("server unavailable")
	c := New(0, 0, fr.fetch, nil)

	c.Get(t.Context(), "cust1")
	require.Eventually(t, func() bool {
		return fr.callCount("cust1") == 1
	}, time.Second, 10*time.Millisecond)

	// Server recovers; the next access retries the fetch.
	fr.mu.Lock()
	fr.err = nil
	fr.msgs["cust1"] = history("cust1", 1)
	fr.mu.Unlock()

	store := c.Get(t.Context(), "cust1")
	require.Eventually(t, func() bool {
		return store.Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, fr.callCount("cust1"))
}

func TestCache_OnLoadedFiresAfterSeed(t *testing.T) {
	fr := newFetchRecorder()
	fr.msgs["cust1"] = history("cust1", 2)
	c := New(0, 0, fr.fetch, nil)

	loaded := make(chan string, 1)
	c.OnLoaded(func(counterpartyID string, store *chat.MessageStore) {
		assert.Equal(t, 2, store.Len())
		loaded <- counterpartyID
	})

	c.Get(t.Context(), "cust1")

	select {
	case id := <-loaded:
		assert.Equal(t, "cust1", id)
	case <-time.After(time.Second):
		t.Fatal("loaded hook never fired")
	}
}

func TestCache_RouteDeliversToBackgroundConversation(t *testing.T) {
	fr := newFetchRecorder()
	c := New(0, 0, fr.fetch, nil)

	// cust2 is not selected anywhere; the push alone must surface it.
	m := chat.Message{
		ID:         "m1",
		Sender:     "cust2",
		Recipient:  chat.DirectRecipient("agent1"),
		SenderRole: chat.RoleCustomer,
		Text:       "hello?",
		CreatedAt:  time.Now(),
		State:      chat.StateConfirmed,
	}
	key, store, ok := c.Route(t.Context(), m, "agent1")
	require.True(t, ok)
	assert.Equal(t, "cust2", key)
	assert.Equal(t, 1, store.Len())
	assert.True(t, c.Contains("cust2"))
}

func TestCache_RouteEchoUsesRecipient(t *testing.T) {
	fr := newFetchRecorder()
	c := New(0, 0, fr.fetch, nil)

	echo := chat.Message{
		ID:         "m1",
		Sender:     "agent1",
		Recipient:  chat.DirectRecipient("cust1"),
		SenderRole: chat.RoleAgent,
		Text:       "on its way",
		CreatedAt:  time.Now(),
		State:      chat.StateConfirmed,
	}
	key, _, ok := c.Route(t.Context(), echo, "agent1")
	require.True(t, ok)
	assert.Equal(t, "cust1", key)
}

func TestCache_RouteUnroutableInboxEcho(t *testing.T) {
	c := New(0, 0, nil, nil)

	echo := chat.Message{
		ID:        "m1",
		Sender:    "cust1",
		Recipient: chat.UnassignedInbox(),
	}
	_, _, ok := c.Route(t.Context(), echo, "cust1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	fr := newFetchRecorder()
	c := New(2, 0, fr.fetch, nil)

	c.Get(t.Context(), "cust1")
	c.Get(t.Context(), "cust2")
	// Touch cust1 so cust2 becomes the eviction candidate.
	c.Get(t.Context(), "cust1")
	c.Get(t.Context(), "cust3")

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains("cust1"))
	assert.False(t, c.Contains("cust2"))
	assert.True(t, c.Contains("cust3"))
}

func TestCache_EvictedConversationRefetchesOnAccess(t *testing.T) {
	fr := newFetchRecorder()
	c := New(1, 0, fr.fetch, nil)

	c.Get(t.Context(), "cust1")
	require.Eventually(t, func() bool { return fr.callCount("cust1") == 1 }, time.Second, 10*time.Millisecond)

	c.Get(t.Context(), "cust2") // evicts cust1

	c.Get(t.Context(), "cust1")
	require.Eventually(t, func() bool { return fr.callCount("cust1") == 2 }, time.Second, 10*time.Millisecond)
}

func TestCache_NilFetchIsLocalOnly(t *testing.T) {
	c := New(0, 0, nil, nil)
	store := c.Get(t.Context(), "cust1")
	require.NotNil(t, store)
	assert.Equal(t, 0, store.Len())
}
