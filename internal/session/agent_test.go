// ABOUTME: Tests for the support-agent session using the in-memory fake channel.
// ABOUTME: Covers roster bootstrap, push routing, selection sweeps and optimistic sends.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storechat/engine/internal/chat"
	"github.com/storechat/engine/internal/conn"
	"github.com/storechat/engine/internal/roster"
)

type fakeRoster struct {
	mu   sync.Mutex
	rows []roster.BootstrapRow
	err  error
}

func (f *fakeRoster) Conversations(ctx context.Context) ([]roster.BootstrapRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func agentIdentity() conn.Identity {
	return conn.Identity{ParticipantID: "agent1", Role: chat.RoleAgent}
}

func customerPush(id, sender, text string, at time.Time) chat.Message {
	return chat.Message{
		ID:         id,
		Sender:     sender,
		Recipient:  chat.DirectRecipient("agent1"),
		SenderRole: chat.RoleCustomer,
		Text:       text,
		CreatedAt:  at,
		State:      chat.StateConfirmed,
	}
}

func TestAgentSession_BootstrapsRosterOnConnect(t *testing.T) {
	ch := newFakeChannel()
	rc := &fakeRoster{rows: []roster.BootstrapRow{
		{CounterpartyID: "cust1", Name: "Ada", LastMessage: "where is my order?",
			LastMessageTime: time.Now(), UnreadCount: 2},
	}}
	s := NewAgentSession(agentIdentity(), ch, rc, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	sums := s.Roster()
	require.Len(t, sums, 1)
	assert.Equal(t, "cust1", sums[0].CounterpartyID)
	assert.Equal(t, "Ada", sums[0].DisplayName)
	assert.Equal(t, 2, sums[0].UnreadCount)
}

func TestAgentSession_RosterBootstrapFailureIsNonFatal(t *testing.T) {
	ch := newFakeChannel()
	rc := &fakeRoster{err: errors.New("api down")}
	s := NewAgentSession(agentIdentity(), ch, rc, AgentOptions{}, nil)
	defer s.Close()

	require.NoError(t, s.Start(t.Context()))
	assert.Empty(t, s.Roster())
}

func TestAgentSession_PushSurfacesNewCounterparty(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	ch.push(customerPush("m1", "cust7", "first contact", time.Now()))

	require.Eventually(t, func() bool {
		sums := s.Roster()
		return len(sums) == 1 && sums[0].CounterpartyID == "cust7"
	}, time.Second, 10*time.Millisecond)

	sums := s.Roster()
	assert.Equal(t, "first contact", sums[0].LastMessagePreview)
	assert.Equal(t, 1, sums[0].UnreadCount)
	// Nothing is selected, so nothing was acknowledged.
	assert.Empty(t, ch.ackedIDs())
}

func TestAgentSession_SelectSweepsUnread(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	ch.push(customerPush("m1", "cust1", "hello", time.Now()))

	s.Select(t.Context(), "cust1")

	assert.Contains(t, ch.ackedIDs(), "m1")
	sum, ok := s.index.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, 0, sum.UnreadCount)
}

func TestAgentSession_PushToSelectedConversationAutoAcks(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	s.Select(t.Context(), "cust1")
	ch.push(customerPush("m1", "cust1", "are you there?", time.Now()))

	require.Eventually(t, func() bool {
		for _, id := range ch.ackedIDs() {
			if id == "m1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestAgentSession_PushToBackgroundConversationStaysUnread(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	s.Select(t.Context(), "cust1")
	ch.push(customerPush("m1", "cust2", "different conversation", time.Now()))

	require.Eventually(t, func() bool {
		sum, ok := s.index.Get("cust2")
		return ok && sum.UnreadCount == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, ch.ackedIDs())
}

func TestAgentSession_SendOptimisticRoundTrip(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	events := s.Events(t.Context(), "cust1")
	pid := s.Send(t.Context(), "cust1", "your refund is on its way")

	store := s.Store(t.Context(), "cust1")
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, pid, msgs[0].ID)

	require.Eventually(t, func() bool {
		got := store.Messages()
		return len(got) == 1 && !got[0].Pending()
	}, time.Second, 10*time.Millisecond)

	ev := <-events
	assert.Equal(t, chat.EventInserted, ev.Kind)
	ev = <-events
	assert.Equal(t, chat.EventConfirmed, ev.Kind)

	// The roster preview reflects the sent message.
	sum, ok := s.index.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "your refund is on its way", sum.LastMessagePreview)
}

func TestAgentSession_SendFailurePublishesRetryEvent(t *testing.T) {
	ch := newFakeChannel()
	ch.setSendErr(errors.New("delivery refused"))
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	events := s.Events(t.Context(), "cust1")
	s.Send(t.Context(), "cust1", "hello")

	store := s.Store(t.Context(), "cust1")
	require.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 10*time.Millisecond)

	ev := <-events
	assert.Equal(t, chat.EventInserted, ev.Kind)
	ev = <-events
	assert.Equal(t, chat.EventSendFailed, ev.Kind)
	assert.Contains(t, ev.Err, "delivery refused")
}

func TestAgentSession_SelectLoadsHistory(t *testing.T) {
	ch := newFakeChannel()
	base := time.Now().Add(-time.Hour)
	ch.history["cust1"] = []chat.Message{
		customerPush("m1", "cust1", "old question", base),
		customerPush("m2", "cust1", "follow-up", base.Add(time.Minute)),
	}
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	store := s.Select(t.Context(), "cust1")

	require.Eventually(t, func() bool {
		return store.Len() == 2
	}, time.Second, 10*time.Millisecond)

	// The selected conversation's history is acknowledged once loaded.
	require.Eventually(t, func() bool {
		return len(ch.ackedIDs()) == 2
	}, time.Second, 10*time.Millisecond)

	sum, ok := s.index.Get("cust1")
	require.True(t, ok)
	assert.Equal(t, "follow-up", sum.LastMessagePreview)
	assert.Equal(t, 0, sum.UnreadCount)
}

func TestAgentSession_EchoOfOwnSendRoutesToConversation(t *testing.T) {
	ch := newFakeChannel()
	s := NewAgentSession(agentIdentity(), ch, nil, AgentOptions{}, nil)
	defer s.Close()
	require.NoError(t, s.Start(t.Context()))

	pid := s.Send(t.Context(), "cust1", "checking in")
	store := s.Store(t.Context(), "cust1")

	// The server pushes the echo before (or after) the reply lands; either
	// way exactly one entry remains.
	echo := chat.Message{
		ID:         "srv-1",
		Sender:     "agent1",
		Recipient:  chat.DirectRecipient("cust1"),
		SenderRole: chat.RoleAgent,
		Text:       "checking in",
		CreatedAt:  time.Now(),
		State:      chat.StateConfirmed,
	}
	ch.push(echo)

	require.Eventually(t, func() bool {
		msgs := store.Messages()
		return len(msgs) == 1 && !msgs[0].Pending() && msgs[0].ID == "srv-1"
	}, time.Second, 10*time.Millisecond)
	assert.NotEqual(t, pid, store.Messages()[0].ID)
}
