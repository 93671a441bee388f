// ABOUTME: Core message model for customer/support-agent conversations.
// ABOUTME: Defines the Recipient tagged variant and the pending/confirmed lifecycle.

package chat

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// State is the lifecycle state of a message.
type State int

const (
	// StatePending marks a locally inserted message still awaiting server
	// confirmation. Its ID is provisional and never leaves this process.
	StatePending State = iota
	// StateConfirmed marks a message the server has assigned a durable ID to.
	StateConfirmed
)

// Recipient identifies who a message is addressed to. A message is either
// addressed to a specific participant, or to the shared unassigned-agent
// inbox (a customer writing before any agent has picked up the conversation).
type Recipient struct {
	id    string
	inbox bool
}

// DirectRecipient addresses a specific participant.
func DirectRecipient(id string) Recipient {
	return Recipient{id: id}
}

// UnassignedInbox addresses the shared agent inbox rather than one agent.
func UnassignedInbox() Recipient {
	return Recipient{inbox: true}
}

// ID returns the participant id and true for a direct recipient, or
// ("", false) for the unassigned inbox.
func (r Recipient) ID() (string, bool) {
	if r.inbox {
		return "", false
	}
	return r.id, true
}

// IsInbox reports whether the recipient is the unassigned-agent inbox.
func (r Recipient) IsInbox() bool {
	return r.inbox
}

func (r Recipient) String() string {
	if r.inbox {
		return "<unassigned>"
	}
	return r.id
}

// MarshalJSON encodes the unassigned inbox as null, matching the wire shape
// the server uses for conversations no agent has claimed yet.
func (r Recipient) MarshalJSON() ([]byte, error) {
	if r.inbox {
		return []byte("null"), nil
	}
	return json.Marshal(r.id)
}

// UnmarshalJSON decodes null (or empty string) as the unassigned inbox.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = UnassignedInbox()
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	if id == "" {
		*r = UnassignedInbox()
		return nil
	}
	*r = DirectRecipient(id)
	return nil
}

// Message is one entry in a conversation.
type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  Recipient `json:"recipient"`
	SenderRole Role      `json:"senderRole"`
	Text       string    `json:"text"`
	Read       bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	// State is local bookkeeping and never serialized. Messages decoded
	// from the wire or a snapshot are confirmed by definition.
	State State `json:"-"`
}

// Pending reports whether the message is still awaiting server confirmation.
func (m *Message) Pending() bool {
	return m.State == StatePending
}

// AddressedTo reports whether the message is addressed to the given local
// participant. Unassigned-inbox messages count as addressed to any agent:
// the inbox is shared, and whichever agent handles the conversation owns
// its read state.
func (m *Message) AddressedTo(participantID string, role Role) bool {
	if id, ok := m.Recipient.ID(); ok {
		return id == participantID
	}
	return role == RoleAgent
}

// Counterparty derives the conversation key for a message as seen by the
// local participant: the sender for inbound messages, the recipient for
// echoes of the local participant's own sends. Returns false for an echo
// addressed to the unassigned inbox, which cannot be routed to a single
// conversation.
func Counterparty(m Message, localID string) (string, bool) {
	if m.Sender != localID {
		return m.Sender, true
	}
	if id, ok := m.Recipient.ID(); ok {
		return id, true
	}
	return "", false
}
