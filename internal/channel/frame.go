// ABOUTME: JSON wire frames for the storechat real-time channel.
// ABOUTME: Request/reply/push envelope with typed payloads and reply decoding.

package channel

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/storechat/engine/internal/chat"
)

// FrameType identifies the kind of frame on the wire.
type FrameType string

const (
	FrameRegister        FrameType = "register"
	FrameGetConversation FrameType = "getConversation"
	FrameSendMessage     FrameType = "sendMessage"
	FrameMarkAsRead      FrameType = "markAsRead"
	FrameReply           FrameType = "reply"
	FrameNewMessage      FrameType = "newMessage"
)

// Reply status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame is the envelope for every message on the channel. Requests carry a
// RequestID that the matching reply echoes back; pushes carry neither
// RequestID nor Status.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload announces the local participant's identity after connect.
type RegisterPayload struct {
	ParticipantID string    `json:"participantId"`
	Role          chat.Role `json:"role"`
}

// GetConversationPayload requests one conversation's history.
type GetConversationPayload struct {
	CounterpartyID string `json:"counterpartyId"`
}

// SendMessagePayload submits a new message for delivery.
type SendMessagePayload struct {
	Sender     string         `json:"sender"`
	Recipient  chat.Recipient `json:"recipient"`
	SenderRole chat.Role      `json:"senderRole"`
	Text       string         `json:"text"`
}

// MarkAsReadPayload acknowledges one message as read.
type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
}

// NewRequest builds a request frame with a fresh request id and the payload
// marshaled into Data.
func NewRequest(t FrameType, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Frame{
		Type:      t,
		RequestID: uuid.New().String(),
		Data:      data,
	}, nil
}

// NewReply builds a success reply to a request, with payload in Data.
func NewReply(requestID string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding reply payload: %w", err)
	}
	return &Frame{
		Type:      FrameReply,
		RequestID: requestID,
		Status:    StatusSuccess,
		Data:      data,
	}, nil
}

// NewErrorReply builds an error reply to a request.
func NewErrorReply(requestID, message string) *Frame {
	return &Frame{
		Type:      FrameReply,
		RequestID: requestID,
		Status:    StatusError,
		Error:     message,
	}
}

// NewPush builds a newMessage push frame.
func NewPush(m chat.Message) (*Frame, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding push message: %w", err)
	}
	return &Frame{Type: FrameNewMessage, Data: data}, nil
}

// Err returns nil for a success reply, or an error carrying the server's
// message for an error reply.
func (f *Frame) Err() error {
	if f.Status == StatusError {
		if f.Error != "" {
			return fmt.Errorf("server error: %s", f.Error)
		}
		return fmt.Errorf("server error")
	}
	return nil
}

// DecodeMessage decodes a single message from the frame's Data. Decoded
// messages are confirmed by definition.
func DecodeMessage(f *Frame) (chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return chat.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	m.State = chat.StateConfirmed
	return m, nil
}

// DecodeMessages decodes a message list from the frame's Data.
func DecodeMessages(f *Frame) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := json.Unmarshal(f.Data, &msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	for i := range msgs {
		msgs[i].State = chat.StateConfirmed
	}
	return msgs, nil
}

// DecodePayload decodes a request frame's Data into the given payload type.
func DecodePayload[T any](f *Frame) (T, error) {
	var p T
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return p, nil
}
