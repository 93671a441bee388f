// ABOUTME: ReadTracker drives read-receipt acknowledgement for the local participant.
// ABOUTME: Sweeps are idempotent; failed acks are simply retried on the next pass.

package readtracker

import (
	"context"
	"log/slog"

	"github.com/storechat/engine/internal/chat"
)

// Acker issues the server-side read acknowledgement for one message.
// Implemented by the connection manager.
type Acker interface {
	MarkAsRead(ctx context.Context, messageID string) error
}

// Tracker marks messages addressed to the local participant as read. It
// only acts on entries whose local read flag is still false at scan time,
// so an acknowledged message is never re-sent and a failed acknowledgement
// is naturally retried on the next sweep.
type Tracker struct {
	participantID string
	role          chat.Role
	acker         Acker
	logger        *slog.Logger
}

// New creates a tracker for the given local participant.
func New(participantID string, role chat.Role, acker Acker, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		participantID: participantID,
		role:          role,
		acker:         acker,
		logger:        logger.With("component", "readtracker"),
	}
}

// Sweep acknowledges every unread message addressed to the local
// participant in the store, flipping the local read flag only after the
// server accepted the acknowledgement. Returns how many were acknowledged.
func (t *Tracker) Sweep(ctx context.Context, store *chat.MessageStore) int {
	acked := 0
	for _, m := range store.Unread(t.participantID, t.role) {
		if err := t.acker.MarkAsRead(ctx, m.ID); err != nil {
			t.logger.Warn("read acknowledgement failed, left for next sweep",
				"message_id", m.ID,
				"error", err)
			continue
		}
		store.MarkRead(m.ID)
		acked++
	}
	return acked
}
