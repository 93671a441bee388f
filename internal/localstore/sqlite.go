// ABOUTME: SQLite-backed best-effort snapshot cache using modernc.org/sqlite.
// ABOUTME: One serialized message list per conversation key, read once at session start.

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/storechat/engine/internal/chat"
)

// ErrNoSnapshot is returned when no snapshot exists for a conversation key.
var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore persists a serialized copy of a conversation's message list
// so a returning session is not blank before the channel connects. The
// snapshot is non-authoritative: loaded entries are superseded by the first
// history fetch or push delivery.
type SnapshotStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the snapshot database at the given path. Parent
// directories are created if needed.
func Open(path string) (*SnapshotStore, error) {
	logger := slog.Default().With("component", "localstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			conversation_key TEXT PRIMARY KEY,
			payload          BLOB NOT NULL,
			updated_at       DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("snapshot store opened", "path", path)
	return &SnapshotStore{db: db, logger: logger}, nil
}

// Save writes the snapshot for a conversation, replacing any previous one.
// Pending entries are skipped: they never existed from the remote
// participant's point of view and must not be revived as confirmed.
func (s *SnapshotStore) Save(ctx context.Context, conversationKey string, msgs []chat.Message) error {
	confirmed := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.State == chat.StateConfirmed {
			confirmed = append(confirmed, m)
		}
	}

	payload, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	query := `
		INSERT INTO snapshots (conversation_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, conversationKey, payload, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for a conversation. Returns ErrNoSnapshot if none
// has been saved. Loaded messages are confirmed by definition.
func (s *SnapshotStore) Load(ctx context.Context, conversationKey string) ([]chat.Message, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE conversation_key = ?`,
		conversationKey,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var msgs []chat.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	for i := range msgs {
		msgs[i].State = chat.StateConfirmed
	}
	return msgs, nil
}

// Delete removes the snapshot for a conversation, if any.
func (s *SnapshotStore) Delete(ctx context.Context, conversationKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE conversation_key = ?`, conversationKey); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
