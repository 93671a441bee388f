// ABOUTME: REST client for the agent roster bootstrap endpoint.
// ABOUTME: Pure bootstrap source for the index; live state comes from the channel.

package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/storechat/engine/internal/channel"
)

// BootstrapRow is one conversation row from the roster endpoint.
type BootstrapRow struct {
	CounterpartyID  string    `json:"counterpartyId"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// Client fetches the agent's conversation roster over REST.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a roster client for the given API base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("component", "roster-client"),
	}
}

// Conversations fetches the roster rows for the current agent. Failures
// are reported as channel.ErrFetchFailed and are retryable on demand.
func (c *Client) Conversations(ctx context.Context) ([]BootstrapRow, error) {
	url := c.baseURL + "/api/agent/conversations"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: roster endpoint returned %s", channel.ErrFetchFailed, resp.Status)
	}

	var rows []BootstrapRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decoding roster: %v", channel.ErrFetchFailed, err)
	}

	c.logger.Debug("roster fetched", "conversations", len(rows))
	return rows, nil
}
