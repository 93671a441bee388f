// ABOUTME: Sentinel errors for channel operations.
// ABOUTME: Callers recover these at the component boundary; none cross the reconciliation pipeline.

package channel

import "errors"

var (
	// ErrNotConnected is returned when an operation is attempted while the
	// channel is down. Callers should surface a connecting state or retry
	// on reconnect, never silently drop.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendFailed is returned when the server rejected a send or the
	// bounded send timeout elapsed. The caller must discard the pending
	// entry and surface a retry affordance.
	ErrSendFailed = errors.New("send failed")

	// ErrFetchFailed is returned when a history or roster fetch failed.
	// Retryable on demand.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrMarkReadFailed is returned when a read acknowledgement failed.
	// Non-fatal: the next read-tracker sweep retries it.
	ErrMarkReadFailed = errors.New("mark-read failed")
)
