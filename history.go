package moonbot

import "context"

// HistoryStore persists conversation history per channel session. The
// store/sqlite and store/postgres packages provide implementations; the
// orchestrator works without one (tasks simply plan with no history).
type HistoryStore interface {
	// Append records one message at the end of the channel session's history.
	Append(ctx context.Context, channelSessionID string, msg HistoryMessage) error
	// Recent returns up to limit messages, oldest first.
	Recent(ctx context.Context, channelSessionID string, limit int) ([]HistoryMessage, error)
	// Close releases the underlying store.
	Close() error
}
