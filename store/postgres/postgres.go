// Package postgres implements moonbot.HistoryStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a
// no-op on the pool itself.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moonbotlabs/moonbot"
)

// Store persists conversation history in PostgreSQL, one row per message
// keyed by the channel session.
type Store struct {
	pool *pgxpool.Pool
}

var _ moonbot.HistoryStore = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the history table and its index.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			channel_session TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_history_session
		 ON history (channel_session, created_at)`)
	if err != nil {
		return fmt.Errorf("init history index: %w", err)
	}
	return nil
}

// Append inserts one message at the end of the channel session's history.
func (s *Store) Append(ctx context.Context, channelSessionID string, msg moonbot.HistoryMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (id, channel_session, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		moonbot.NewID(), channelSessionID, msg.Role, msg.Content, moonbot.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns up to limit messages for the channel session, oldest
// first.
func (s *Store) Recent(ctx context.Context, channelSessionID string, limit int) ([]moonbot.HistoryMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content FROM (
			SELECT role, content, created_at, id
			FROM history
			WHERE channel_session = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`,
		channelSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	var messages []moonbot.HistoryMessage
	for rows.Next() {
		var m moonbot.HistoryMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return messages, nil
}

// Close implements moonbot.HistoryStore. The pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}
