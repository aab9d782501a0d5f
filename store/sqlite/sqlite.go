// Package sqlite implements moonbot.HistoryStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/moonbotlabs/moonbot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists conversation history in a local SQLite file, one row per
// message keyed by the channel session.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ moonbot.HistoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the history table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			channel_session TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_history_session
		 ON history (channel_session, created_at)`)
	if err != nil {
		return fmt.Errorf("init history index: %w", err)
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append inserts one message at the end of the channel session's history.
func (s *Store) Append(ctx context.Context, channelSessionID string, msg moonbot.HistoryMessage) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, channel_session, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		moonbot.NewID(), channelSessionID, msg.Role, msg.Content, moonbot.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: append failed",
			"channel_session", channelSessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append history: %w", err)
	}
	s.logger.Debug("sqlite: append ok",
		"channel_session", channelSessionID, "role", msg.Role, "duration", time.Since(start))
	return nil
}

// Recent returns up to limit messages for the channel session, oldest
// first.
func (s *Store) Recent(ctx context.Context, channelSessionID string, limit int) ([]moonbot.HistoryMessage, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content
		 FROM history
		 WHERE channel_session = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		channelSessionID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: recent failed",
			"channel_session", channelSessionID, "error", err, "duration", time.Since(start))
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

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: recent ok",
		"channel_session", channelSessionID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Prune removes history older than the cutoff. Returns rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}
