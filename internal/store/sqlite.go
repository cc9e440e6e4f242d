// Package store persists channels, chat logs and spam candidates in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/core"
	"github.com/you/gnasty-spam/internal/filter"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
  channel_id INTEGER PRIMARY KEY,
  channel_name TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS chat_log (
  channel_id INTEGER NOT NULL,
  stream_id INTEGER NOT NULL,
  text TEXT NOT NULL,
  "user" TEXT NOT NULL,
  chat_time TEXT NOT NULL,
  raw_time TEXT NOT NULL DEFAULT '',
  "offset" INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS chat_log_scope ON chat_log(channel_id, stream_id);`,
	`CREATE TABLE IF NOT EXISTS top_spam (
  channel_id INTEGER NOT NULL,
  stream_id INTEGER NOT NULL,
  spam_text TEXT NOT NULL,
  spam_occurrences INTEGER NOT NULL,
  spam_user_count INTEGER NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS top_spam_scope ON top_spam(channel_id, stream_id);`,
}

const messageColumns = `channel_id, stream_id, text, "user", chat_time, raw_time, "offset"`

// ErrChannelNotFound is returned by FindChannel for an unknown id.
var ErrChannelNotFound = errors.New("channel not found")

// Store is a SQLite-backed message, spam and channel store. One Store is
// opened per command and closed when the command returns.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps writers from tripping SQLITE_BUSY when the
	// API and the watcher share the file.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(ctx, db, logger)
	s := &Store{db: db, path: path, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) String() string {
	return fmt.Sprintf("sqlite:%s", s.path)
}

// InsertChannel registers a channel.
func (s *Store) InsertChannel(ctx context.Context, ch core.Channel) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO channels (channel_id, channel_name) VALUES (?, ?);`, ch.ID, ch.Name)
	return errors.Wrap(err, "insert channel")
}

// FindChannel looks a channel up by id.
func (s *Store) FindChannel(ctx context.Context, id int64) (core.Channel, error) {
	var ch core.Channel
	err := s.db.QueryRowContext(ctx, `SELECT channel_id, channel_name FROM channels WHERE channel_id = ?;`, id).Scan(&ch.ID, &ch.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return core.Channel{}, errors.Wrap(err, "find channel")
	}
	return ch, nil
}

// ReplaceMessages deletes every stored message of scope and inserts msgs in
// one transaction. It returns the number of rows inserted.
func (s *Store) ReplaceMessages(ctx context.Context, scope core.Scope, msgs []core.Message) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_log WHERE channel_id = ? AND stream_id = ?;`, scope.ChannelID, scope.StreamID); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_log (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?);`)
		if err != nil {
			return errors.Wrap(err, "prepare insert message")
		}
		defer stmt.Close()
		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, scope.ChannelID, scope.StreamID, m.Text, m.User, formatTime(m.Ts), m.RawTime, m.Offset); err != nil {
				return errors.Wrap(err, "insert message")
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteMessages removes every stored message of scope.
func (s *Store) DeleteMessages(ctx context.Context, scope core.Scope) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_log WHERE channel_id = ? AND stream_id = ?;`, scope.ChannelID, scope.StreamID)
	if err != nil {
		return 0, errors.Wrap(err, "delete messages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Messages returns the scope's messages ordered by timestamp, ties in
// insertion order.
func (s *Store) Messages(ctx context.Context, scope core.Scope) ([]core.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM chat_log WHERE channel_id = ? AND stream_id = ? ORDER BY chat_time ASC, rowid ASC;`
	return s.listMessages(ctx, q, scope.ChannelID, scope.StreamID)
}

// QueryMessages returns every message matching q ordered by timestamp.
func (s *Store) QueryMessages(ctx context.Context, q filter.Query) ([]core.Message, error) {
	var builder strings.Builder
	builder.WriteString(`SELECT ` + messageColumns + ` FROM chat_log`)
	where, args := q.Where()
	if where != "" {
		builder.WriteString(" ")
		builder.WriteString(where)
	}
	builder.WriteString(" ORDER BY chat_time ASC, rowid ASC;")
	return s.listMessages(ctx, builder.String(), args...)
}

// CountMessages reports how many messages are stored for scope.
func (s *Store) CountMessages(ctx context.Context, scope core.Scope) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_log WHERE channel_id = ? AND stream_id = ?;`, scope.ChannelID, scope.StreamID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count messages")
	}
	return n, nil
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := []core.Message{}
	for rows.Next() {
		var (
			msg core.Message
			ts  string
		)
		if err := rows.Scan(&msg.ChannelID, &msg.StreamID, &msg.Text, &msg.User, &ts, &msg.RawTime, &msg.Offset); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t, err := time.Parse(core.TimeLayout, ts); err == nil {
			msg.Ts = t
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

// ReplaceSpam deletes the scope's spam candidates and inserts cands in one
// transaction. It returns the number inserted.
func (s *Store) ReplaceSpam(ctx context.Context, scope core.Scope, cands []core.SpamCandidate) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM top_spam WHERE channel_id = ? AND stream_id = ?;`, scope.ChannelID, scope.StreamID); err != nil {
			return errors.Wrap(err, "delete spam")
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO top_spam (channel_id, stream_id, spam_text, spam_occurrences, spam_user_count) VALUES (?, ?, ?, ?, ?);`)
		if err != nil {
			return errors.Wrap(err, "prepare insert spam")
		}
		defer stmt.Close()
		for _, c := range cands {
			if _, err := stmt.ExecContext(ctx, scope.ChannelID, scope.StreamID, c.Text, c.OccurrenceCount, c.DistinctUserCount); err != nil {
				return errors.Wrap(err, "insert spam")
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteSpam removes the scope's spam candidates.
func (s *Store) DeleteSpam(ctx context.Context, scope core.Scope) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM top_spam WHERE channel_id = ? AND stream_id = ?;`, scope.ChannelID, scope.StreamID)
	return errors.Wrap(err, "delete spam")
}

// Spam returns the persisted candidates of scope ordered by occurrences desc,
// distinct users desc, text asc.
func (s *Store) Spam(ctx context.Context, scope core.Scope) ([]core.SpamCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, stream_id, spam_text, spam_occurrences, spam_user_count
FROM top_spam WHERE channel_id = ? AND stream_id = ?
ORDER BY spam_occurrences DESC, spam_user_count DESC, spam_text ASC;`, scope.ChannelID, scope.StreamID)
	if err != nil {
		return nil, errors.Wrap(err, "list spam")
	}
	defer rows.Close()

	out := []core.SpamCandidate{}
	for rows.Next() {
		var c core.SpamCandidate
		if err := rows.Scan(&c.ChannelID, &c.StreamID, &c.Text, &c.OccurrenceCount, &c.DistinctUserCount); err != nil {
			return nil, errors.Wrap(err, "scan spam")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate spam")
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("store: rollback failed", "err", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(core.TimeLayout)
}
