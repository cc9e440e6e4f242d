package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ensureSchema brings chat_log tables written by older releases (which lacked
// raw_time and stored chat_time with a space separator) up to the current
// layout. It is idempotent.
func (s *Store) ensureSchema(ctx context.Context) error {
	columns, err := sqliteColumnNames(ctx, s.db, "chat_log")
	if err != nil {
		return errors.Wrap(err, "describe chat_log")
	}

	if _, ok := columns["raw_time"]; !ok {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE chat_log ADD COLUMN raw_time TEXT NOT NULL DEFAULT '';`); err != nil {
			return errors.Wrap(err, "ensure raw_time column")
		}
		s.logger.Info("store: added raw_time column to chat_log")

		// Legacy rows kept the exported created_at verbatim in chat_time.
		res, err := s.db.ExecContext(ctx, `UPDATE chat_log
SET raw_time = chat_time,
    chat_time = substr(chat_time, 1, 10) || 'T' || substr(chat_time, 12, 8) || 'Z'
WHERE raw_time = '' AND length(chat_time) >= 19;`)
		if err != nil {
			return errors.Wrap(err, "normalize chat_time")
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Info("store: normalized legacy chat_time values", "rows", n)
		}
	}

	nulls := []struct {
		query string
		label string
	}{
		{`UPDATE chat_log SET text='' WHERE text IS NULL;`, "text"},
		{`UPDATE chat_log SET "user"='' WHERE "user" IS NULL;`, "user"},
		{`UPDATE chat_log SET "offset"=0 WHERE "offset" IS NULL;`, "offset"},
	}
	for _, step := range nulls {
		res, err := s.db.ExecContext(ctx, step.query)
		if err != nil {
			return errors.Wrapf(err, "normalize %s", step.label)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Info("store: normalized nulls", "column", step.label, "rows", n)
		}
	}
	return nil
}

// sqliteColumnNames returns the lower-cased column names of table.
func sqliteColumnNames(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
