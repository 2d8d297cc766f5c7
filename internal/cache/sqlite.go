package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rickgao/account-aggregator/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recent_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	login       TEXT    NOT NULL,
	received_at INTEGER NOT NULL,
	payload     TEXT    NOT NULL
);`

// SQLite stores events in a single table pruned on every write.
type SQLite struct {
	db       *sql.DB
	capacity int
	logger   *slog.Logger
}

var _ Backend = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string, capacity int, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{
		db:       db,
		capacity: capacity,
		logger:   logger.With("component", "cache_sqlite"),
	}, nil
}

func (s *SQLite) Append(ctx context.Context, events []model.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO recent_events (login, received_at, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.Login, ev.ReceivedAt.UnixMilli(), string(payload)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recent_events
		WHERE id NOT IN (SELECT id FROM recent_events ORDER BY id DESC LIMIT ?)`,
		s.capacity,
	); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) Load(ctx context.Context) ([]model.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM recent_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev model.RawEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping undecodable cache entry", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recent_events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
