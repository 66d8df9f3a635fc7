// Package store persists the poller offset and the chat interaction log in
// sqlite.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

const offsetKey = "update_id"

type Store struct {
	*sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("store opened", "path", path)
	return &Store{db}, nil
}

// Offset returns the last persisted update offset. ok is false when no
// offset has been stored yet.
func (s *Store) Offset() (offset int64, ok bool, err error) {
	err = s.QueryRow("SELECT value FROM offsets WHERE key = ?", offsetKey).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read offset: %w", err)
	}
	return offset, true, nil
}

// SetOffset stores the last processed update offset.
func (s *Store) SetOffset(offset int64) error {
	_, err := s.Exec(`
		INSERT INTO offsets (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, offsetKey, offset)
	if err != nil {
		return fmt.Errorf("write offset: %w", err)
	}
	return nil
}

// Interaction is one logged chat event.
type Interaction struct {
	ID          int64
	ChatID      int64
	Kind        string
	Text        string
	Command     string
	Cattackle   string
	Username    string
	ResponseLen int
	CreatedAt   time.Time
}

// LogInteraction appends one row to the chat log.
func (s *Store) LogInteraction(chatID int64, kind, text, command, cattackle, username string, responseLen int) error {
	_, err := s.Exec(`
		INSERT INTO chat_log (chat_id, kind, text, command, cattackle, username, response_len, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, chatID, kind, text, command, cattackle, username, responseLen, time.Now().UTC())
	return err
}

// RecentInteractions returns the newest rows for a chat in chronological
// order.
func (s *Store) RecentInteractions(chatID int64, limit int) ([]Interaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.Query(`
		SELECT id, chat_id, kind, text, command, cattackle, username, response_len, created_at
		FROM chat_log WHERE chat_id = ?
		ORDER BY id DESC LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var rec Interaction
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Kind, &rec.Text, &rec.Command,
			&rec.Cattackle, &rec.Username, &rec.ResponseLen, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
