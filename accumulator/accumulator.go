// Package accumulator buffers recent non-command messages per chat so the
// next command can consume them as implicit arguments.
package accumulator

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxMessages = 100
	DefaultMaxLength   = 1000
)

type entry struct {
	text    string
	addedAt time.Time
}

// Accumulator holds a bounded buffer of (text, arrival time) per chat.
// Appends evict from the head past the count cap and truncate long texts;
// a flush reads and clears atomically with respect to concurrent appends
// on the same chat.
type Accumulator struct {
	mu    sync.Mutex
	chats map[int64][]entry

	maxMessages int
	maxLength   int
	maxAge      time.Duration // 0 disables age eviction

	now func() time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithMaxMessages caps the number of buffered messages per chat.
func WithMaxMessages(n int) Option {
	return func(a *Accumulator) { a.maxMessages = n }
}

// WithMaxLength truncates each message to n bytes on insert.
func WithMaxLength(n int) Option {
	return func(a *Accumulator) { a.maxLength = n }
}

// WithMaxAge evicts entries older than d. Zero disables age eviction.
func WithMaxAge(d time.Duration) Option {
	return func(a *Accumulator) { a.maxAge = d }
}

func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		chats:       make(map[int64][]entry),
		maxMessages: DefaultMaxMessages,
		maxLength:   DefaultMaxLength,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append stores a message at the tail of the chat's buffer. Empty and
// whitespace-only texts are skipped; long texts are truncated, never
// rejected. Returns the buffered count after the append.
func (a *Accumulator) Append(chatID int64, text string) int {
	if strings.TrimSpace(text) == "" {
		return a.Count(chatID)
	}
	if a.maxLength <= 0 {
		return a.Count(chatID)
	}
	if len(text) > a.maxLength {
		text = truncate(text, a.maxLength)
		slog.Debug("truncated message on append", "chat_id", chatID, "max_length", a.maxLength)
		if strings.TrimSpace(text) == "" {
			return a.Count(chatID)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.evictLocked(chatID)
	buf = append(buf, entry{text: text, addedAt: a.now()})
	if len(buf) > a.maxMessages {
		buf = buf[len(buf)-a.maxMessages:]
	}
	a.chats[chatID] = buf
	return len(buf)
}

// Flush returns the chat's buffered texts in arrival order and clears the
// buffer. Flushing an empty buffer yields nil.
func (a *Accumulator) Flush(chatID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.evictLocked(chatID)
	if len(buf) == 0 {
		delete(a.chats, chatID)
		return nil
	}
	texts := make([]string, len(buf))
	for i, e := range buf {
		texts[i] = e.text
	}
	delete(a.chats, chatID)
	return texts
}

// Peek returns a copy of the buffered texts without clearing.
func (a *Accumulator) Peek(chatID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.evictLocked(chatID)
	if len(buf) == 0 {
		return nil
	}
	texts := make([]string, len(buf))
	for i, e := range buf {
		texts[i] = e.text
	}
	return texts
}

// Empty reports whether the chat has no buffered messages.
func (a *Accumulator) Empty(chatID int64) bool {
	return a.Count(chatID) == 0
}

// Count returns the number of buffered messages for a chat.
func (a *Accumulator) Count(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.evictLocked(chatID))
}

// Clear drops the chat's buffer and returns how many messages it held.
func (a *Accumulator) Clear(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.chats[chatID])
	delete(a.chats, chatID)
	return n
}

// ChatIDs lists chats that currently hold buffered messages.
func (a *Accumulator) ChatIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.chats))
	for id, buf := range a.chats {
		if len(buf) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// TotalChats returns the number of chats with buffered messages.
func (a *Accumulator) TotalChats() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chats)
}

// truncate cuts s to at most n bytes without splitting a rune, so buffered
// text stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// evictLocked applies age eviction and returns the chat's buffer.
func (a *Accumulator) evictLocked(chatID int64) []entry {
	buf := a.chats[chatID]
	if a.maxAge <= 0 || len(buf) == 0 {
		return buf
	}
	cutoff := a.now().Add(-a.maxAge)
	i := 0
	for i < len(buf) && buf[i].addedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		buf = buf[i:]
		if len(buf) == 0 {
			delete(a.chats, chatID)
		} else {
			a.chats[chatID] = buf
		}
	}
	return buf
}
