// Package poller drives the inbound pipeline: long-poll for update batches,
// route each message, send replies, then persist the offset once per batch.
// The offset is advanced only after a full batch, so a crash mid-batch
// redelivers that batch on restart.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowkov/catmandu/router"
	"github.com/meowkov/catmandu/telegram"
)

// UpdateSource delivers inbound update batches and accepts outbound replies.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// OffsetStore is the durable slot for the last processed update marker.
type OffsetStore interface {
	Offset() (int64, bool, error)
	SetOffset(int64) error
}

// Handler routes one message.
type Handler interface {
	Handle(ctx context.Context, msg router.Message) *router.Reply
}

const (
	defaultPollTimeout = 10 // seconds, long-poll window
	defaultSendRetries = 3
	sendBackoffBase    = time.Second
	errorPause         = 2 * time.Second
)

type Poller struct {
	source  UpdateSource
	store   OffsetStore
	handler Handler

	pollTimeout int
	sendRetries int
	sendBackoff time.Duration

	running atomic.Bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithPollTimeout sets the long-poll window in seconds.
func WithPollTimeout(seconds int) Option {
	return func(p *Poller) { p.pollTimeout = seconds }
}

// WithSendRetries sets how many times a failed reply send is retried.
func WithSendRetries(n int) Option {
	return func(p *Poller) { p.sendRetries = n }
}

// WithSendBackoff sets the base delay between send retries.
func WithSendBackoff(d time.Duration) Option {
	return func(p *Poller) { p.sendBackoff = d }
}

func New(source UpdateSource, store OffsetStore, handler Handler, opts ...Option) *Poller {
	p := &Poller{
		source:      source,
		store:       store,
		handler:     handler,
		pollTimeout: defaultPollTimeout,
		sendRetries: defaultSendRetries,
		sendBackoff: sendBackoffBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the poll loop is accepting work.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	offset, ok, err := p.store.Offset()
	if err != nil {
		return err
	}
	if ok {
		slog.Info("loaded update offset", "offset", offset)
	}

	p.running.Store(true)
	defer p.running.Store(false)
	slog.Info("poller started")

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("poller stopped")
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("poller stopped")
				return nil
			}
			slog.Error("get updates failed", "err", err)
			pause(ctx, errorPause)
			continue
		}
		if len(updates) == 0 {
			continue
		}

		next := p.processBatch(ctx, updates)

		if next > offset {
			offset = next
			if err := p.store.SetOffset(offset); err != nil {
				slog.Error("failed to persist offset", "offset", offset, "err", err)
			}
		}
	}
}

// processBatch routes one batch. Updates for the same chat are handled in
// arrival order; chats run independently of each other. Returns the next
// offset to poll from.
func (p *Poller) processBatch(ctx context.Context, updates []telegram.Update) int64 {
	var next int64
	byChat := make(map[int64][]router.Message)
	var order []int64

	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			slog.Debug("skipping update without message text", "update_id", u.UpdateID)
			continue
		}
		msg := router.Message{
			UpdateID: u.UpdateID,
			ChatID:   u.Message.Chat.ID,
			Text:     u.Message.Text,
		}
		if u.Message.From != nil {
			msg.Username = u.Message.From.Username
		}
		if _, seen := byChat[msg.ChatID]; !seen {
			order = append(order, msg.ChatID)
		}
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg)
	}

	var wg sync.WaitGroup
	for _, chatID := range order {
		msgs := byChat[chatID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, msg := range msgs {
				if reply := p.handler.Handle(ctx, msg); reply != nil {
					p.sendWithRetry(ctx, reply.ChatID, reply.Text)
				}
			}
		}()
	}
	wg.Wait()

	return next
}

// sendWithRetry retries a failed send with exponential backoff and jitter.
func (p *Poller) sendWithRetry(ctx context.Context, chatID int64, text string) {
	for attempt := 0; attempt <= p.sendRetries; attempt++ {
		if attempt > 0 {
			delay := p.sendBackoff << (attempt - 1)
			if p.sendBackoff > 0 {
				delay += time.Duration(rand.Int63n(int64(p.sendBackoff)))
			}
			slog.Warn("reply send failed, retrying",
				"chat_id", chatID, "attempt", attempt, "delay", delay)
			if !pause(ctx, delay) {
				return
			}
		}
		if err := p.source.SendMessage(ctx, chatID, text); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		} else if attempt == p.sendRetries {
			slog.Error("failed to send reply after all retries",
				"chat_id", chatID, "retries", p.sendRetries, "err", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
