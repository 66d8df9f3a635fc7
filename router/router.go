// Package router decides what to do with each inbound chat message: plain
// text feeds the per-chat accumulator, commands are resolved against the
// cattackle registry and dispatched over RPC.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/meowkov/catmandu/accumulator"
	"github.com/meowkov/catmandu/dispatch"
	"github.com/meowkov/catmandu/registry"
)

const (
	commandMarker = "/"

	replyUnknownCommand = "Command not found: "
	replyExecutionError = "An error occurred while executing the command."
)

// Message is one inbound chat message.
type Message struct {
	UpdateID int64
	ChatID   int64
	Username string
	Text     string
}

// Reply is an outbound message. A nil *Reply means nothing to send.
type Reply struct {
	ChatID int64
	Text   string
}

// Dispatcher issues the RPC call for a resolved command.
type Dispatcher interface {
	Call(ctx context.Context, manifest *registry.Manifest, command string, payload dispatch.Payload) (*dispatch.Response, error)
}

// Snapshots yields the current registry snapshot.
type Snapshots interface {
	Snapshot() *registry.Snapshot
}

// ChatLog records chat interactions. May be nil.
type ChatLog interface {
	LogInteraction(chatID int64, kind, text, command, cattackle, username string, responseLen int) error
}

// Router orchestrates accumulation, registry lookup, and dispatch. Handling
// is serialized per chat; unrelated chats proceed concurrently.
type Router struct {
	registry   Snapshots
	dispatcher Dispatcher
	acc        *accumulator.Accumulator
	chatLog    ChatLog

	feedback  bool
	separator string

	mu        sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

// Option configures a Router.
type Option func(*Router)

// WithFeedback makes plain-text messages produce a stored-count reply.
func WithFeedback(enabled bool) Option {
	return func(r *Router) { r.feedback = enabled }
}

// WithSeparator sets the join separator for flushed accumulator contents.
func WithSeparator(sep string) Option {
	return func(r *Router) { r.separator = sep }
}

// WithChatLog attaches an interaction log.
func WithChatLog(log ChatLog) Option {
	return func(r *Router) { r.chatLog = log }
}

func New(reg Snapshots, dispatcher Dispatcher, acc *accumulator.Accumulator, opts ...Option) *Router {
	r := &Router{
		registry:   reg,
		dispatcher: dispatcher,
		acc:        acc,
		separator:  "\n",
		chatLocks:  make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes one message and returns the reply to send, if any.
func (r *Router) Handle(ctx context.Context, msg Message) *Reply {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	lock := r.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if strings.HasPrefix(msg.Text, commandMarker) {
		return r.handleCommand(ctx, msg)
	}
	return r.handleText(msg)
}

func (r *Router) handleText(msg Message) *Reply {
	r.logInteraction(msg.ChatID, "message", msg.Text, "", "", msg.Username, 0)

	count := r.acc.Append(msg.ChatID, msg.Text)
	if !r.feedback || count == 0 {
		return nil
	}
	return &Reply{
		ChatID: msg.ChatID,
		Text:   fmt.Sprintf("Message stored. You now have %s ready for your next command.", plural(count, "message")),
	}
}

func (r *Router) handleCommand(ctx context.Context, msg Message) *Reply {
	rest := strings.TrimPrefix(msg.Text, commandMarker)
	fullCommand, explicitArg := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		fullCommand, explicitArg = rest[:i], rest[i:]
	}
	explicitArg = strings.TrimSpace(explicitArg)

	if fullCommand == "" {
		return nil
	}

	if reply := r.systemCommand(msg.ChatID, fullCommand); reply != nil {
		r.logInteraction(msg.ChatID, "command", msg.Text, fullCommand, "", msg.Username, len(reply.Text))
		return reply
	}

	// One snapshot per message: the lookup never mixes manifests from two
	// generations of the registry.
	snap := r.registry.Snapshot()
	manifest, command, ok := resolve(snap, fullCommand)
	if !ok {
		slog.Warn("command not found", "command", fullCommand, "chat_id", msg.ChatID)
		reply := &Reply{ChatID: msg.ChatID, Text: replyUnknownCommand + fullCommand}
		r.logInteraction(msg.ChatID, "command", msg.Text, fullCommand, "", msg.Username, len(reply.Text))
		return reply
	}

	// The buffer is flushed whether or not the explicit argument wins, so
	// stale messages never leak into a later command.
	flushed := r.acc.Flush(msg.ChatID)
	effective := explicitArg
	if effective == "" {
		effective = strings.Join(flushed, r.separator)
	}

	payload := dispatch.Payload{
		Text:              effective,
		AccumulatedParams: flushed,
		Username:          msg.Username,
		ChatID:            msg.ChatID,
	}

	slog.Info("dispatching command",
		"command", command, "cattackle", manifest.Name,
		"chat_id", msg.ChatID, "accumulated", len(flushed))

	resp, err := r.dispatcher.Call(ctx, manifest, command, payload)
	if err != nil {
		var execErr *dispatch.ExecutionError
		var appErr *dispatch.ApplicationError
		switch {
		case errors.As(err, &execErr):
			slog.Error("cattackle execution failed",
				"cattackle", manifest.Name, "command", command,
				"attempts", execErr.Attempts, "err", execErr.Cause)
		case errors.As(err, &appErr):
			slog.Error("cattackle reported an error",
				"cattackle", manifest.Name, "command", command, "err", appErr.Message)
		default:
			slog.Error("cattackle call failed",
				"cattackle", manifest.Name, "command", command, "err", err)
		}
		reply := &Reply{ChatID: msg.ChatID, Text: replyExecutionError}
		r.logInteraction(msg.ChatID, "command", msg.Text, command, manifest.Name, msg.Username, len(reply.Text))
		return reply
	}

	reply := &Reply{ChatID: msg.ChatID, Text: resp.Data}
	r.logInteraction(msg.ChatID, "command", msg.Text, command, manifest.Name, msg.Username, len(reply.Text))
	return reply
}

// resolve maps a command token to its manifest. A token of the form
// cattackle_command addresses one cattackle explicitly; otherwise the bare
// command name is looked up across all of them.
func resolve(snap *registry.Snapshot, fullCommand string) (*registry.Manifest, string, bool) {
	if name, command, ok := strings.Cut(fullCommand, "_"); ok {
		if m, found := snap.LookupIn(name, command); found {
			return m, command, true
		}
	}
	if m, found := snap.Lookup(fullCommand); found {
		return m, fullCommand, true
	}
	return nil, "", false
}

// systemCommand handles the built-in accumulator management commands
// locally, without any RPC.
func (r *Router) systemCommand(chatID int64, command string) *Reply {
	switch command {
	case "accumulator_status":
		n := r.acc.Count(chatID)
		if n == 0 {
			return &Reply{ChatID: chatID, Text: "No messages accumulated. Send some messages and then use a command!"}
		}
		return &Reply{ChatID: chatID, Text: fmt.Sprintf("You have %s accumulated and ready for your next command.", plural(n, "message"))}

	case "show_accumulator":
		texts := r.acc.Peek(chatID)
		if len(texts) == 0 {
			return &Reply{ChatID: chatID, Text: "No messages accumulated."}
		}
		lines := []string{fmt.Sprintf("Your accumulated messages (%d total):", len(texts))}
		for i, text := range texts {
			if len(text) > 100 {
				cut := 100
				for cut > 0 && !utf8.RuneStart(text[cut]) {
					cut--
				}
				text = text[:cut] + "..."
			}
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, text))
		}
		return &Reply{ChatID: chatID, Text: strings.Join(lines, "\n")}

	case "clear_accumulator":
		n := r.acc.Clear(chatID)
		if n == 0 {
			return &Reply{ChatID: chatID, Text: "No messages to clear - your accumulator is already empty."}
		}
		return &Reply{ChatID: chatID, Text: fmt.Sprintf("Cleared %s.", plural(n, "accumulated message"))}

	default:
		return nil
	}
}

func (r *Router) logInteraction(chatID int64, kind, text, command, cattackle, username string, responseLen int) {
	if r.chatLog == nil {
		return
	}
	if err := r.chatLog.LogInteraction(chatID, kind, text, command, cattackle, username, responseLen); err != nil {
		slog.Warn("chat log write failed", "chat_id", chatID, "err", err)
	}
}

func (r *Router) chatLock(chatID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		r.chatLocks[chatID] = lock
	}
	return lock
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
