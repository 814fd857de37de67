// Package bot glues the Mikaz core together: inbound Matrix messages flow
// through command routing or admission control onto the request queue, and
// the queue's worker callback drives conversation memory and the completion
// backend, reporting results and failures back to the room.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/zvwgvx/Mikaz/common/trace"
	"github.com/zvwgvx/Mikaz/internal/mikaz/auth"
	"github.com/zvwgvx/Mikaz/internal/mikaz/commands"
	"github.com/zvwgvx/Mikaz/internal/mikaz/config"
	"github.com/zvwgvx/Mikaz/internal/mikaz/llm"
	"github.com/zvwgvx/Mikaz/internal/mikaz/memory"
	"github.com/zvwgvx/Mikaz/internal/mikaz/observability"
	"github.com/zvwgvx/Mikaz/internal/mikaz/queue"
	"github.com/zvwgvx/Mikaz/internal/mikaz/settings"
)

// Notifier delivers user-visible output. *matrix.Client satisfies it; tests
// substitute a fake.
type Notifier interface {
	ReplyChunked(roomID, eventID, text string, maxLen int) error
	SendNotice(roomID, text string) error
	SetTyping(roomID string, typing bool, timeout time.Duration) error
}

// payload is the queue request body: everything the worker needs to process
// one chat turn and address the answer.
type payload struct {
	RoomID  string
	EventID string
	UserID  string
	Text    string
}

// Dispatcher routes inbound messages and processes queued requests.
type Dispatcher struct {
	cfg       *config.Config
	queue     *queue.PriorityRequestQueue
	admission *queue.AdmissionController
	memory    *memory.ConversationMemory
	provider  llm.Provider
	settings  *settings.Manager
	auth      *auth.Store
	notifier  Notifier
	router    *commands.Router
}

// New wires a Dispatcher and installs it as the queue's worker and error
// sink. The queue still has to be started by the caller.
func New(
	cfg *config.Config,
	q *queue.PriorityRequestQueue,
	ac *queue.AdmissionController,
	mem *memory.ConversationMemory,
	provider llm.Provider,
	st *settings.Manager,
	authStore *auth.Store,
	notifier Notifier,
) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		queue:     q,
		admission: ac,
		memory:    mem,
		provider:  provider,
		settings:  st,
		auth:      authStore,
		notifier:  notifier,
		router:    commands.NewRouter(cfg.CommandPrefix),
	}
	d.registerCommands()

	q.SetWorker(d.processRequest)
	q.SetErrorSink(d.reportFailure)
	return d
}

// HandleMessage is the entry point for every inbound text message.
func (d *Dispatcher) HandleMessage(ctx context.Context, evt *event.Event) {
	body := strings.TrimSpace(evt.Content.AsMessage().Body)
	roomID := evt.RoomID.String()

	cmd, err := d.router.Parse(body)
	switch {
	case err == nil:
		d.handleCommand(ctx, cmd, evt)
	case errors.Is(err, commands.ErrNotACommand):
		d.handleChat(evt, body)
	default:
		// Prefix with nothing after it; treat like an unknown command.
		d.notify(roomID, fmt.Sprintf("Unknown command. Try %shelp.", d.cfg.CommandPrefix))
	}
}

// handleCommand dispatches a parsed command and sends its reply.
func (d *Dispatcher) handleCommand(ctx context.Context, cmd *commands.Command, evt *event.Event) {
	roomID := evt.RoomID.String()

	reply, err := d.router.Dispatch(ctx, cmd, evt)
	if errors.Is(err, commands.ErrUnknownCommand) {
		d.notify(roomID, fmt.Sprintf("Unknown command %q. Try %shelp.", cmd.Name, d.cfg.CommandPrefix))
		return
	}
	if err != nil {
		d.notify(roomID, "❌ "+err.Error())
		return
	}
	d.notify(roomID, reply)
}

// handleChat runs the admission path for a plain chat message.
func (d *Dispatcher) handleChat(evt *event.Event, text string) {
	roomID := evt.RoomID.String()
	sender := evt.Sender.String()

	if !d.cfg.RoomAllowed(roomID) {
		return
	}

	privileged := d.cfg.IsOwner(sender)
	if !privileged && !d.auth.IsAuthorized(sender) {
		d.notify(roomID, "You do not have permission to use this bot.")
		return
	}
	if text == "" {
		d.notify(roomID, "Send a message with your question, e.g. \"explain Dijkstra's algorithm briefly\".")
		return
	}

	decision, _ := d.admission.Admit(sender, privileged, payload{
		RoomID:  roomID,
		EventID: evt.ID.String(),
		UserID:  sender,
		Text:    text,
	})

	switch decision.Kind {
	case queue.Accept:
		d.notify(roomID, d.acceptedStatus(privileged))
	case queue.RejectCooldown:
		d.notify(roomID, fmt.Sprintf("⏰ Please wait %.1fs before your next request.", decision.Remaining.Seconds()))
	case queue.RejectAlreadyInFlight:
		d.notify(roomID, "⏳ You already have a request in progress. Please wait for it to finish.")
	}
}

// acceptedStatus phrases the post-admission status line.
func (d *Dispatcher) acceptedStatus(privileged bool) string {
	pending, processing := d.queue.Pending(), d.queue.Processing()
	switch {
	case privileged:
		return "👑 Owner request, processing with priority..."
	case pending <= 1 && processing == 0:
		return "🤖 Processing your request..."
	default:
		return fmt.Sprintf("📋 Request queued at position %d (processing: %d).", pending, processing)
	}
}

// processRequest is the queue worker callback: one full chat turn against
// the completion backend. The user's turn is recorded before the call; the
// assistant's turn only after a successful completion.
func (d *Dispatcher) processRequest(ctx context.Context, req *queue.Request) error {
	p, ok := req.Payload.(payload)
	if !ok {
		return fmt.Errorf("bot: unexpected payload type %T", req.Payload)
	}
	ctx = trace.WithTraceID(ctx, req.ID)
	log := observability.WithRequest(ctx)

	d.memory.Append(p.UserID, memory.Entry{Role: memory.RoleUser, Content: p.Text})

	msgs := []llm.Message{{Role: string(memory.RoleSystem), Content: d.settings.SystemPrompt(p.UserID)}}
	for _, e := range d.memory.Messages(p.UserID) {
		msgs = append(msgs, llm.Message{Role: string(e.Role), Content: e.Content})
	}

	if err := d.notifier.SetTyping(p.RoomID, true, d.cfg.CompletionTimeout()); err != nil {
		slog.Debug("failed to set typing indicator", "err", err)
	}
	resp, err := d.provider.Complete(ctx, llm.Request{
		Messages: msgs,
		Model:    d.settings.Model(p.UserID),
	})
	if terr := d.notifier.SetTyping(p.RoomID, false, 0); terr != nil {
		slog.Debug("failed to clear typing indicator", "err", terr)
	}
	if err != nil {
		return err
	}

	d.memory.Append(p.UserID, memory.Entry{Role: memory.RoleAssistant, Content: resp.Content})
	log.Info("request completed",
		"requester", p.UserID, "model", resp.Model, "latency_ms", resp.LatencyMS)

	if err := d.notifier.ReplyChunked(p.RoomID, p.EventID, resp.Content, d.cfg.MaxMessageLength); err != nil {
		return fmt.Errorf("bot: deliver reply: %w", err)
	}
	return nil
}

// reportFailure is the queue's error sink: every processing failure becomes
// a short status string in the room, never a stack trace.
func (d *Dispatcher) reportFailure(req *queue.Request, err error) {
	p, ok := req.Payload.(payload)
	if !ok {
		return
	}

	msg := "❌ Request failed: " + err.Error()
	if errors.Is(err, llm.ErrRateLimit) {
		msg = "⏳ The model backend is rate-limited right now. Please try again in a moment."
	}
	d.notify(p.RoomID, msg)
}

// notify sends a status notice, logging delivery failures.
func (d *Dispatcher) notify(roomID, text string) {
	if text == "" {
		return
	}
	if err := d.notifier.SendNotice(roomID, text); err != nil {
		slog.Error("failed to send notice", "room", roomID, "err", err)
	}
}
