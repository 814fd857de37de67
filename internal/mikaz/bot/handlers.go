package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/zvwgvx/Mikaz/internal/mikaz/commands"
)

var errOwnerOnly = errors.New("this command is restricted to the bot owner")

func (d *Dispatcher) registerCommands() {
	d.router.Register("help", d.cmdHelp)
	d.router.Register("ping", d.cmdPing)
	d.router.Register("config", d.cmdConfig)
	d.router.Register("model", d.cmdModel)
	d.router.Register("prompt", d.cmdPrompt)
	d.router.Register("reset", d.cmdReset)
	d.router.Register("status", d.cmdStatus)

	// Owner-only.
	d.router.Register("memory", d.cmdMemory)
	d.router.Register("clearmemory", d.cmdClearMemory)
	d.router.Register("allow", d.cmdAllow)
	d.router.Register("revoke", d.cmdRevoke)
	d.router.Register("authorized", d.cmdAuthorized)
}

// requireOwner gates the administrative commands.
func (d *Dispatcher) requireOwner(evt *event.Event) error {
	if !d.cfg.IsOwner(evt.Sender.String()) {
		return errOwnerOnly
	}
	return nil
}

func (d *Dispatcher) cmdHelp(_ context.Context, _ *commands.Command, evt *event.Event) (string, error) {
	p := d.cfg.CommandPrefix
	var b strings.Builder
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "  %shelp — this message\n", p)
	fmt.Fprintf(&b, "  %sping — liveness check\n", p)
	fmt.Fprintf(&b, "  %sconfig — show your model and prompt\n", p)
	fmt.Fprintf(&b, "  %smodel <name> — pick a model\n", p)
	fmt.Fprintf(&b, "  %sprompt <text> — set your system prompt\n", p)
	fmt.Fprintf(&b, "  %sreset — clear your conversation history\n", p)
	fmt.Fprintf(&b, "  %sstatus — queue status\n", p)
	if d.cfg.IsOwner(evt.Sender.String()) {
		b.WriteString("Owner commands:\n")
		fmt.Fprintf(&b, "  %smemory [user] — memory usage\n", p)
		fmt.Fprintf(&b, "  %sclearmemory <user> — wipe a user's history\n", p)
		fmt.Fprintf(&b, "  %sallow <user> / %srevoke <user> — manage access\n", p, p)
		fmt.Fprintf(&b, "  %sauthorized — list authorized users\n", p)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) cmdPing(_ context.Context, _ *commands.Command, _ *event.Event) (string, error) {
	return "🏓 pong", nil
}

func (d *Dispatcher) cmdConfig(_ context.Context, _ *commands.Command, evt *event.Event) (string, error) {
	user := evt.Sender.String()
	prompt := d.settings.SystemPrompt(user)
	if len(prompt) > 120 {
		prompt = prompt[:120] + "…"
	}
	return fmt.Sprintf("Model: %s\nPrompt: %s\nHistory: %d messages (~%d tokens)",
		d.settings.Model(user), prompt,
		len(d.memory.Messages(user)), d.memory.EstimatedTokens(user)), nil
}

func (d *Dispatcher) cmdModel(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if cmd.Rest == "" {
		return "Available models: " + strings.Join(d.settings.SupportedModels(), ", "), nil
	}
	if err := d.settings.SetModel(evt.Sender.String(), cmd.Rest); err != nil {
		return "", err
	}
	return "Model set to " + cmd.Rest + ".", nil
}

func (d *Dispatcher) cmdPrompt(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if cmd.Rest == "" {
		return "Usage: " + d.cfg.CommandPrefix + "prompt <text>", nil
	}
	if err := d.settings.SetSystemPrompt(evt.Sender.String(), cmd.Rest); err != nil {
		return "", err
	}
	return "System prompt updated.", nil
}

func (d *Dispatcher) cmdReset(_ context.Context, _ *commands.Command, evt *event.Event) (string, error) {
	user := evt.Sender.String()
	d.memory.Clear(user)
	if err := d.settings.Reset(user); err != nil {
		return "", err
	}
	return "🧹 Your conversation history and settings have been reset.", nil
}

func (d *Dispatcher) cmdStatus(_ context.Context, _ *commands.Command, _ *event.Event) (string, error) {
	return fmt.Sprintf("Queue: %d pending, %d processing.",
		d.queue.Pending(), d.queue.Processing()), nil
}

func (d *Dispatcher) cmdMemory(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if err := d.requireOwner(evt); err != nil {
		return "", err
	}
	if cmd.Rest != "" {
		user := cmd.Rest
		return fmt.Sprintf("%s: %d messages (~%d tokens)",
			user, len(d.memory.Messages(user)), d.memory.EstimatedTokens(user)), nil
	}
	users := d.memory.Users()
	if len(users) == 0 {
		return "Memory is empty.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Memory for %d user(s):\n", len(users))
	for _, u := range users {
		fmt.Fprintf(&b, "  %s: %d messages (~%d tokens)\n",
			u, len(d.memory.Messages(u)), d.memory.EstimatedTokens(u))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) cmdClearMemory(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if err := d.requireOwner(evt); err != nil {
		return "", err
	}
	if cmd.Rest == "" {
		return "Usage: " + d.cfg.CommandPrefix + "clearmemory <user>", nil
	}
	d.memory.Clear(cmd.Rest)
	return "🧹 Cleared conversation history for " + cmd.Rest + ".", nil
}

func (d *Dispatcher) cmdAllow(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if err := d.requireOwner(evt); err != nil {
		return "", err
	}
	user := cmd.Rest
	if !strings.HasPrefix(user, "@") {
		return "Usage: " + d.cfg.CommandPrefix + "allow @user:example.org", nil
	}
	added, err := d.auth.Add(user)
	if err != nil {
		return "", err
	}
	if !added {
		return user + " is already authorized.", nil
	}
	return "✅ " + user + " is now authorized.", nil
}

func (d *Dispatcher) cmdRevoke(_ context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
	if err := d.requireOwner(evt); err != nil {
		return "", err
	}
	user := cmd.Rest
	if !strings.HasPrefix(user, "@") {
		return "Usage: " + d.cfg.CommandPrefix + "revoke @user:example.org", nil
	}
	removed, err := d.auth.Remove(user)
	if err != nil {
		return "", err
	}
	if !removed {
		return user + " was not authorized.", nil
	}
	return "🚫 Revoked access for " + user + ".", nil
}

func (d *Dispatcher) cmdAuthorized(_ context.Context, _ *commands.Command, evt *event.Event) (string, error) {
	if err := d.requireOwner(evt); err != nil {
		return "", err
	}
	users := d.auth.List()
	if len(users) == 0 {
		return "No users are authorized beyond the owners.", nil
	}
	return "Authorized users:\n  " + strings.Join(users, "\n  "), nil
}
