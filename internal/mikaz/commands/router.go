// Package commands provides prefix-command parsing and routing for Mikaz
// (";help", ";model gpt-5", ";prompt Answer in haiku.", ...).
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Command is a parsed bot command.
type Command struct {
	// Name is the command word, lowercased ("help", "model", ...).
	Name string
	// Args are the whitespace-separated arguments after the name.
	Args []string
	// Rest is everything after the name with internal whitespace intact,
	// for commands that take free text (";prompt You are terse.").
	Rest string
}

// ErrNotACommand is returned by Parse when the message does not start with
// the command prefix. Callers should use errors.Is to distinguish this
// expected case from real parse errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrUnknownCommand is returned by Dispatch for an unregistered command name.
var ErrUnknownCommand = errors.New("unknown command")

// Handler handles one command and returns the reply text.
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router parses prefixed messages and routes them to handlers.
type Router struct {
	prefix   string
	handlers map[string]Handler
}

// NewRouter creates a router for the given command prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		prefix:   prefix,
		handlers: make(map[string]Handler),
	}
}

// Register installs a handler for the command name.
func (r *Router) Register(name string, handler Handler) {
	r.handlers[strings.ToLower(name)] = handler
}

// Parse parses a message into a Command, or ErrNotACommand when the message
// does not carry the prefix.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	if body == "" {
		return nil, fmt.Errorf("empty command")
	}

	name, rest, _ := strings.Cut(body, " ")
	rest = strings.TrimSpace(rest)

	cmd := &Command{
		Name: strings.ToLower(name),
		Rest: rest,
	}
	if rest != "" {
		cmd.Args = strings.Fields(rest)
	}
	return cmd, nil
}

// Dispatch routes cmd to its handler and returns the reply text.
func (r *Router) Dispatch(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	return handler(ctx, cmd, evt)
}

// Names returns the registered command names, unsorted.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
