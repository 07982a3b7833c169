// Package commands provides command parsing and routing for the bridge's
// admin rooms.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Command represents a parsed command.
type Command struct {
	Name    string
	Args    []string
	Flags   map[string]string
	RawText string
}

// ErrNotACommand is returned by Parse when the message does not start with
// the command prefix. Callers should use errors.Is to distinguish this
// expected case from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// Handler is a function that handles a command.
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a new command router.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register registers a command handler.
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Parse parses a message into a command. The prefix binds directly to the
// command name ("!stats"), and everything after it is arguments and --flags.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	text = strings.TrimPrefix(text, r.prefix)
	if text == "" || strings.HasPrefix(text, " ") {
		return nil, fmt.Errorf("empty command")
	}

	parts := strings.Fields(text)
	cmd := &Command{
		Name:    parts[0],
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}

	for i := 1; i < len(parts); i++ {
		part := parts[i]
		if strings.HasPrefix(part, "--") {
			flagName := strings.TrimPrefix(part, "--")
			if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
				cmd.Flags[flagName] = parts[i+1]
				i++
			} else {
				cmd.Flags[flagName] = "true"
			}
		} else {
			cmd.Args = append(cmd.Args, part)
		}
	}

	return cmd, nil
}

// Route parses and routes a command to its handler.
func (r *Router) Route(ctx context.Context, text string, evt *event.Event) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("unknown command: %s (try %shelp)", cmd.Name, r.prefix)
	}

	return handler(ctx, cmd, evt)
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// HasFlag checks if a flag is present.
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// ArgsAfter returns the raw text following the first n whitespace-separated
// tokens (the command name counts as token zero). Used by commands like
// reply whose final argument is free text with significant spacing.
func (c *Command) ArgsAfter(n int) string {
	rest := c.RawText
	for i := 0; i <= n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		cut := strings.IndexAny(rest, " \t")
		if cut == -1 {
			return ""
		}
		rest = rest[cut:]
	}
	return strings.TrimSpace(rest)
}
