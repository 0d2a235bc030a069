// Package commands provides command descriptors and first-token routing for
// the bot family.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/Kagari/internal/botcore/gateway"
)

// ErrNotACommand is returned by Match when the message is ordinary chat
// rather than a command. Callers should use errors.Is to distinguish this
// expected case from real errors.
var ErrNotACommand = errors.New("not a command")

// Handler executes a matched command. The returned string, when non-empty,
// is sent back to the room the command came from.
type Handler func(ctx context.Context, inv *Invocation) (string, error)

// Command describes a single registered command.
type Command struct {
	// Token is the exact first word that triggers the command, e.g.
	// "/setup". Matching is case-sensitive: "/Setup" does not match.
	Token       string
	Description string
	Usage       string

	AdminOnly bool
	GroupOnly bool
	DMOnly    bool

	// AllowDelegated opens an admin-only command to users the gate's
	// delegate check accepts, e.g. users a control room has authorized.
	AllowDelegated bool

	Handler Handler
}

// Invocation is a matched command together with its raw argument remainder
// and the event that carried it.
type Invocation struct {
	Command *Command
	// Args is the raw remainder after the command token, with surrounding
	// whitespace trimmed and interior whitespace preserved. Handlers that
	// want words split it themselves.
	Args  string
	Event *gateway.Event
}

// Registry holds the registered commands of one bot.
type Registry struct {
	commands map[string]*Command
	// markers are prefixes that address the bot in group rooms, e.g. "!".
	// In a group room a command is only matched when its message either
	// starts with a marker or mentions the bot. Direct messages need
	// neither.
	markers []string
}

// NewRegistry creates a registry with the given group markers.
func NewRegistry(markers []string) *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		markers:  markers,
	}
}

// Register adds a command. Duplicate tokens are a programming error and
// rejected.
func (r *Registry) Register(cmd *Command) error {
	if cmd.Token == "" {
		return fmt.Errorf("command token must not be empty")
	}
	if strings.ContainsAny(cmd.Token, " \t\n") {
		return fmt.Errorf("command token %q must be a single word", cmd.Token)
	}
	if cmd.GroupOnly && cmd.DMOnly {
		return fmt.Errorf("command %q cannot be both group-only and dm-only", cmd.Token)
	}
	if _, exists := r.commands[cmd.Token]; exists {
		return fmt.Errorf("command %q already registered", cmd.Token)
	}
	r.commands[cmd.Token] = cmd
	return nil
}

// MustRegister is Register for static command tables built at startup.
func (r *Registry) MustRegister(cmd *Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Lookup returns the command for an exact token, or nil.
func (r *Registry) Lookup(token string) *Command {
	return r.commands[token]
}

// All returns every registered command sorted by token.
func (r *Registry) All() []*Command {
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Match decides whether ev carries a command and resolves it.
//
// The first whitespace-delimited token selects the command; the match is
// exact and case-sensitive. In direct messages the token is taken from the
// start of the body. In group rooms the bot must be addressed first: the
// body must start with one of the registry's markers (the marker is
// stripped before token extraction) or the message must mention the bot.
//
// Returns ErrNotACommand for ordinary chat. A message that addresses the
// bot with an unrecognized token yields a non-nil error describing it.
func (r *Registry) Match(ev *gateway.Event) (*Invocation, error) {
	if ev.Kind != gateway.KindMessage {
		return nil, ErrNotACommand
	}

	text := strings.TrimSpace(ev.Body)

	if !ev.Direct {
		stripped, addressed := r.stripMarker(text)
		if addressed {
			text = stripped
		} else if ev.Mentioned {
			// "botname: /status": drop the leading mention pill text if
			// present, otherwise use the body as-is.
			if idx := strings.Index(text, ":"); idx >= 0 && !strings.HasPrefix(text, "/") {
				text = strings.TrimSpace(text[idx+1:])
			}
		} else {
			return nil, ErrNotACommand
		}
	}

	if text == "" {
		return nil, ErrNotACommand
	}

	token := text
	args := ""
	if idx := strings.IndexAny(text, " \t\n"); idx >= 0 {
		token = text[:idx]
		args = strings.TrimSpace(text[idx+1:])
	}

	cmd := r.commands[token]
	if cmd == nil {
		if strings.HasPrefix(token, "/") {
			return nil, fmt.Errorf("unknown command %q", token)
		}
		return nil, ErrNotACommand
	}

	return &Invocation{Command: cmd, Args: args, Event: ev}, nil
}

// stripMarker removes a leading group marker, reporting whether one matched.
func (r *Registry) stripMarker(text string) (string, bool) {
	for _, marker := range r.markers {
		if marker == "" {
			continue
		}
		if strings.HasPrefix(text, marker) {
			return strings.TrimSpace(strings.TrimPrefix(text, marker)), true
		}
	}
	return text, false
}
