// Package auth decides whether a matched command may run.
package auth

import (
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
)

// Denial messages. Each failed rule maps to exactly one user-visible line so
// callers never have to synthesize wording at the call site.
const (
	DeniedGroupOnly = "This command only works in group chats."
	DeniedDMOnly    = "This command only works in direct messages."
	DeniedAdminOnly = "This command is admin-only."
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Reason is the user-visible denial line. Empty when Allowed.
	Reason string
}

// Gate evaluates a fixed, ordered rule set against each invocation. The
// admin set is injected at construction; there is no ambient configuration.
type Gate struct {
	admins   map[string]struct{}
	delegate func(ev *gateway.Event) bool
}

// NewGate creates a gate with the given admin user IDs.
func NewGate(admins []string) *Gate {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &Gate{admins: set}
}

// IsAdmin reports whether userID is on the admin list.
func (g *Gate) IsAdmin(userID string) bool {
	_, ok := g.admins[userID]
	return ok
}

// SetDelegate installs an extra check consulted for admin-only commands
// that opt in via AllowDelegated. It lets a command accept users who are
// not on the static admin list but have been granted access elsewhere,
// e.g. in persistent storage.
func (g *Gate) SetDelegate(fn func(ev *gateway.Event) bool) {
	g.delegate = fn
}

// Check runs the rules in order and stops at the first failure:
// dm-only, then group-only, then admin-only.
func (g *Gate) Check(cmd *commands.Command, ev *gateway.Event) Decision {
	if cmd.DMOnly && !ev.Direct {
		return Decision{Reason: DeniedDMOnly}
	}
	if cmd.GroupOnly && ev.Direct {
		return Decision{Reason: DeniedGroupOnly}
	}
	if cmd.AdminOnly && !g.IsAdmin(ev.Sender) {
		if cmd.AllowDelegated && g.delegate != nil && g.delegate(ev) {
			return Decision{Allowed: true}
		}
		return Decision{Reason: DeniedAdminOnly}
	}
	return Decision{Allowed: true}
}
