// Package kagari is the relay bot: it anonymizes lobby rooms and direct
// chats into a control room and routes operator replies back out.
package kagari

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/Kagari/common/version"
	"github.com/bdobrica/Kagari/internal/botcore/auth"
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
	"github.com/bdobrica/Kagari/internal/kagari/relay"
	"github.com/bdobrica/Kagari/internal/kagari/store"
)

// GreetingMaxLength caps the per-lobby greeting text.
const GreetingMaxLength = 500

// Bot is the kagari relay bot.
type Bot struct {
	engine   *relay.Engine
	store    *store.Store
	gate     *auth.Gate
	registry *commands.Registry
}

// NewBot creates the relay bot. The registry is only consulted by /help;
// command registration itself happens when the runtime adopts the bot. The
// gate is consulted directly by commands whose admin rules depend on which
// room they run in.
func NewBot(engine *relay.Engine, st *store.Store, gate *auth.Gate, registry *commands.Registry) *Bot {
	return &Bot{engine: engine, store: st, gate: gate, registry: registry}
}

// Name identifies the bot in logs.
func (b *Bot) Name() string { return "kagari" }

// Commands returns the bot's command table.
func (b *Bot) Commands() []*commands.Command {
	return []*commands.Command{
		{
			Token:          "/setup",
			Description:    "Mark this room as a relay lobby or control room",
			Usage:          "/setup lobby|control",
			AdminOnly:      true,
			AllowDelegated: true,
			GroupOnly:      true,
			Handler:        b.cmdSetup,
		},
		{
			Token:       "/unpair",
			Description: "Remove this room's relay pairing",
			Usage:       "/unpair",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdUnpair,
		},
		{
			Token:       "/status",
			Description: "Show this room's role in the relay",
			Usage:       "/status",
			GroupOnly:   true,
			Handler:     b.cmdStatus,
		},
		{
			Token:       "/anonymous",
			Description: "Toggle pseudonyms for this room's pairing",
			Usage:       "/anonymous on|off",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdAnonymous,
		},
		{
			Token:       "/confirmations",
			Description: "Toggle delivery-confirmation reactions",
			Usage:       "/confirmations on|off",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdConfirmations,
		},
		{
			Token:       "/dm-anonymous",
			Description: "Toggle pseudonyms for standalone direct chats",
			Usage:       "/dm-anonymous on|off",
			AdminOnly:   true,
			Handler:     b.cmdDMAnonymous,
		},
		{
			Token:       "/greeting",
			Description: "Show or set the greeting sent to new participants",
			Usage:       "/greeting [text]",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdGreeting,
		},
		{
			Token:       "/authorize",
			Description: "Manage who may link lobbies to this control room",
			Usage:       "/authorize <user-id>|list|revoke <user-id>",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdAuthorize,
		},
		{
			Token:       "/dm",
			Description: "Open a private channel, or message a participant by label",
			Usage:       "/dm [<label> <message>]",
			GroupOnly:   true,
			Handler:     b.cmdDM,
		},
		{
			Token:       "/help",
			Description: "List available commands",
			Usage:       "/help",
			Handler:     b.cmdHelp,
		},
		{
			Token:       "/ping",
			Description: "Check that the bot is alive",
			Usage:       "/ping",
			Handler:     b.cmdPing,
		},
		{
			Token:       "/version",
			Description: "Show the running build",
			Usage:       "/version",
			Handler:     b.cmdVersion,
		},
	}
}

// OnDirectMessage relays plain 1:1 messages. Replies go through the engine's
// own notices, never through the runtime's reply path.
func (b *Bot) OnDirectMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	return "", b.engine.HandleDirectMessage(ctx, ev)
}

// OnGroupMessage relays plain lobby messages and control-room reply quotes.
// Messages in rooms outside any pairing are ignored.
func (b *Bot) OnGroupMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	_, err := b.engine.HandleGroupMessage(ctx, ev)
	return "", err
}

// OnMembership lets the engine open and close lobby sessions.
func (b *Bot) OnMembership(ctx context.Context, ev *gateway.Event) error {
	return b.engine.HandleMembership(ctx, ev)
}

func (b *Bot) cmdSetup(ctx context.Context, inv *commands.Invocation) (string, error) {
	ev := inv.Event
	switch strings.TrimSpace(inv.Args) {
	case "lobby":
		if _, err := b.engine.MarkLobby(ctx, ev.RoomID, ev.Sender); err != nil {
			if errors.Is(err, store.ErrAlreadyPaired) {
				return "", fmt.Errorf("this room is already part of a relay pairing; /unpair it first")
			}
			return "", err
		}
		return "✅ This room is now a relay lobby. Run /setup control in the control room to finish pairing.", nil

	case "control":
		p, err := b.engine.MarkControl(ctx, ev.RoomID, ev.Sender)
		if err != nil {
			if errors.Is(err, store.ErrNoPendingPairing) {
				return "", fmt.Errorf("you have no lobby waiting; run /setup lobby there first")
			}
			if errors.Is(err, store.ErrAlreadyPaired) {
				return "", fmt.Errorf("this room is already part of a relay pairing; /unpair it first")
			}
			return "", err
		}
		return fmt.Sprintf("✅ This room now controls the lobby %s.", p.LobbyRoomID), nil

	default:
		return "", fmt.Errorf("usage: %s", inv.Command.Usage)
	}
}

func (b *Bot) cmdUnpair(ctx context.Context, inv *commands.Invocation) (string, error) {
	removed, err := b.engine.Unpair(ctx, inv.Event.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrPairingNotFound) {
			return "", fmt.Errorf("this room is not part of any relay pairing")
		}
		return "", err
	}
	return fmt.Sprintf("✅ Removed %d pairing(s). All pseudonyms and reply targets under them are now invalid.", removed), nil
}

func (b *Bot) cmdStatus(ctx context.Context, inv *commands.Invocation) (string, error) {
	return b.engine.Status(ctx, inv.Event.RoomID)
}

func (b *Bot) cmdAnonymous(ctx context.Context, inv *commands.Invocation) (string, error) {
	on, err := parseOnOff(inv.Args, inv.Command.Usage)
	if err != nil {
		return "", err
	}
	p, err := b.pairingForRoom(ctx, inv.Event.RoomID)
	if err != nil {
		return "", err
	}
	if err := b.store.SetPairingAnonymous(ctx, p.ID, on); err != nil {
		return "", err
	}
	if on {
		return "✅ Participants in this pairing now appear under pseudonyms.", nil
	}
	return "✅ Participants in this pairing now appear under their display names.", nil
}

func (b *Bot) cmdConfirmations(ctx context.Context, inv *commands.Invocation) (string, error) {
	on, err := parseOnOff(inv.Args, inv.Command.Usage)
	if err != nil {
		return "", err
	}
	p, err := b.pairingForRoom(ctx, inv.Event.RoomID)
	if err != nil {
		return "", err
	}
	if err := b.store.SetPairingConfirmations(ctx, p.ID, on); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Delivery confirmations are now %s.", onOff(on)), nil
}

func (b *Bot) cmdDMAnonymous(ctx context.Context, inv *commands.Invocation) (string, error) {
	on, err := parseOnOff(inv.Args, inv.Command.Usage)
	if err != nil {
		return "", err
	}
	if err := b.engine.SetDMAnonymous(ctx, on); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Pseudonyms for standalone direct chats are now %s.", onOff(on)), nil
}

func (b *Bot) cmdGreeting(ctx context.Context, inv *commands.Invocation) (string, error) {
	p, err := b.pairingForRoom(ctx, inv.Event.RoomID)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(inv.Args) == "" {
		if p.Greeting == "" {
			return "No greeting is set for this pairing; the default is used.", nil
		}
		return fmt.Sprintf("Current greeting:\n%s", p.Greeting), nil
	}

	greeting, err := SanitizeGreeting(inv.Args)
	if err != nil {
		return "", err
	}
	if err := b.store.SetPairingGreeting(ctx, p.ID, greeting); err != nil {
		return "", err
	}
	return "✅ Greeting updated.", nil
}

// cmdDM has two faces. In a lobby any participant may run it to open a
// private channel with the team. In a control room it is the operator's
// outbound path to a participant by label, and stays admin-only.
func (b *Bot) cmdDM(ctx context.Context, inv *commands.Invocation) (string, error) {
	ev := inv.Event

	if p, err := b.store.PairingByLobby(ctx, ev.RoomID); err == nil {
		if err := b.engine.OpenPrivateChannel(ctx, p, ev.Sender); err != nil {
			if errors.Is(err, store.ErrPairingNotFound) {
				return "", fmt.Errorf("this lobby is still waiting for its control room")
			}
			return "", err
		}
		return "✅ Check your DMs!", nil
	} else if !errors.Is(err, store.ErrPairingNotFound) {
		return "", err
	}

	if !b.gate.IsAdmin(ev.Sender) {
		return "", fmt.Errorf("only admins can message participants by label")
	}

	label, text, ok := strings.Cut(strings.TrimSpace(inv.Args), " ")
	text = strings.TrimSpace(text)
	if !ok || label == "" || text == "" {
		return "", fmt.Errorf("usage: %s", inv.Command.Usage)
	}

	pseudonym, err := b.engine.SendDirect(ctx, ev.RoomID, label, text)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return "", fmt.Errorf("no active participant %q is reachable from this room", label)
		}
		return "", err
	}
	return fmt.Sprintf("✅ Message sent to %s.", pseudonym), nil
}

func (b *Bot) cmdAuthorize(ctx context.Context, inv *commands.Invocation) (string, error) {
	ev := inv.Event

	pairings, err := b.store.PairingsByControl(ctx, ev.RoomID)
	if err != nil {
		return "", err
	}
	if len(pairings) == 0 {
		return "", fmt.Errorf("this command only works in a control room")
	}

	args := strings.TrimSpace(inv.Args)
	switch {
	case args == "":
		return "", fmt.Errorf("usage: %s", inv.Command.Usage)

	case args == "list":
		users, err := b.store.AuthorizedUsers(ctx, ev.RoomID)
		if err != nil {
			return "", err
		}
		if len(users) == 0 {
			return "No users are authorized for this control room.", nil
		}
		var sb strings.Builder
		sb.WriteString("Authorized users:\n")
		for _, u := range users {
			sb.WriteString("• " + u + "\n")
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case strings.HasPrefix(args, "revoke"):
		userID := strings.TrimSpace(strings.TrimPrefix(args, "revoke"))
		if userID == "" {
			return "", fmt.Errorf("usage: /authorize revoke <user-id>")
		}
		if err := b.store.RevokeAuthorizedUser(ctx, ev.RoomID, userID); err != nil {
			if errors.Is(err, store.ErrUserNotAuthorized) {
				return "", fmt.Errorf("%s is not authorized for this control room", userID)
			}
			return "", err
		}
		return fmt.Sprintf("✅ Revoked %s.", userID), nil

	default:
		if err := b.store.AuthorizeUser(ctx, ev.RoomID, args, ev.Sender); err != nil {
			if errors.Is(err, store.ErrAlreadyAuthorized) {
				return fmt.Sprintf("%s is already authorized.", args), nil
			}
			return "", err
		}
		return fmt.Sprintf("✅ %s can now link lobbies to this control room.", args), nil
	}
}

func (b *Bot) cmdHelp(ctx context.Context, inv *commands.Invocation) (string, error) {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, cmd := range b.registry.All() {
		sb.WriteString(fmt.Sprintf("• %s: %s", cmd.Usage, cmd.Description))
		if cmd.AdminOnly {
			sb.WriteString(" (admin)")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *Bot) cmdPing(ctx context.Context, inv *commands.Invocation) (string, error) {
	return "🏓 pong", nil
}

func (b *Bot) cmdVersion(ctx context.Context, inv *commands.Invocation) (string, error) {
	return version.Info(), nil
}

// pairingForRoom resolves the pairing a per-pairing setting applies to. In
// a lobby the answer is unambiguous; in a control room it only is when the
// room serves a single lobby.
func (b *Bot) pairingForRoom(ctx context.Context, roomID string) (*store.Pairing, error) {
	p, err := b.store.PairingByLobby(ctx, roomID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrPairingNotFound) {
		return nil, err
	}

	pairings, err := b.store.PairingsByControl(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch len(pairings) {
	case 0:
		return nil, fmt.Errorf("this room is not part of any relay pairing")
	case 1:
		return pairings[0], nil
	default:
		return nil, fmt.Errorf("this control room serves several lobbies; run the command in the lobby instead")
	}
}

func parseOnOff(args, usage string) (bool, error) {
	switch strings.TrimSpace(args) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("usage: %s", usage)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// SanitizeGreeting strips markup-prone characters and enforces the length
// cap. Greetings are admin input but still end up verbatim in strangers'
// DMs, so they are treated as untrusted.
func SanitizeGreeting(text string) (string, error) {
	text = strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '{', '}':
			return -1
		}
		return r
	}, text))
	if text == "" {
		return "", fmt.Errorf("greeting is empty after sanitization")
	}
	if utf8.RuneCountInString(text) > GreetingMaxLength {
		return "", fmt.Errorf("greeting is longer than %d characters", GreetingMaxLength)
	}
	return text, nil
}
