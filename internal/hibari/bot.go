package hibari

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
)

// Defaults for the tag command.
const (
	DefaultCooldown  = 5 * time.Minute
	DefaultBatchSize = 10
	defaultMessage   = "📣 Attention everyone!"
)

// Gateway is the outbound slice of the gateway client hibari needs.
type Gateway interface {
	SendWithMentions(ctx context.Context, roomID, text string, userIDs []string) gateway.SendResult
	JoinedMembers(ctx context.Context, roomID string) ([]gateway.Member, error)
}

// Config tunes the tag behavior.
type Config struct {
	// Cooldown is the minimum time between /tag runs per room.
	Cooldown time.Duration
	// BatchSize caps the members mentioned per message.
	BatchSize int
}

// Bot is the hibari announcement bot.
type Bot struct {
	gw    Gateway
	store *Store
	cfg   Config

	// now is swappable so tests can control the cooldown clock.
	now func() time.Time
}

// NewBot creates the bot, applying config defaults.
func NewBot(gw Gateway, st *Store, cfg Config) *Bot {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Bot{gw: gw, store: st, cfg: cfg, now: time.Now}
}

// Name identifies the bot in logs.
func (b *Bot) Name() string { return "hibari" }

// Commands returns the bot's command table.
func (b *Bot) Commands() []*commands.Command {
	return []*commands.Command{
		{
			Token:       "/tag",
			Description: "Mention everyone in this room",
			Usage:       "/tag [message]",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdTag,
		},
		{
			Token:       "/pause",
			Description: "Pause tagging in this room",
			Usage:       "/pause",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdPause,
		},
		{
			Token:       "/unpause",
			Description: "Resume tagging in this room",
			Usage:       "/unpause",
			AdminOnly:   true,
			GroupOnly:   true,
			Handler:     b.cmdUnpause,
		},
		{
			Token:       "/ping",
			Description: "Check that the bot is alive",
			Usage:       "/ping",
			Handler: func(ctx context.Context, inv *commands.Invocation) (string, error) {
				return "🏓 pong", nil
			},
		},
	}
}

// OnDirectMessage points lost users at the group commands.
func (b *Bot) OnDirectMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	return "👋 I only work in group rooms. Invite me and use /tag there.", nil
}

// OnGroupMessage ignores ordinary chat.
func (b *Bot) OnGroupMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	return "", nil
}

func (b *Bot) cmdTag(ctx context.Context, inv *commands.Invocation) (string, error) {
	roomID := inv.Event.RoomID

	paused, err := b.store.Paused(ctx, roomID)
	if err != nil {
		return "", err
	}
	if paused {
		return "", fmt.Errorf("tagging is paused in this room; /unpause to resume")
	}

	now := b.now()
	last, err := b.store.LastTag(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !last.IsZero() {
		if wait := b.cfg.Cooldown - now.Sub(last); wait > 0 {
			return "", fmt.Errorf("this room was tagged recently; try again in %s", wait.Round(time.Second))
		}
	}

	members, err := b.gw.JoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to list members: %w", err)
	}
	if len(members) == 0 {
		return "Nobody to tag here.", nil
	}

	message := strings.TrimSpace(inv.Args)
	if message == "" {
		message = defaultMessage
	}

	batches := 0
	for start := 0; start < len(members); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(members) {
			end = len(members)
		}
		batch := members[start:end]

		names := make([]string, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			ids = append(ids, m.UserID)
			if m.DisplayName != "" {
				names = append(names, m.DisplayName)
			} else {
				names = append(names, m.UserID)
			}
		}

		text := message + "\n" + strings.Join(names, ", ")
		if res := b.gw.SendWithMentions(ctx, roomID, text, ids); !res.Ok() {
			return "", fmt.Errorf("failed to tag batch %d: %v", batches+1, res.Err)
		}
		batches++
	}

	if err := b.store.RecordTag(ctx, roomID, now); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Tagged %d member(s) in %d message(s).", len(members), batches), nil
}

func (b *Bot) cmdPause(ctx context.Context, inv *commands.Invocation) (string, error) {
	if err := b.store.SetPaused(ctx, inv.Event.RoomID, true); err != nil {
		return "", err
	}
	return "✅ Tagging is paused in this room.", nil
}

func (b *Bot) cmdUnpause(ctx context.Context, inv *commands.Invocation) (string, error) {
	if err := b.store.SetPaused(ctx, inv.Event.RoomID, false); err != nil {
		return "", err
	}
	return "✅ Tagging is back on in this room.", nil
}
