// Package runtime hosts a bot: it owns the gateway lifecycle, classifies
// inbound events, routes commands through the registry and the gate, and
// keeps the dispatch loop alive across handler faults.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kagari/common/redact"
	"github.com/bdobrica/Kagari/common/trace"
	"github.com/bdobrica/Kagari/internal/botcore/auth"
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
)

// GenericFailureNotice is the only thing a room ever sees when a handler
// fails unexpectedly. Internal details stay in the logs.
const GenericFailureNotice = "⚠️ Something went wrong while handling that message. Please try again later."

// State is the runtime lifecycle phase.
type State int32

const (
	Connecting State = iota
	Running
	Draining
	Stopped
)

// String returns a short label for logging.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Gateway is the slice of the gateway client the runtime itself needs.
// Bots hold their own, richer view.
type Gateway interface {
	Start(ctx context.Context, handler gateway.Handler) error
	Stop()
	Reply(ctx context.Context, roomID, inReplyTo, text string) gateway.SendResult
	SendNotice(ctx context.Context, roomID, text string) gateway.SendResult
}

// Bot is the capability surface a family member plugs into the runtime.
type Bot interface {
	Name() string
	Commands() []*commands.Command
	// OnDirectMessage handles a plain (non-command) direct message. A
	// non-empty return is sent back as a reply.
	OnDirectMessage(ctx context.Context, ev *gateway.Event) (string, error)
	// OnGroupMessage handles a plain message in a group room.
	OnGroupMessage(ctx context.Context, ev *gateway.Event) (string, error)
}

// MembershipHandler is implemented by bots that care about joins and leaves.
type MembershipHandler interface {
	OnMembership(ctx context.Context, ev *gateway.Event) error
}

// Config tunes the runtime.
type Config struct {
	// DrainTimeout bounds how long shutdown waits for the in-flight handler.
	// Defaults to 10s when zero.
	DrainTimeout time.Duration
}

// Runtime drives one bot.
type Runtime struct {
	gw       Gateway
	bot      Bot
	registry *commands.Registry
	gate     *auth.Gate
	cfg      Config

	state atomic.Int32
	wg    sync.WaitGroup
}

// New wires a bot into a runtime, registering its command table.
func New(gw Gateway, bot Bot, registry *commands.Registry, gate *auth.Gate, cfg Config) (*Runtime, error) {
	for _, cmd := range bot.Commands() {
		if err := registry.Register(cmd); err != nil {
			return nil, fmt.Errorf("register %s command: %w", bot.Name(), err)
		}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Runtime{
		gw:       gw,
		bot:      bot,
		registry: registry,
		gate:     gate,
		cfg:      cfg,
	}, nil
}

// State returns the current lifecycle phase.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

func (r *Runtime) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		slog.Info("runtime state", "bot", r.bot.Name(), "from", old, "to", s)
	}
}

// Run connects the gateway and dispatches events until ctx is cancelled.
// On cancellation it drains: the in-flight handler may finish, new events
// are dropped, then the gateway is stopped.
func (r *Runtime) Run(ctx context.Context) error {
	r.setState(Connecting)

	if err := r.gw.Start(ctx, r.Dispatch); err != nil {
		r.setState(Stopped)
		return fmt.Errorf("start gateway: %w", err)
	}
	r.setState(Running)

	<-ctx.Done()

	r.setState(Draining)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.DrainTimeout):
		slog.Warn("runtime: drain timeout elapsed, abandoning in-flight handler", "bot", r.bot.Name())
	}

	r.gw.Stop()
	r.setState(Stopped)
	return nil
}

// Dispatch classifies and handles one inbound event. It is the gateway's
// event callback; a panicking handler is contained here so the loop outlives
// any single malformed event.
func (r *Runtime) Dispatch(ctx context.Context, ev *gateway.Event) {
	switch r.State() {
	case Connecting, Running:
	default:
		// Draining or stopped: drop.
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()

	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	log := slog.With("bot", r.bot.Name(), "trace", traceID,
		"kind", ev.Kind, "sender", redact.ShortID(ev.Sender))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("runtime: handler panicked", "panic", rec)
			if ev.RoomID != "" {
				r.gw.SendNotice(ctx, ev.RoomID, GenericFailureNotice)
			}
		}
	}()

	switch ev.Kind {
	case gateway.KindReceipt, gateway.KindReaction:
		// Counted and dropped; neither bot reacts to these today.
		log.Debug("runtime: ignoring event")

	case gateway.KindMembership:
		mh, ok := r.bot.(MembershipHandler)
		if !ok {
			return
		}
		if err := mh.OnMembership(ctx, ev); err != nil {
			log.Error("runtime: membership handler failed", "err", err)
		}

	case gateway.KindMessage:
		r.dispatchMessage(ctx, log, ev)
	}
}

func (r *Runtime) dispatchMessage(ctx context.Context, log *slog.Logger, ev *gateway.Event) {
	inv, err := r.registry.Match(ev)
	switch {
	case err == nil:
		r.runCommand(ctx, log, inv)

	case errors.Is(err, commands.ErrNotACommand):
		var resp string
		var herr error
		if ev.Direct {
			resp, herr = r.bot.OnDirectMessage(ctx, ev)
		} else {
			resp, herr = r.bot.OnGroupMessage(ctx, ev)
		}
		if herr != nil {
			log.Error("runtime: message handler failed", "room", ev.RoomID, "err", herr)
			return
		}
		if resp != "" {
			r.reply(ctx, log, ev, resp)
		}

	default:
		// The bot was addressed with an unrecognized token.
		r.reply(ctx, log, ev, fmt.Sprintf("❓ %s. Try /help for the list of commands.", err))
	}
}

func (r *Runtime) runCommand(ctx context.Context, log *slog.Logger, inv *commands.Invocation) {
	ev := inv.Event
	log = log.With("command", inv.Command.Token)

	if decision := r.gate.Check(inv.Command, ev); !decision.Allowed {
		log.Info("runtime: command denied", "reason", decision.Reason)
		r.reply(ctx, log, ev, decision.Reason)
		return
	}

	resp, err := inv.Command.Handler(ctx, inv)
	if err != nil {
		log.Error("runtime: command failed", "err", err)
		r.reply(ctx, log, ev, fmt.Sprintf("❌ Error: %s", err))
		return
	}
	if resp != "" {
		r.reply(ctx, log, ev, resp)
	}
}

func (r *Runtime) reply(ctx context.Context, log *slog.Logger, ev *gateway.Event, text string) {
	if res := r.gw.Reply(ctx, ev.RoomID, ev.EventID, text); !res.Ok() {
		log.Error("runtime: failed to send reply", "room", ev.RoomID, "status", res.Status, "err", res.Err)
	}
}
