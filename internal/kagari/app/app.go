// Package app assembles the relay bot: encrypted store, gateway client,
// relay engine, command surface, and the runtime that drives them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Kagari/common/crypto"
	"github.com/bdobrica/Kagari/internal/botcore/auth"
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
	"github.com/bdobrica/Kagari/internal/botcore/runtime"
	"github.com/bdobrica/Kagari/internal/kagari"
	"github.com/bdobrica/Kagari/internal/kagari/config"
	"github.com/bdobrica/Kagari/internal/kagari/relay"
	"github.com/bdobrica/Kagari/internal/kagari/store"
)

// App is the assembled kagari application.
type App struct {
	cfg       *config.Config
	store     *store.Store
	gw        *gateway.Client
	engine    *relay.Engine
	runtime   *runtime.Runtime
	scheduler *runtime.Scheduler
}

// New wires every component together. Nothing talks to the homeserver yet;
// that happens in Run.
func New(cfg *config.Config) (*App, error) {
	masterKey, err := crypto.ParseMasterKey(cfg.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	slog.Info("opening database", "path", cfg.DBPath)
	st, err := store.New(cfg.DBPath, masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gw, err := gateway.New(&gateway.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
		DB:          st.DB(),
		OnDirectRoom: func(roomID, userID string) {
			if err := st.RememberDirectRoom(context.Background(), roomID, userID); err != nil {
				slog.Error("failed to persist direct room", "room", roomID, "err", err)
			}
		},
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// DM classification survives restarts by seeding from the store.
	directRooms, err := st.DirectRooms(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load direct rooms: %w", err)
	}
	gw.SeedDirectRooms(directRooms)
	slog.Info("seeded direct rooms", "count", len(directRooms))

	engine := relay.New(st, gw, relay.Config{
		MappingTTL:       cfg.MappingTTL,
		SingleUseReplies: cfg.SingleUseReplies,
		DMAnonymous:      cfg.DMAnonymous,
		Greeting:         cfg.Greeting,
	})

	registry := commands.NewRegistry(cfg.Markers)
	gate := auth.NewGate(cfg.Admins)
	// Users granted access via /authorize may run delegation-aware commands
	// without being on the static admin list.
	gate.SetDelegate(func(ev *gateway.Event) bool {
		ok, err := st.IsAuthorizedUser(context.Background(), ev.Sender)
		if err != nil {
			slog.Error("failed to check authorized user", "err", err)
			return false
		}
		return ok
	})
	bot := kagari.NewBot(engine, st, gate, registry)

	rt, err := runtime.New(gw, bot, registry, gate, runtime.Config{
		DrainTimeout: cfg.DrainTimeout,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build runtime: %w", err)
	}

	scheduler := runtime.NewScheduler()
	scheduler.Add(runtime.Task{
		Name:       "mapping-sweep",
		Interval:   cfg.SweepInterval,
		RunAtStart: true,
		Fn:         engine.Sweep,
	})

	return &App{
		cfg:       cfg,
		store:     st,
		gw:        gw,
		engine:    engine,
		runtime:   rt,
		scheduler: scheduler,
	}, nil
}

// Run verifies the access token, starts the scheduler and the runtime, and
// blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.gw.Whoami(ctx); err != nil {
		return fmt.Errorf("homeserver check failed: %w", err)
	}
	slog.Info("homeserver check passed", "homeserver", a.cfg.Homeserver)

	go a.scheduler.Run(ctx)

	slog.Info("kagari is running; press Ctrl+C to stop")
	return a.runtime.Run(ctx)
}

// Close releases resources held by the app.
func (a *App) Close() {
	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Error("failed to close database", "err", err)
	}
}
