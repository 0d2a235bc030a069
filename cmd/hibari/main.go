package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bdobrica/Kagari/common/environment"
	"github.com/bdobrica/Kagari/common/version"
	"github.com/bdobrica/Kagari/internal/botcore/auth"
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
	"github.com/bdobrica/Kagari/internal/botcore/runtime"
	"github.com/bdobrica/Kagari/internal/hibari"
)

func main() {
	fmt.Printf("Hibari Announcement Bot\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Println()

	_ = godotenv.Load()

	homeserver := environment.StringOr("HIBARI_HOMESERVER", "")
	userID := environment.StringOr("HIBARI_USER_ID", "")
	accessToken := environment.StringOr("HIBARI_ACCESS_TOKEN", "")
	admins := environment.StringSliceOr("HIBARI_ADMINS", nil)
	markers := environment.StringSliceOr("HIBARI_MARKERS", []string{"!hibari"})
	dbPath := environment.StringOr("HIBARI_DB_PATH", "hibari.db")
	cooldown := environment.DurationOr("HIBARI_TAG_COOLDOWN", hibari.DefaultCooldown)
	batchSize := environment.IntOr("HIBARI_TAG_BATCH_SIZE", hibari.DefaultBatchSize)

	for name, value := range map[string]string{
		"HIBARI_HOMESERVER":   homeserver,
		"HIBARI_USER_ID":      userID,
		"HIBARI_ACCESS_TOKEN": accessToken,
	} {
		if value == "" {
			fmt.Fprintf(os.Stderr, "Error: %s is required\n", name)
			os.Exit(1)
		}
	}
	if len(admins) == 0 {
		fmt.Fprintf(os.Stderr, "Error: HIBARI_ADMINS is required\n")
		os.Exit(1)
	}

	st, err := hibari.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	gw, err := gateway.New(&gateway.Config{
		Homeserver:  homeserver,
		UserID:      userID,
		AccessToken: accessToken,
		DB:          st.DB(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	bot := hibari.NewBot(gw, st, hibari.Config{
		Cooldown:  cooldown,
		BatchSize: batchSize,
	})
	registry := commands.NewRegistry(markers)
	gate := auth.NewGate(admins)

	rt, err := runtime.New(gw, bot, registry, gate, runtime.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build runtime: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Whoami(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Homeserver check failed: %v\n", err)
		os.Exit(1)
	}

	slog.Info("hibari is running; press Ctrl+C to stop")
	if err := rt.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running hibari: %v\n", err)
		os.Exit(1)
	}
}
