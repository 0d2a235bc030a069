package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/bdobrica/Kagari/common/environment"
	"github.com/bdobrica/Kagari/common/version"
	"github.com/bdobrica/Kagari/internal/kagari/app"
	"github.com/bdobrica/Kagari/internal/kagari/config"
)

func main() {
	configPath := flag.String("config", environment.StringOr("KAGARI_CONFIG", ""), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	fmt.Printf("Kagari Relay Bot\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// A .env file is optional; real environments set variables directly.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if cfg == nil {
			fmt.Fprintf(os.Stderr, "Generate an encryption key with: openssl rand -hex 32\n")
		}
		os.Exit(1)
	}

	kagari, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize kagari: %v\n", err)
		os.Exit(1)
	}
	defer kagari.Close()

	if err := kagari.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running kagari: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the process-wide structured logger.
func setupLogging() {
	level := slog.LevelInfo
	switch environment.StringOr("KAGARI_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
