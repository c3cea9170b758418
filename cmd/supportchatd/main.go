// ABOUTME: Entry point for the supportchat daemon
// ABOUTME: Loads config, assembles the core, and runs until signalled

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/jordanzfar/supportchat/internal/app"
	"github.com/jordanzfar/supportchat/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _        _           _
 ___ _   _ _ __  _ __   ___  _ __| |_ ___| |__   __ _| |_
/ __| | | | '_ \| '_ \ / _ \| '__| __/ __| '_ \ / _' | __|
\__ \ |_| | |_) | |_) | (_) | |  | || (__| | | | (_| | |_
|___/\__,_| .__/| .__/ \___/|_|   \__\___|_| |_|\__,_|\__|
          |_|   |_|
`

// getConfigPath returns the path to the daemon config file.
// Priority: SUPPORTCHAT_CONFIG env var > XDG_CONFIG_HOME/supportchat/config.yaml
// > ~/.config/supportchat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORTCHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "supportchat", "config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Presence.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Presence: ")
		cyan.Println(cfg.Presence.Redis.Addr)
	}
	if cfg.Relay.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Relay:    ")
		cyan.Println(cfg.Relay.Exchange)
	}
	fmt.Println()

	logger.Info("starting supportchat",
		"config", configPath,
		"database", cfg.Database.Path,
	)

	core, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}
	defer core.Close()

	return core.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
