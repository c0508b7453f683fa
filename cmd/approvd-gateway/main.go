// ABOUTME: Entry point for the approvd IM gateway
// ABOUTME: Bridges Feishu webhooks and registered callback backends

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/approvd/approvd/internal/config"
	"github.com/approvd/approvd/internal/feishu"
	"github.com/approvd/approvd/internal/gateway"
	"github.com/approvd/approvd/internal/logging"
	"github.com/approvd/approvd/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _
   __ _ _ __  _ __  _ __ _____   ____| |
  / _' | '_ \| '_ \| '__/ _ \ \ / / _' |
 | (_| | |_) | |_) | | | (_) \ V / (_| |
  \__,_| .__/| .__/|_|  \___/ \_/ \__,_|
       |_|   |_|
`

// getConfigPath returns the path to the approvd config file.
// Priority: APPROVD_CONFIG env var > XDG_CONFIG_HOME/approvd/config.yaml > ~/.config/approvd/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("APPROVD_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "approvd", "config.yaml")
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: approvd-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gateway server")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    gateway version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Gateway.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Send mode: %s\n", cfg.IM.SendMode)
	fmt.Println()

	logger.Info("starting approvd-gateway",
		"config", configPath,
		"http_addr", cfg.Gateway.HTTPAddr,
		"send_mode", cfg.IM.SendMode,
	)

	bindings, err := store.NewBindingStore(cfg.Gateway.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening binding store: %w", err)
	}
	sessions, err := store.NewMessageSessionStore(cfg.Gateway.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening message session store: %w", err)
	}

	var im *feishu.Client
	if cfg.IM.SendMode == "webhook" {
		im = feishu.NewClient(cfg.IM.AppID, cfg.IM.AppSecret, logger, feishu.WithWebhookURL(cfg.IM.WebhookURL))
	} else {
		im = feishu.NewClient(cfg.IM.AppID, cfg.IM.AppSecret, logger)
	}

	srv := gateway.NewServer(bindings, sessions, im, gateway.Options{
		TokenSecret:       cfg.Gateway.TokenSecret,
		VerificationToken: cfg.IM.VerificationToken,
		BackendURL:        cfg.Gateway.BackendURL,
		AgentCommands:     cfg.Backend.AgentCommands,
	}, logger)

	go runCleanup(ctx, logger, sessions)

	httpServer := &http.Server{
		Addr:    cfg.Gateway.HTTPAddr,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

// runCleanup expires stale message-session mappings once an hour.
func runCleanup(ctx context.Context, logger *slog.Logger, sessions *store.MessageSessionStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.CleanupExpired(); removed > 0 {
				logger.Info("cleaned up expired message sessions", "removed", removed)
			}
		}
	}
}
