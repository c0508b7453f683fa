// ABOUTME: Entry point for the approvd callback backend
// ABOUTME: Serves decision pages, gateway RPCs, and the hook socket

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/approvd/approvd/internal/backend"
	"github.com/approvd/approvd/internal/broker"
	"github.com/approvd/approvd/internal/config"
	"github.com/approvd/approvd/internal/decision"
	"github.com/approvd/approvd/internal/launcher"
	"github.com/approvd/approvd/internal/logging"
	"github.com/approvd/approvd/internal/rules"
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
	// Local .env files feed the ${VAR} expansion in config files.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: approvd-backend <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the backend server")
		fmt.Println("  status     Show pending permission requests")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx)
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
	gray.Printf("    backend version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateBackend(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Backend.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Socket:   %s\n", cfg.Backend.SocketPath)
	if cfg.Backend.GatewayURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Gateway:  %s\n", cfg.Backend.GatewayURL)
	}
	fmt.Println()

	logger.Info("starting approvd-backend",
		"config", configPath,
		"http_addr", cfg.Backend.HTTPAddr,
		"socket_path", cfg.Backend.SocketPath,
	)

	tokens, err := store.NewAuthTokenStore(cfg.Backend.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening auth token store: %w", err)
	}
	sessions, err := store.NewSessionChatStore(cfg.Backend.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	dirs, err := store.NewDirHistoryStore(cfg.Backend.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening dir history store: %w", err)
	}

	tools := rules.BuiltinTable()
	if cfg.Backend.ToolsFile != "" {
		if tools, err = rules.LoadTable(cfg.Backend.ToolsFile); err != nil {
			return fmt.Errorf("loading tools file: %w", err)
		}
	}

	pending := broker.New(cfg.Backend.RequestTimeout, logger)
	go pending.Run(ctx)

	gateway := backend.NewGatewayClient(cfg.Backend.GatewayURL, tokens, logger)
	launch := launcher.New(gateway, logger)
	decisions := decision.NewHandler(pending, tools, logger)

	srv := backend.NewServer(pending, decisions, tokens, sessions, dirs, launch, backend.Options{
		OwnerID:         cfg.Backend.OwnerID,
		AgentCommands:   cfg.Backend.AgentCommands,
		PageCloseDelay:  cfg.Backend.PageCloseDelay,
		VSCodeURIPrefix: cfg.Backend.VSCodeURIPrefix,
	}, logger)

	sock := broker.NewSocketServer(cfg.Backend.SocketPath, pending, logger)
	if err := sock.Listen(); err != nil {
		return fmt.Errorf("listening on socket: %w", err)
	}
	go func() {
		if err := sock.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("socket server failed", "error", err)
		}
	}()

	go gateway.AutoRegister(ctx, cfg.Backend.CallbackURL, cfg.Backend.OwnerID, cfg.Backend.ReplyInThread)
	go runCleanup(ctx, logger, sessions)

	httpServer := &http.Server{
		Addr:    cfg.Backend.HTTPAddr,
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
	if err := sock.Close(); err != nil {
		logger.Error("socket close failed", "error", err)
	}
	return nil
}

// runCleanup expires stale session-chat entries once an hour.
func runCleanup(ctx context.Context, logger *slog.Logger, sessions *store.SessionChatStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.CleanupExpired(); removed > 0 {
				logger.Info("cleaned up expired sessions", "removed", removed)
			}
		}
	}
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/status", cfg.Backend.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}
