// ABOUTME: Entry point for qai-gateway, the WebSocket front door for the QAI agent
// ABOUTME: Runs the server and the small admin commands that share its config and database

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/stffns/QAI/internal/config"
	"github.com/stffns/QAI/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
              _                       _
  __ _  __ _ (_)       __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _' || |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | (_| || |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__, |\__,_||_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
    |_|               |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: QAI_CONFIG env var > XDG_CONFIG_HOME/qai/gateway.yaml > ~/.config/qai/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("QAI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "qai", "gateway.yaml")
}

// getDataPath returns the path to the qai data directory.
// Priority: XDG_DATA_HOME/qai > ~/.local/share/qai
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "qai")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: qai-gateway <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the gateway server")
	fmt.Fprintln(w, "  init                               Create a new config file interactively")
	fmt.Fprintln(w, "  token --subject NAME [--ttl 1h]    Issue a signed access token")
	fmt.Fprintln(w, "  block IP [--reason TEXT]           Add an address to the block list")
	fmt.Fprintln(w, "  unblock IP                         Remove an address from the block list")
	fmt.Fprintln(w, "  blocked                            List blocked addresses")
	fmt.Fprintln(w, "  audit [--limit N] [--action A]     Show recent audit log entries")
	fmt.Fprintln(w, "  health                             Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(ctx, args)
	case "block":
		err = runBlock(ctx, args)
	case "unblock":
		err = runUnblock(ctx, args)
	case "blocked":
		err = runBlocked(ctx)
	case "audit":
		err = runAudit(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s (protocol %s)\n\n", version, gateway.Version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s%s\n", cfg.Server.Addr, cfg.Server.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.Backend)

	if cfg.Auth.AllowAnonymous || cfg.Auth.JWTSecret == "" {
		yellow.Print("    ▶ ")
		fmt.Println("Auth:      anonymous connections allowed")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting qai-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"path", cfg.Server.Path,
		"agent", cfg.Agent.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Printf("healthy: %s\n", body)
	return nil
}
