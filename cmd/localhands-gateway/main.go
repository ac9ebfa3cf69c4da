// ABOUTME: Entry point for localhands-gateway, the two-party messaging server
// ABOUTME: Dispatches serve, init, bootstrap, user, token, conversations and health commands

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/localhands/internal/config"
	"github.com/2389/localhands/internal/gateway"
)

// version is overridden with -ldflags at build time.
var version = "dev"

const banner = `
 _                 _ _                     _
| | ___   ___ __ _| | |__   __ _ _ __   __| |___
| |/ _ \ / __/ _' | | '_ \ / _' | '_ \ / _' / __|
| | (_) | (_| (_| | | | | | (_| | | | | (_| \__ \
|_|\___/ \___\__,_|_|_| |_|\__,_|_| |_|\__,_|___/
`

const usage = `Usage: localhands-gateway <command>

Commands:
  serve                              Start the gateway server
  init                               Create a new config file interactively
  bootstrap --name NAME              Create config, database, first user and token
  user add --name NAME [--avatar U]  Add a user to the directory
  token --user ID [--ttl D]          Issue an API token for a user
  conversations --user ID            Print a user's conversation list
  health [--addr A]                  Check gateway health over gRPC
`

// getConfigPath returns the path to the gateway config file.
// Priority: LOCALHANDS_CONFIG env var > XDG_CONFIG_HOME/localhands/gateway.yaml > ~/.config/localhands/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
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

	return filepath.Join(configDir, "localhands", "gateway.yaml")
}

// getDataPath returns the path to the localhands data directory.
// Priority: XDG_DATA_HOME/localhands > ~/.local/share/localhands
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "localhands")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command. Output goes to out so commands can be tested.
func run(ctx context.Context, command string, args []string, in io.Reader, out io.Writer) error {
	switch command {
	case "serve":
		return runServe(ctx, out)
	case "init":
		return runInit(in, out)
	case "bootstrap":
		return runBootstrap(ctx, args, out)
	case "user":
		if len(args) == 0 || args[0] != "add" {
			return fmt.Errorf("usage: localhands-gateway user add --name NAME [--avatar URL]")
		}
		return runUserAdd(ctx, args[1:], out)
	case "token":
		return runToken(ctx, args, out)
	case "conversations":
		return runConversations(ctx, args, out)
	case "health":
		return runHealth(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runServe(ctx context.Context, out io.Writer) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, out)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Fprint(out, "    ▶ ")
	if cfg.Auth.DevMode() {
		fmt.Fprint(out, "Auth:      ")
		yellow.Fprintln(out, "dev mode (X-User-ID header trusted)")
	} else {
		fmt.Fprintln(out, "Auth:      JWT")
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out)

	logger.Info("starting localhands-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
