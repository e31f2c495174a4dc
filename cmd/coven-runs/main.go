// ABOUTME: Entry point for the coven-runs session server
// ABOUTME: Serves run sockets and provides setup, token, and health commands

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-runs/internal/config"
	"github.com/2389/coven-runs/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ _   _ _ __  ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__| | | | '_ \/ __|
| (_| (_) \ V /  __/ | | |_____| |  | |_| | | | \__ \
 \___\___/ \_/ \___|_| |_|     |_|   \__,_|_| |_|___/
`

// xdgDir returns $env, or home/fallback when the variable is unset.
func xdgDir(env string, fallback ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, fallback...)...), true
}

// getConfigPath returns COVEN_RUNS_CONFIG, else <config dir>/coven/runs.yaml.
func getConfigPath() string {
	if p := os.Getenv("COVEN_RUNS_CONFIG"); p != "" {
		return p
	}
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		return "runs.yaml"
	}
	return filepath.Join(dir, "coven", "runs.yaml")
}

// getDataPath returns <data dir>/coven-runs.
func getDataPath() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return "data"
	}
	return filepath.Join(dir, "coven-runs")
}

// getTokenPath returns where bootstrap saves the bearer token.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "runs-token")
}

func usage() {
	fmt.Println("Usage: coven-runs <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the run session server")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  bootstrap [--principal ID]   Create config with a jwt secret and save a token")
	fmt.Println("  token --principal ID [--ttl] Mint a bearer token for a principal")
	fmt.Println("  credential                   Issue a one-time socket credential")
	fmt.Println("  runs list|rename             List or rename persisted runs")
	fmt.Println("  health                       Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "credential":
		err = runCredential(ctx)
	case "runs":
		err = runRuns(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// statusLine prints one "▶ label value" line of the startup summary.
func statusLine(label string, value ...any) {
	color.New(color.FgGreen).Print("    ▶ ")
	fmt.Printf("%-10s %s\n", label+":", fmt.Sprint(value...))
}

func runServe(ctx context.Context) error {
	path := getConfigPath()

	color.New(color.FgCyan).Print(banner)
	dim := color.New(color.FgHiBlack)
	dim.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	statusLine("Config", path)
	statusLine("Database", cfg.Database.Path)
	switch {
	case cfg.Tailscale.Enabled && cfg.Tailscale.Ephemeral:
		statusLine("Tailscale", cfg.Tailscale.Hostname, dim.Sprint(" (ephemeral)"))
	case cfg.Tailscale.Enabled:
		statusLine("Tailscale", cfg.Tailscale.Hostname)
	default:
		statusLine("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Redis.Addr != "" {
		statusLine("Redis", cfg.Redis.Addr, dim.Sprintf(" (%s)", cfg.Redis.Channel))
	}
	if cfg.Metrics.Enabled {
		statusLine("Metrics", cfg.Metrics.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		color.New(color.FgYellow).Println("    ! credential issuance is open (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting coven-runs",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"tailscale", cfg.Tailscale.Enabled,
		"relay", cfg.Redis.Addr != "",
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	return gw.Run(ctx)
}

// serverURL returns the base URL of the configured server.
func serverURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled && cfg.Server.HTTPAddr == "" {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var ready gateway.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Printf("status:   %s\n", ready.Status)
	fmt.Printf("sessions: %d\n", ready.Sessions)
	fmt.Printf("runs:     %d\n", ready.Runs)
	fmt.Printf("pending:  %d\n", ready.Pending)
	if ready.Relay != "" {
		fmt.Printf("relay:    %s\n", ready.Relay)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// runCredential issues a socket credential using the saved bearer token, if
// any, and prints the websocket URL to connect with.
func runCredential(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL(cfg)+"/api/credentials", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token, err := os.ReadFile(getTokenPath()); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("credential request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cred gateway.CredentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	wsURL := "ws" + strings.TrimPrefix(serverURL(cfg), "http") + "/ws?credential=" + cred.Credential
	fmt.Println(cred.Credential)
	color.New(color.FgHiBlack).Printf("connect within %s: %s\n", cfg.Credentials.TTL, wsURL)
	return nil
}
