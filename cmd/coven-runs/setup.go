// ABOUTME: Setup commands for coven-runs: interactive init, bootstrap, and token minting
// ABOUTME: Tokens are HS256 JWTs signed with the configured jwt_secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-runs/internal/auth"
	"github.com/2389/coven-runs/internal/config"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// parseFlags reads "--name value" and "--name=value" pairs. Only names in
// allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func mintToken(secret, principalID string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(principalID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// runToken prints a bearer token for --principal, valid for --ttl.
func runToken(args []string) error {
	flags, err := parseFlags(args, "principal", "ttl")
	if err != nil {
		return err
	}
	principalID := strings.TrimSpace(flags["principal"])
	if principalID == "" {
		return fmt.Errorf("--principal flag is required")
	}
	ttl := defaultTokenTTL
	if raw, ok := flags["ttl"]; ok {
		if ttl, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; tokens are not needed")
	}

	token, err := mintToken(cfg.Auth.JWTSecret, principalID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runBootstrap performs first-time setup:
//  1. Creates a config file with a random jwt secret, if none exists
//  2. Mints a token for the principal and saves it next to the config
//
// The principal defaults to a fresh uuid.
func runBootstrap(args []string) error {
	flags, err := parseFlags(args, "principal")
	if err != nil {
		return err
	}
	principalID := strings.TrimSpace(flags["principal"])
	if principalID == "" {
		principalID = uuid.New().String()
	}

	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "runs.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		content := renderConfig(initAnswers{
			httpAddr:  config.DefaultHTTPAddr,
			dbPath:    dbPath,
			jwtSecret: secret,
			logLevel:  "info",
			logFormat: "text",
		})
		if err := writeConfig(configPath, content, 0600); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	token, err := mintToken(cfg.Auth.JWTSecret, principalID, defaultTokenTTL)
	if err != nil {
		return err
	}
	tokenPath := getTokenPath()
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	fmt.Printf("  Principal: %s\n", principalID)
	fmt.Printf("  Expires:   %s\n", time.Now().Add(defaultTokenTTL).UTC().Format("Jan 02, 2006"))
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    coven-runs serve        # start the server")
	fmt.Println("    coven-runs credential   # get a socket credential")
	fmt.Println()
	return nil
}

// initAnswers collects the values runInit asks for.
type initAnswers struct {
	httpAddr    string
	dbPath      string
	jwtSecret   string
	tailscale   bool
	tsHostname  string
	tsAuthKey   string
	tsEphemeral bool
	redisAddr   string
	logLevel    string
	logFormat   string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-runs configuration\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", a.httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", a.dbPath)

	if a.jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", a.jwtSecret)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.tailscale)
	if a.tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.tsHostname)
		if a.tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("runs:\n")
	fmt.Fprintf(&cfg, "  stop_timeout: %q\n", config.DefaultStopTimeout.String())
	fmt.Fprintf(&cfg, "  write_timeout: %q\n\n", config.DefaultWriteTimeout.String())

	cfg.WriteString("credentials:\n")
	fmt.Fprintf(&cfg, "  ttl: %q\n", config.DefaultCredentialTTL.String())
	fmt.Fprintf(&cfg, "  max_pending: %d\n\n", config.DefaultMaxPending)

	if a.redisAddr != "" {
		cfg.WriteString("redis:\n")
		fmt.Fprintf(&cfg, "  addr: %q\n\n", a.redisAddr)
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", a.logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	fmt.Fprintf(&cfg, "  path: %q\n", config.DefaultMetricsPath)
	return cfg.String()
}

func writeConfig(path, content string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout)
}

func initConfig(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "coven-runs configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(question string) bool {
		answer := strings.ToLower(ask(question, "no"))
		return answer == "yes" || answer == "y"
	}

	outputFile := ask("Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil && !yes("File exists. Overwrite?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.httpAddr = ask("HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.dbPath = ask("SQLite database path", filepath.Join(getDataPath(), "runs.db"))

	fmt.Fprintln(out, "\n--- Authentication ---")
	if yes("Require bearer tokens for credential issuance?") {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.jwtSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.tailscale = yes("Enable Tailscale?")
	if a.tailscale {
		a.tsHostname = ask("Tailscale hostname", "coven-runs")
		a.tsAuthKey = ask("Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.tsEphemeral = yes("Ephemeral node?")
	}

	fmt.Fprintln(out, "\n--- Broadcast Relay ---")
	a.redisAddr = ask("Redis address (leave empty to disable)", "")

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.logLevel = ask("Log level (debug/info/warn/error)", "info")
	a.logFormat = ask("Log format (text/json)", "text")

	perm := os.FileMode(0644)
	if a.jwtSecret != "" || a.tsAuthKey != "" {
		perm = 0600
	}
	if err := writeConfig(outputFile, renderConfig(a), perm); err != nil {
		return err
	}

	dataDir := filepath.Dir(a.dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-runs serve")
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
