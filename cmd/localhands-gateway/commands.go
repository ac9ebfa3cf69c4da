// ABOUTME: Operator commands: config setup, bootstrap, user and token management, health
// ABOUTME: Commands open the store directly and never need a running gateway, except health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/localhands/internal/auth"
	"github.com/2389/localhands/internal/config"
	"github.com/2389/localhands/internal/gateway"
	"github.com/2389/localhands/internal/messaging"
	"github.com/2389/localhands/internal/store"
)

const (
	maxDisplayNameLength = 100
	tokenFileName        = "token"
	previewLength        = 40
)

// configTemplate holds the values written by init and bootstrap.
type configTemplate struct {
	HTTPAddr    string
	GRPCAddr    string
	DBPath      string
	JWTSecret   string
	Tailscale   bool
	TSHostname  string
	TSEphemeral bool
	TSFunnel    bool
	LogLevel    string
}

func (t configTemplate) render(generator string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# localhands-gateway configuration\n# Generated by localhands-gateway %s\n\n", generator)

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", t.HTTPAddr)
	if t.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", t.GRPCAddr)
	}

	if t.Tailscale {
		b.WriteString("\ntailscale:\n  enabled: true\n")
		fmt.Fprintf(&b, "  hostname: %q\n", t.TSHostname)
		b.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		fmt.Fprintf(&b, "  ephemeral: %t\n  funnel: %t\n", t.TSEphemeral, t.TSFunnel)
	}

	fmt.Fprintf(&b, "\ndatabase:\n  path: %q\n", t.DBPath)
	if t.JWTSecret != "" {
		fmt.Fprintf(&b, "\nauth:\n  jwt_secret: %q\n", t.JWTSecret)
	}
	fmt.Fprintf(&b, "\nlogging:\n  level: %q\n  format: \"text\"\n", t.LogLevel)
	return b.String()
}

func writeConfigFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("--name flag is required")
	}
	if len(name) > maxDisplayNameLength {
		return "", fmt.Errorf("display name exceeds maximum length of %d characters", maxDisplayNameLength)
	}
	return name, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured database with a quiet logger.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithBusyTimeout(cfg.Database.BusyTimeout),
		store.WithLogger(setupLogger(config.LoggingConfig{Level: "warn"}, os.Stderr)),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runBootstrap(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("bootstrap", out)
	name := fs.String("name", "", "display name of the first user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	displayName, err := validateDisplayName(*name)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		tmpl := configTemplate{
			HTTPAddr:  config.DefaultHTTPAddr,
			DBPath:    filepath.Join(dataPath, "localhands.db"),
			JWTSecret: secret,
			LogLevel:  "info",
		}
		if err := writeConfigFile(configPath, tmpl.render("bootstrap")); err != nil {
			return err
		}
		green.Fprintf(out, "  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Fprintf(out, "  Using existing config: %s\n", configPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.DevMode() {
		return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	existing, err := s.ListUsers(ctx, 1)
	if err != nil {
		return fmt.Errorf("checking existing users: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("bootstrap already complete: users exist (use 'user add' and 'token' instead)")
	}

	user := &store.User{ID: uuid.New().String(), DisplayName: displayName}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	green.Fprintf(out, "  ✓ Created user: %s (%s)\n", user.DisplayName, user.ID)

	token, err := issueToken(cfg, user.ID, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	tokenPath := filepath.Join(dataPath, tokenFileName)
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Fprintf(out, "  ✓ Saved token: %s\n", tokenPath)

	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Start the gateway with: localhands-gateway serve")
	return nil
}

func issueToken(cfg *config.Config, userID string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating token generator: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runUserAdd(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("user add", out)
	name := fs.String("name", "", "display name")
	avatar := fs.String("avatar", "", "avatar URL")
	id := fs.String("id", "", "user id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	displayName, err := validateDisplayName(*name)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	user := &store.User{ID: strings.TrimSpace(*id), DisplayName: displayName, AvatarURL: *avatar}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	color.New(color.FgGreen).Fprintf(out, "  ✓ Created user: %s\n", user.DisplayName)
	fmt.Fprintln(out, user.ID)
	return nil
}

func runToken(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("token", out)
	userID := fs.String("user", "", "user id to issue the token for")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	if *ttl < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.DevMode() {
		return fmt.Errorf("jwt_secret not configured; tokens are not used in dev mode")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.ResolveUser(ctx, *userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown user %s (create it with 'user add')", *userID)
		}
		return fmt.Errorf("resolving user: %w", err)
	}

	lifetime := *ttl
	if lifetime == 0 {
		lifetime = cfg.Auth.TokenTTL
	}
	token, err := issueToken(cfg, *userID, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runConversations(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("conversations", out)
	userID := fs.String("user", "", "user whose conversation list to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	summaries, err := messaging.NewAggregator(s, nil).ListForUser(ctx, *userID)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tWITH\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
	for _, sum := range summaries {
		with := sum.OtherParticipantID
		if sum.OtherParticipant != nil {
			with = sum.OtherParticipant.DisplayName
		}
		activity := sum.CreatedAt
		preview := ""
		if sum.LastMessage != nil {
			activity = sum.LastMessage.SentAt
			preview = truncate(sum.LastMessage.Content, previewLength)
			if sum.IsLastMessageFromRequester {
				preview = "you: " + preview
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			sum.ConversationID, with, sum.UnreadCount,
			activity.Local().Format(time.DateTime), preview)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// runHealth checks the gRPC health service, or /health/ready over HTTP when
// no gRPC address is configured.
func runHealth(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("health", out)
	addr := fs.String("addr", "", "gRPC address (default server.grpc_addr)")
	timeout := fs.Duration("timeout", 5*time.Second, "check timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *addr
	httpAddr := ""
	if target == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target = cfg.Server.GRPCAddr
		httpAddr = cfg.Server.HTTPAddr
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	if target == "" {
		if httpAddr == "" {
			return fmt.Errorf("no grpc_addr or http_addr configured")
		}
		if err := checkHTTPReady(ctx, httpAddr); err != nil {
			red.Fprintf(out, "  ✗ %s: %v\n", httpAddr, err)
			return err
		}
		green.Fprintf(out, "  ✓ %s: ready\n", httpAddr)
		return nil
	}

	status, err := gateway.CheckHealth(ctx, target, gateway.HealthServiceName)
	if err != nil {
		red.Fprintf(out, "  ✗ %s: %v\n", target, err)
		return err
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		red.Fprintf(out, "  ✗ %s: %s\n", target, status)
		return fmt.Errorf("gateway is %s", status)
	}
	green.Fprintf(out, "  ✓ %s: %s\n", target, status)
	return nil
}

func checkHTTPReady(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "localhands-gateway configuration setup")
	fmt.Fprintln(out, "======================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	tmpl := configTemplate{}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	tmpl.HTTPAddr = prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, out, "gRPC health address (none to disable)", "127.0.0.1:50051")
	if !strings.EqualFold(grpcAddr, "none") {
		tmpl.GRPCAddr = grpcAddr
	}

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	tmpl.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "localhands.db"))

	fmt.Fprintln(out, "\n--- Authentication ---")
	if yes(prompt(reader, out, "Generate a JWT secret? (no runs in dev mode)", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		tmpl.JWTSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tmpl.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if tmpl.Tailscale {
		tmpl.TSHostname = prompt(reader, out, "Tailscale hostname", "localhands")
		tmpl.TSEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		tmpl.TSFunnel = yes(prompt(reader, out, "Enable Funnel (public internet)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	tmpl.LogLevel = prompt(reader, out, "Log level (debug, info, warn, error)", "info")

	if err := writeConfigFile(outputFile, tmpl.render("init")); err != nil {
		return err
	}

	fmt.Fprintln(out)
	color.New(color.FgGreen).Fprintf(out, "  ✓ Wrote %s\n", outputFile)
	if tmpl.Tailscale {
		fmt.Fprintln(out, "  Set TS_AUTHKEY before starting the gateway.")
	}
	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
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
