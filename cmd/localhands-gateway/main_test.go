// ABOUTME: Tests for the localhands-gateway CLI commands and logger
// ABOUTME: Commands run against temp config and data dirs via env overrides

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localhands/internal/auth"
	"github.com/2389/localhands/internal/config"
	"github.com/2389/localhands/internal/store"
)

// cliEnv points the config and data paths at a temp dir.
func cliEnv(t *testing.T) (configPath, dataPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config", "gateway.yaml")
	t.Setenv(config.EnvConfigPath, configPath)
	t.Setenv(config.EnvDBPath, "")
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return configPath, filepath.Join(dir, "data", "localhands")
}

func runCmd(t *testing.T, command string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), command, args, strings.NewReader(""), &out)
	return out.String(), err
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/localhands/gateway.yaml", getConfigPath())

	t.Setenv(config.EnvConfigPath, "/etc/localhands.toml")
	assert.Equal(t, "/etc/localhands.toml", getConfigPath())
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	assert.Equal(t, "/tmp/data/localhands", getDataPath())
}

func TestRun_UnknownCommand(t *testing.T) {
	_, err := runCmd(t, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = runCmd(t, "user", "remove")
	assert.ErrorContains(t, err, "user add")

	out, err := runCmd(t, "help")
	require.NoError(t, err)
	assert.Contains(t, out, "bootstrap --name NAME")
}

func TestBootstrap(t *testing.T) {
	configPath, dataPath := cliEnv(t)

	out, err := runCmd(t, "bootstrap", "--name", "  Ada  ")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config")
	assert.Contains(t, out, "Created user: Ada")

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.False(t, cfg.Auth.DevMode())
	assert.Equal(t, filepath.Join(dataPath, "localhands.db"), cfg.Database.Path)

	raw, err := os.ReadFile(filepath.Join(dataPath, tokenFileName))
	require.NoError(t, err)
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	userID, err := verifier.Verify(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer s.Close()
	user, err := s.ResolveUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.DisplayName)
}

func TestBootstrap_OnlyOnce(t *testing.T) {
	cliEnv(t)

	_, err := runCmd(t, "bootstrap", "--name", "Ada")
	require.NoError(t, err)

	out, err := runCmd(t, "bootstrap", "--name", "Grace")
	assert.ErrorContains(t, err, "bootstrap already complete")
	assert.Contains(t, out, "Using existing config")
}

func TestBootstrap_RequiresName(t *testing.T) {
	cliEnv(t)

	_, err := runCmd(t, "bootstrap")
	assert.ErrorContains(t, err, "--name flag is required")

	_, err = runCmd(t, "bootstrap", "--name", strings.Repeat("x", maxDisplayNameLength+1))
	assert.ErrorContains(t, err, "maximum length")

	_, err = runCmd(t, "bootstrap", "--bogus")
	assert.Error(t, err)
}

func TestBootstrap_DevModeConfig(t *testing.T) {
	configPath, dataPath := cliEnv(t)
	tmpl := configTemplate{
		HTTPAddr: config.DefaultHTTPAddr,
		DBPath:   filepath.Join(dataPath, "localhands.db"),
		LogLevel: "info",
	}
	require.NoError(t, writeConfigFile(configPath, tmpl.render("test")))

	_, err := runCmd(t, "bootstrap", "--name", "Ada")
	assert.ErrorContains(t, err, "jwt_secret not configured")
}

func TestUserAddAndToken(t *testing.T) {
	configPath, _ := cliEnv(t)
	_, err := runCmd(t, "bootstrap", "--name", "Ada")
	require.NoError(t, err)

	out, err := runCmd(t, "user", "add", "--name", "Grace", "--id", "grace", "--avatar", "https://example.com/g.png")
	require.NoError(t, err)
	assert.Contains(t, out, "grace")

	_, err = runCmd(t, "user", "add", "--name", "Grace again", "--id", "grace")
	assert.ErrorIs(t, err, store.ErrConflict)

	out, err = runCmd(t, "token", "--user", "grace", "--ttl", "1h")
	require.NoError(t, err)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	userID, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "grace", userID)

	_, err = runCmd(t, "token", "--user", "nobody")
	assert.ErrorContains(t, err, "unknown user")

	_, err = runCmd(t, "token")
	assert.ErrorContains(t, err, "--user flag is required")

	_, err = runCmd(t, "token", "--user", "grace", "--ttl", "-1h")
	assert.ErrorContains(t, err, "negative")
}

func TestConversations(t *testing.T) {
	configPath, _ := cliEnv(t)
	_, err := runCmd(t, "bootstrap", "--name", "Ada")
	require.NoError(t, err)
	_, err = runCmd(t, "user", "add", "--name", "Grace", "--id", "grace")
	require.NoError(t, err)
	_, err = runCmd(t, "user", "add", "--name", "Linus", "--id", "linus")
	require.NoError(t, err)

	out, err := runCmd(t, "conversations", "--user", "grace")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations.")

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	ctx := context.Background()
	conv, err := s.GetOrCreateConversation(ctx, "grace", "linus")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "linus", "hello   there\nGrace")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err = runCmd(t, "conversations", "--user", "grace")
	require.NoError(t, err)
	assert.Contains(t, out, conv.ID)
	assert.Contains(t, out, "Linus")
	assert.Contains(t, out, "hello there Grace")

	out, err = runCmd(t, "conversations", "--user", "linus")
	require.NoError(t, err)
	assert.Contains(t, out, "you: hello there Grace")
}

func TestHealth_Unreachable(t *testing.T) {
	cliEnv(t)
	out, err := runCmd(t, "health", "--addr", "127.0.0.1:1", "--timeout", "200ms")
	assert.Error(t, err)
	assert.Contains(t, out, "127.0.0.1:1")
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "gateway.yaml")
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv(config.EnvDBPath, "")

	answers := strings.Join([]string{
		target,    // config path
		"",        // http addr
		"none",    // grpc addr
		"",        // db path
		"no",      // jwt secret
		"yes",     // tailscale
		"lh-test", // hostname
		"",        // ephemeral
		"",        // funnel
		"debug",   // log level
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))

	cfg, err := config.Load(target)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.True(t, cfg.Auth.DevMode())
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "lh-test", cfg.Tailscale.Hostname)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "localhands", "localhands.db"), cfg.Database.Path)
}

func TestInit_KeepsExistingFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(target, []byte("keep"), 0600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(target+"\n\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(raw))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n\tb", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"key":"value"`)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "hub").WithGroup("conn").Debug("dropped", "id", "c1")
	line := buf.String()
	assert.Contains(t, line, "DBG")
	assert.Contains(t, line, "dropped")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, "hub")
	assert.Contains(t, line, "conn.id=")

	assert.Equal(t, slog.LevelWarn, parseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.With("worker", i).Info("tick", "at", time.Now())
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, strings.Count(buf.String(), "\n"))
}
