// ABOUTME: Tests for coven-router command parsing, output formatting and helpers
// ABOUTME: Commands are parsed without executing; helpers run against temp files

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/orchestrator"
	"github.com/2389/coven-router/internal/store"
	"github.com/2389/coven-router/internal/trace"
)

func init() {
	color.NoColor = true
}

// parseOnly parses args into a fresh Options without running commands.
func parseOnly(t *testing.T, args ...string) (*Options, *flags.Parser, error) {
	t.Helper()
	opts := &Options{}
	parser := newParser(opts)
	parser.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err := parser.ParseArgs(args)
	return opts, parser, err
}

func TestParseCommands(t *testing.T) {
	t.Run("run", func(t *testing.T) {
		opts, parser, err := parseOnly(t, "-c", "router.yaml", "run", "--tenant", "acme", "CVX-12", "is", "overheating")
		require.NoError(t, err)
		assert.Equal(t, "router.yaml", opts.Config)
		assert.Equal(t, "run", parser.Active.Name)
		assert.Equal(t, "acme", opts.Run.Tenant)
		assert.Equal(t, []string{"CVX-12", "is", "overheating"}, opts.Run.Args.Prompt)
	})

	t.Run("run requires tenant", func(t *testing.T) {
		_, _, err := parseOnly(t, "run", "hello")
		assert.Error(t, err)
	})

	t.Run("run requires prompt", func(t *testing.T) {
		_, _, err := parseOnly(t, "run", "--tenant", "acme")
		assert.Error(t, err)
	})

	t.Run("token defaults", func(t *testing.T) {
		opts, _, err := parseOnly(t, "token", "--tenant", "acme")
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, opts.Token.TTL)
		assert.False(t, opts.Token.Admin)
	})

	t.Run("policy import", func(t *testing.T) {
		opts, parser, err := parseOnly(t, "policy", "import", "--db", "/tmp/router.db")
		require.NoError(t, err)
		assert.Equal(t, "import", parser.Active.Active.Name)
		assert.Equal(t, "/tmp/router.db", opts.Policy.Import.DB)
	})

	t.Run("no command", func(t *testing.T) {
		_, parser, err := parseOnly(t)
		require.NoError(t, err)
		assert.Nil(t, parser.Active)
	})
}

func TestGetConfigPath(t *testing.T) {
	saved := app.opts
	t.Cleanup(func() { app.opts = saved })

	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	t.Setenv("COVEN_ROUTER_CONFIG", "")
	app.opts = &Options{}
	assert.Equal(t, filepath.Join("/xdg", "coven", "router.yaml"), getConfigPath())

	t.Setenv("COVEN_ROUTER_CONFIG", "/etc/router.toml")
	assert.Equal(t, "/etc/router.toml", getConfigPath())

	app.opts = &Options{Config: "./local.yaml"}
	assert.Equal(t, "./local.yaml", getConfigPath())
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.WithGroup("call").With("service", "kb").Info("→ calling tool", "tool_name", "query")
	logger.Warn("slow")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF → calling tool")
	assert.Contains(t, out, "call.service=kb")
	assert.Contains(t, out, "call.tool_name=query")
	assert.Contains(t, out, "WRN slow")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "tenant_id", "acme")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "acme", rec["tenant_id"])
	assert.Equal(t, slog.LevelDebug.String(), rec["level"])
}

func TestPrintOutcome(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		tr := &trace.Trace{}
		tr.Success("kb.query", map[string]any{"query": "overheating"}, `{"results":[]}`)
		out := &orchestrator.Outcome{RunID: "r1", TenantID: "acme", SelectedCapability: "kb.query", Trace: tr}

		var buf bytes.Buffer
		require.NoError(t, printOutcome(&buf, out, nil, false))
		assert.Contains(t, buf.String(), "Selected: kb.query")
		assert.Contains(t, buf.String(), `"capability_id": "kb.query"`)
	})

	t.Run("denied", func(t *testing.T) {
		runErr := &orchestrator.RunError{
			Stage:   orchestrator.StageAuthorize,
			Outcome: &orchestrator.Outcome{TenantID: "acme", SelectedCapability: "tickets.create", Trace: &trace.Trace{}},
			Err:     fault.Authorization("capability denied by policy: tickets.create"),
		}

		var buf bytes.Buffer
		err := printOutcome(&buf, nil, runErr, false)
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), "Blocked by tenant policy"))
		assert.Contains(t, buf.String(), "Selected: tickets.create")
		assert.Contains(t, buf.String(), "[]")
	})

	t.Run("json", func(t *testing.T) {
		out := &orchestrator.Outcome{RunID: "r2", TenantID: "acme", Trace: &trace.Trace{}}
		var buf bytes.Buffer
		require.NoError(t, printOutcome(&buf, out, nil, true))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, "r2", decoded["run_id"])
	})

	t.Run("plain error", func(t *testing.T) {
		err := printOutcome(&bytes.Buffer{}, nil, errors.New("boom"), false)
		assert.EqualError(t, err, "boom")
	})
}

func TestMintToken(t *testing.T) {
	secret := strings.Repeat("k", auth.MinSecretLength)

	token, err := mintToken(secret, "acme", time.Hour, true)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Subject)
	assert.True(t, claims.HasScope(auth.ScopeAdmin))

	_, err = mintToken("", "acme", time.Hour, false)
	assert.Error(t, err)
	_, err = mintToken(secret, "acme", 0, false)
	assert.Error(t, err)
}

func TestImportTenants(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "router.db")
	cfg := &config.Config{
		Tenants: map[string]config.TenantConfig{
			"acme":   {AllowedCapabilities: []string{"tickets.search", "kb.query"}, MaxCallsPerRequest: 2},
			"globex": {AllowedCapabilities: []string{"tickets.search", "tickets.create", "kb.query"}, MaxCallsPerRequest: 2},
		},
	}

	n, err := importTenants(ctx, path, cfg.TenantRecords())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Importing twice replaces rather than duplicates.
	_, err = importTenants(ctx, path, cfg.TenantRecords())
	require.NoError(t, err)

	policies, err := loadPolicies(ctx, &config.Config{Policy: config.PolicyConfig{Database: path}})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, policies.Tenants())

	var buf bytes.Buffer
	printTenants(&buf, policies.Records())
	assert.Contains(t, buf.String(), "globex (max 2 calls)")
	assert.Contains(t, buf.String(), "  - tickets.create")

	_, err = importTenants(ctx, path, []*store.Tenant{})
	assert.Error(t, err)
}
