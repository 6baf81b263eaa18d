// ABOUTME: coven-router sub-commands: serve, run, tenants, catalog, token and policy import
// ABOUTME: Each command loads the config file and prints human-readable, colorized output

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/delegate"
	"github.com/2389/coven-router/internal/fault"
	"github.com/2389/coven-router/internal/gateway"
	"github.com/2389/coven-router/internal/orchestrator"
	"github.com/2389/coven-router/internal/policy"
	"github.com/2389/coven-router/internal/store"
)

var (
	green  = color.New(color.FgGreen)
	cyan   = color.New(color.FgCyan)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	gray   = color.New(color.FgHiBlack)
)

// ServeCmd starts the HTTP API.
type ServeCmd struct{}

// Execute implements flags.Commander.
func (c *ServeCmd) Execute(_ []string) error {
	ctx := app.ctx

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Delegate:  %s (%s)\n", cfg.Delegate.Provider, cfg.Delegate.Model)
	for _, svc := range cfg.Services {
		green.Print("    ▶ ")
		fmt.Printf("Service:   %s ", svc.Name)
		gray.Println(svc.URL)
	}
	if cfg.Policy.Database != "" {
		green.Print("    ▶ ")
		fmt.Printf("Policies:  %s\n", cfg.Policy.Database)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting coven-router",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"services", len(cfg.Services),
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// RunCmd routes one prompt from the command line.
type RunCmd struct {
	Tenant string `short:"t" long:"tenant" required:"true" description:"tenant to act for"`
	JSON   bool   `long:"json" description:"print the full outcome as JSON"`
	Args   struct {
		Prompt []string `positional-arg-name:"prompt" required:"1"`
	} `positional-args:"yes"`
}

// Execute implements flags.Commander.
func (c *RunCmd) Execute(_ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	gw, err := gateway.New(app.ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	prompt := strings.Join(c.Args.Prompt, " ")
	out, runErr := gw.Orchestrator().Run(app.ctx, orchestrator.Request{TenantID: c.Tenant, Text: prompt})
	return printOutcome(os.Stdout, out, runErr, c.JSON)
}

// printOutcome writes the selected capability and trace. A failed run still
// prints whatever trace it recorded before returning the friendly error.
func printOutcome(w io.Writer, out *orchestrator.Outcome, runErr error, asJSON bool) error {
	var runError *orchestrator.RunError
	if runErr != nil && errors.As(runErr, &runError) {
		out = runError.Outcome
	}

	if asJSON && out != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else if out != nil {
		if out.SelectedCapability != "" {
			green.Fprint(w, "Selected: ")
			fmt.Fprintln(w, out.SelectedCapability)
		}
		data, err := json.MarshalIndent(out.Trace, "", "  ")
		if err != nil {
			return err
		}
		cyan.Fprintln(w, "Trace:")
		fmt.Fprintln(w, string(data))
	}

	if runErr == nil {
		return nil
	}
	cause := runErr
	if runError != nil {
		cause = runError.Err
	}
	return fmt.Errorf("%s", gateway.UserMessage(cause))
}

// TenantsCmd lists tenant policies.
type TenantsCmd struct{}

// Execute implements flags.Commander.
func (c *TenantsCmd) Execute(_ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	policies, err := loadPolicies(app.ctx, cfg)
	if err != nil {
		return err
	}
	printTenants(os.Stdout, policies.Records())
	return nil
}

func loadPolicies(ctx context.Context, cfg *config.Config) (*policy.Store, error) {
	if cfg.Policy.Database == "" {
		return policy.NewStore(cfg.TenantPolicies()), nil
	}
	s, err := store.NewSQLiteStore(cfg.Policy.Database)
	if err != nil {
		return nil, fmt.Errorf("opening policy database: %w", err)
	}
	defer s.Close()
	return policy.Load(ctx, s)
}

func printTenants(w io.Writer, records []*store.Tenant) {
	if len(records) == 0 {
		yellow.Fprintln(w, "no tenants configured")
		return
	}
	for _, r := range records {
		cyan.Fprint(w, r.ID)
		gray.Fprintf(w, " (max %d calls)\n", r.MaxCallsPerRequest)
		for _, id := range r.AllowedCapabilities {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	}
}

// CatalogCmd discovers and prints every capability.
type CatalogCmd struct {
	Tenant string `short:"t" long:"tenant" description:"only show capabilities this tenant may use"`
}

// Execute implements flags.Commander.
func (c *CatalogCmd) Execute(_ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	// Discovery never consults the delegate, so credentials are not required.
	noDelegate := delegate.Func(func(context.Context, string, []catalog.Descriptor) (delegate.Decision, error) {
		return delegate.Decision{}, errors.New("catalog command does not route")
	})
	gw, err := gateway.New(app.ctx, cfg, logger, gateway.WithDelegate(noDelegate))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	cat, err := gw.Orchestrator().Discover(app.ctx)
	if err != nil {
		return fmt.Errorf("%s", gateway.UserMessage(err))
	}

	descs := cat.Descriptors()
	if c.Tenant != "" {
		p, ok := gw.Policies().Get(c.Tenant)
		if !ok {
			return fault.Configuration("unknown tenant: %s", c.Tenant)
		}
		descs = policy.Filter(descs, p)
	}
	printCatalog(os.Stdout, descs)
	return nil
}

func printCatalog(w io.Writer, descs []catalog.Descriptor) {
	for _, d := range descs {
		green.Fprint(w, d.ID)
		if d.Description != "" {
			gray.Fprintf(w, "  %s", d.Description)
		}
		fmt.Fprintln(w)
	}
}

// TokenCmd mints a tenant API token.
type TokenCmd struct {
	Tenant string        `short:"t" long:"tenant" required:"true" description:"tenant the token acts for"`
	TTL    time.Duration `long:"ttl" default:"24h" description:"token lifetime"`
	Admin  bool          `long:"admin" description:"grant the admin scope for tenant management"`
}

// Execute implements flags.Commander.
func (c *TokenCmd) Execute(_ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := mintToken(cfg.Auth.JWTSecret, c.Tenant, c.TTL, c.Admin)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, tenant string, ttl time.Duration, admin bool) (string, error) {
	if secret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", err
	}
	var scopes []string
	if admin {
		scopes = append(scopes, auth.ScopeAdmin)
	}
	return verifier.Generate(tenant, ttl, scopes...)
}

// PolicyCmd groups policy database commands.
type PolicyCmd struct {
	Import PolicyImportCmd `command:"import" description:"Copy tenants from the config file into the policy database"`
}

// PolicyImportCmd copies config tenants into SQLite.
type PolicyImportCmd struct {
	DB string `long:"db" description:"SQLite path (defaults to policy.database)"`
}

// Execute implements flags.Commander.
func (c *PolicyImportCmd) Execute(_ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	path := c.DB
	if path == "" {
		path = cfg.Policy.Database
	}
	if path == "" {
		return errors.New("no database: pass --db or set policy.database")
	}

	n, err := importTenants(app.ctx, path, cfg.TenantRecords())
	if err != nil {
		return err
	}
	green.Print("✓ ")
	fmt.Printf("imported %d tenants into %s\n", n, path)
	return nil
}

func importTenants(ctx context.Context, path string, records []*store.Tenant) (int, error) {
	if len(records) == 0 {
		return 0, errors.New("config has no tenants to import")
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return 0, fmt.Errorf("opening policy database: %w", err)
	}
	defer s.Close()

	for _, r := range records {
		if err := s.SaveTenant(ctx, r); err != nil {
			return 0, fmt.Errorf("saving tenant %s: %w", r.ID, err)
		}
	}
	return len(records), nil
}
