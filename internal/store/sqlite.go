// ABOUTME: SQLite implementation of TenantStore using modernc.org/sqlite
// ABOUTME: Stores tenants and their allowed capabilities with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements TenantStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			max_calls_per_request INTEGER NOT NULL DEFAULT 2,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tenant_capabilities (
			tenant_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			PRIMARY KEY (tenant_id, capability_id),
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tenant_capabilities_tenant
			ON tenant_capabilities(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// ListTenants returns every tenant ordered by id.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, max_calls_per_request, updated_at
		FROM tenants
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	byID := make(map[string]*Tenant)
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.MaxCallsPerRequest, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		t.AllowedCapabilities = []string{}
		tenants = append(tenants, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}

	capRows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, capability_id
		FROM tenant_capabilities
		ORDER BY tenant_id, capability_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenant capabilities: %w", err)
	}
	defer capRows.Close()

	for capRows.Next() {
		var tenantID, capabilityID string
		if err := capRows.Scan(&tenantID, &capabilityID); err != nil {
			return nil, fmt.Errorf("scanning tenant capability: %w", err)
		}
		if t, ok := byID[tenantID]; ok {
			t.AllowedCapabilities = append(t.AllowedCapabilities, capabilityID)
		}
	}
	if err := capRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant capabilities: %w", err)
	}

	return tenants, nil
}

// GetTenant retrieves a tenant by id.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, max_calls_per_request, updated_at
		FROM tenants
		WHERE id = ?
	`, id).Scan(&t.ID, &t.MaxCallsPerRequest, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT capability_id
		FROM tenant_capabilities
		WHERE tenant_id = ?
		ORDER BY capability_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying tenant capabilities: %w", err)
	}
	defer rows.Close()

	t.AllowedCapabilities = []string{}
	for rows.Next() {
		var capabilityID string
		if err := rows.Scan(&capabilityID); err != nil {
			return nil, fmt.Errorf("scanning tenant capability: %w", err)
		}
		t.AllowedCapabilities = append(t.AllowedCapabilities, capabilityID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant capabilities: %w", err)
	}
	return t, nil
}

// SaveTenant inserts or replaces a tenant and its full capability set.
func (s *SQLiteStore) SaveTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.ID == "" {
		return errors.New("tenant id is required")
	}
	updatedAt := tenant.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, max_calls_per_request, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_calls_per_request = excluded.max_calls_per_request,
			updated_at = excluded.updated_at
	`, tenant.ID, tenant.MaxCallsPerRequest, updatedAt)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_capabilities WHERE tenant_id = ?`, tenant.ID); err != nil {
		return fmt.Errorf("clearing tenant capabilities: %w", err)
	}

	caps := append([]string(nil), tenant.AllowedCapabilities...)
	sort.Strings(caps)
	for _, capabilityID := range caps {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tenant_capabilities (tenant_id, capability_id)
			VALUES (?, ?)
		`, tenant.ID, capabilityID)
		if err != nil {
			return fmt.Errorf("inserting tenant capability: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tenant: %w", err)
	}

	s.logger.Debug("tenant saved", "tenant_id", tenant.ID, "capabilities", len(caps))
	return nil
}

// DeleteTenant removes a tenant and its capabilities.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ TenantStore = (*SQLiteStore)(nil)
