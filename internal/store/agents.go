package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ash-run/bridge/internal/apierr"
)

// Agent mirrors spec.md §3's Agent entity: a named, immutable-after-deploy
// reference to a workspace template directory.
type Agent struct {
	Tenant    string
	Name      string
	Version   int64
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertAgent inserts a new agent or, if (tenant, name) already exists,
// bumps version and replaces path — the "redeploy" lifecycle spec.md §3
// describes for Agent.
func (db *DB) UpsertAgent(ctx context.Context, tenant, name, path string) (*Agent, error) {
	now := now()
	var query string
	if db.driver == DriverPostgres {
		query = `
			INSERT INTO agents (tenant, name, version, path, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $4)
			ON CONFLICT (tenant, name) DO UPDATE
				SET version = agents.version + 1, path = EXCLUDED.path, updated_at = EXCLUDED.updated_at
			RETURNING tenant, name, version, path, created_at, updated_at`
	} else {
		query = `
			INSERT INTO agents (tenant, name, version, path, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT (tenant, name) DO UPDATE
				SET version = version + 1, path = excluded.path, updated_at = excluded.updated_at`
	}
	if db.driver == DriverPostgres {
		a := &Agent{}
		row := db.QueryRowContext(ctx, query, tenant, name, path, now)
		if err := row.Scan(&a.Tenant, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("upsert agent: %w", err)
		}
		return a, nil
	}
	if _, err := db.ExecContext(ctx, query, tenant, name, path, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return db.GetAgent(ctx, tenant, name)
}

// GetAgent returns apierr.NotFound when no row matches, per spec.md §7.
func (db *DB) GetAgent(ctx context.Context, tenant, name string) (*Agent, error) {
	query := fmt.Sprintf(`SELECT tenant, name, version, path, created_at, updated_at FROM agents WHERE tenant = %s AND name = %s`, db.ph(1), db.ph(2))
	row := db.QueryRowContext(ctx, query, tenant, name)
	a := &Agent{}
	var created, updated any
	if db.driver == DriverPostgres {
		if err := row.Scan(&a.Tenant, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, apierr.NotFound("agent %s/%s not found", tenant, name)
			}
			return nil, fmt.Errorf("get agent: %w", err)
		}
		return a, nil
	}
	if err := row.Scan(&a.Tenant, &a.Name, &a.Version, &a.Path, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("agent %s/%s not found", tenant, name)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.(string))
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated.(string))
	return a, nil
}

// DeleteAgent removes an agent's row. Sessions/sandboxes already created
// against it are unaffected — deletion only blocks future session creates.
func (db *DB) DeleteAgent(ctx context.Context, tenant, name string) error {
	query := fmt.Sprintf(`DELETE FROM agents WHERE tenant = %s AND name = %s`, db.ph(1), db.ph(2))
	_, err := db.ExecContext(ctx, query, tenant, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}
