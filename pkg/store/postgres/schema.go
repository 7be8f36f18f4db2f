// Package postgres provides a PostgreSQL-backed store of tool provider
// configurations. [Store] implements the bridge's provider source, so
// providers can be granted to callers at runtime without editing the config
// file.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Put(ctx, "alice", mcp.ProviderConfig{Name: "search", Transport: mcp.TransportNetwork, URL: url})
//	b := bridge.New(store)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AllCallers is the caller value of a row that applies to every caller.
const AllCallers = ""

const ddlProviders = `
CREATE TABLE IF NOT EXISTS mcp_providers (
    caller          TEXT         NOT NULL DEFAULT '',
    name            TEXT         NOT NULL,
    transport       TEXT         NOT NULL,
    command         TEXT         NOT NULL DEFAULT '',
    args            TEXT[]       NOT NULL DEFAULT '{}',
    env             JSONB        NOT NULL DEFAULT '{}',
    dir             TEXT         NOT NULL DEFAULT '',
    url             TEXT         NOT NULL DEFAULT '',
    token           TEXT         NOT NULL DEFAULT '',
    headers         JSONB        NOT NULL DEFAULT '{}',
    legacy_fallback BOOLEAN      NOT NULL DEFAULT false,
    timeout_ms      BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (caller, name)
);

CREATE INDEX IF NOT EXISTS idx_mcp_providers_name
    ON mcp_providers (name);
`

// Migrate creates the provider table if it does not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlProviders); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
