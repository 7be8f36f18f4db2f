package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/bridge"
)

var _ bridge.ProviderSource = (*Store)(nil)

// Record is one stored provider grant.
type Record struct {
	// Caller is the caller the provider is granted to, or [AllCallers].
	Caller    string
	Provider  mcp.ProviderConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a PostgreSQL-backed provider store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Put inserts or replaces the provider cfg for caller. Use [AllCallers] to
// grant it to everyone.
func (s *Store) Put(ctx context.Context, caller string, cfg mcp.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	envJSON, err := json.Marshal(nonNil(cfg.Env))
	if err != nil {
		return fmt.Errorf("postgres store: marshal env: %w", err)
	}
	headersJSON, err := json.Marshal(nonNil(cfg.Headers))
	if err != nil {
		return fmt.Errorf("postgres store: marshal headers: %w", err)
	}
	args := cfg.Args
	if args == nil {
		args = []string{}
	}

	const q = `
		INSERT INTO mcp_providers
		    (caller, name, transport, command, args, env, dir, url, token, headers, legacy_fallback, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (caller, name) DO UPDATE SET
		    transport       = EXCLUDED.transport,
		    command         = EXCLUDED.command,
		    args            = EXCLUDED.args,
		    env             = EXCLUDED.env,
		    dir             = EXCLUDED.dir,
		    url             = EXCLUDED.url,
		    token           = EXCLUDED.token,
		    headers         = EXCLUDED.headers,
		    legacy_fallback = EXCLUDED.legacy_fallback,
		    timeout_ms      = EXCLUDED.timeout_ms,
		    updated_at      = now()`

	_, err = s.pool.Exec(ctx, q,
		caller,
		cfg.Name,
		string(cfg.Transport),
		cfg.Command,
		args,
		envJSON,
		cfg.Dir,
		cfg.URL,
		cfg.Token,
		headersJSON,
		cfg.LegacyFallback,
		cfg.Timeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: put provider %q: %w", cfg.Name, err)
	}
	return nil
}

// Delete removes the grant of provider name to caller. It reports whether a
// row was removed.
func (s *Store) Delete(ctx context.Context, caller, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mcp_providers WHERE caller = $1 AND name = $2`, caller, name)
	if err != nil {
		return false, fmt.Errorf("postgres store: delete provider %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns every stored grant ordered by caller, then name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	const q = `
		SELECT caller, name, transport, command, args, env, dir, url, token, headers,
		       legacy_fallback, timeout_ms, created_at, updated_at
		FROM   mcp_providers
		ORDER  BY caller, name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list providers: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list providers: %w", err)
	}
	return recs, nil
}

// Providers implements [bridge.ProviderSource]. It returns the providers
// granted to caller or to [AllCallers], ordered by name. When both exist
// for one name, the caller's own grant wins.
func (s *Store) Providers(ctx context.Context, caller string) ([]mcp.ProviderConfig, error) {
	const q = `
		SELECT DISTINCT ON (name)
		       caller, name, transport, command, args, env, dir, url, token, headers,
		       legacy_fallback, timeout_ms, created_at, updated_at
		FROM   mcp_providers
		WHERE  caller = $1 OR caller = ''
		ORDER  BY name, caller DESC`

	rows, err := s.pool.Query(ctx, q, caller)
	if err != nil {
		return nil, fmt.Errorf("postgres store: providers for %q: %w", caller, err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: providers for %q: %w", caller, err)
	}
	out := make([]mcp.ProviderConfig, len(recs))
	for i, r := range recs {
		out[i] = r.Provider
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Private scan helpers
// ─────────────────────────────────────────────────────────────────────────────

func collectRecords(rows pgx.Rows) ([]Record, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r           Record
			transport   string
			envJSON     []byte
			headersJSON []byte
			timeoutMS   int64
		)
		if err := row.Scan(
			&r.Caller,
			&r.Provider.Name,
			&transport,
			&r.Provider.Command,
			&r.Provider.Args,
			&envJSON,
			&r.Provider.Dir,
			&r.Provider.URL,
			&r.Provider.Token,
			&headersJSON,
			&r.Provider.LegacyFallback,
			&timeoutMS,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return Record{}, err
		}
		return finishRecord(r, transport, envJSON, headersJSON, timeoutMS)
	})
}

// finishRecord decodes the columns that need conversion after scanning.
func finishRecord(r Record, transport string, envJSON, headersJSON []byte, timeoutMS int64) (Record, error) {
	t, err := mcp.ParseTransport(transport)
	if err != nil {
		return Record{}, fmt.Errorf("provider %q: %w", r.Provider.Name, err)
	}
	r.Provider.Transport = t
	r.Provider.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if r.Provider.Env, err = decodeMap(envJSON); err != nil {
		return Record{}, fmt.Errorf("provider %q: env: %w", r.Provider.Name, err)
	}
	if r.Provider.Headers, err = decodeMap(headersJSON); err != nil {
		return Record{}, fmt.Errorf("provider %q: headers: %w", r.Provider.Name, err)
	}
	if len(r.Provider.Args) == 0 {
		r.Provider.Args = nil
	}
	return r, nil
}

func decodeMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
