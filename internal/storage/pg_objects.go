package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS archives (
	key        text PRIMARY KEY,
	payload    bytea NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS archive_lifecycle (
	id   smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	days integer NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	key        text PRIMARY KEY,
	value      bytea NOT NULL,
	expires_at timestamptz
);
`

// PGConfig configures a postgres-backed object store.
type PGConfig struct {
	URL      string
	MaxConns int32
	// ManageSchema creates tables on open.
	ManageSchema bool
}

// PGObjects stores objects in postgres. It also satisfies KV.
type PGObjects struct {
	pool  *pgxpool.Pool
	clock clock.Clock

	sessions atomic.Int64
}

var newPGPool = pgxpool.NewWithConfig

// OpenPGObjects connects a pool and optionally creates the schema.
func OpenPGObjects(ctx context.Context, cfg PGConfig, clk clock.Clock) (*PGObjects, error) {
	if cfg.URL == "" {
		return nil, &faults.ConfigurationError{Message: "archive postgres url is required"}
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, &faults.ConfigurationError{Message: "archive postgres url: " + err.Error()}
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := newPGPool(ctx, pcfg)
	if err != nil {
		return nil, faults.Transport("open postgres", err)
	}
	p := &PGObjects{pool: pool, clock: clock.OrReal(clk)}
	if cfg.ManageSchema {
		if _, err := pool.Exec(ctx, pgSchema); err != nil {
			pool.Close()
			return nil, faults.Transport("create archive schema", err)
		}
	}
	return p, nil
}

// Open checks the pool is reachable.
func (p *PGObjects) Open(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return faults.Transport("postgres ping", err)
	}
	p.sessions.Add(1)
	return nil
}

func (p *PGObjects) Release() error {
	p.sessions.Add(-1)
	return nil
}

func (p *PGObjects) Put(ctx context.Context, key string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO archives (key, payload, created_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at`, key, data, p.clock.Now())
	return faults.Transport("postgres put", err)
}

func (p *PGObjects) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM archives WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "object", Key: key}
	}
	if err != nil {
		return nil, faults.Transport("postgres get", err)
	}
	return data, nil
}

func (p *PGObjects) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM archives WHERE key = $1`, key)
	return faults.Transport("postgres delete", err)
}

func (p *PGObjects) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM archives WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, faults.Transport("postgres list", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, faults.Transport("postgres list", err)
	}
	return keys, nil
}

func (p *PGObjects) ListBefore(ctx context.Context, prefix string, t time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
SELECT key FROM archives WHERE starts_with(key, $1) AND created_at < $2 ORDER BY key`, prefix, t)
	if err != nil {
		return nil, faults.Transport("postgres list", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, faults.Transport("postgres list", err)
	}
	return keys, nil
}

func (p *PGObjects) SetLifecycle(ctx context.Context, days int) error {
	if days < 0 {
		return &faults.ConfigurationError{Message: "lifecycle days must not be negative"}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO archive_lifecycle (id, days) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET days = EXCLUDED.days`, days)
	return faults.Transport("postgres set lifecycle", err)
}

func (p *PGObjects) Lifecycle(ctx context.Context) (int, error) {
	var days int
	err := p.pool.QueryRow(ctx, `SELECT days FROM archive_lifecycle WHERE id = 1`).Scan(&days)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, faults.Transport("postgres lifecycle", err)
	}
	return days, nil
}

func (p *PGObjects) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		at := p.clock.Now().Add(ttl)
		expires = &at
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO records (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, key, value, expires)
	return faults.Transport("postgres put record", err)
}

func (p *PGObjects) GetLive(ctx context.Context, key string) ([]byte, error) {
	var (
		value   []byte
		expires *time.Time
	)
	err := p.pool.QueryRow(ctx, `SELECT value, expires_at FROM records WHERE key = $1`, key).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transport("postgres get record", err)
	}
	if expires != nil && !p.clock.Now().Before(*expires) {
		return nil, nil
	}
	return value, nil
}

func (p *PGObjects) Close() error {
	p.pool.Close()
	return nil
}
